package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Mapper converts items to and from their gorm row model M.
type Mapper[T Item, M any] struct {
	ToModel   func(T) (M, error)
	FromModel func(M) (T, error)
	// IDColumn holds the value of StorageID.
	IDColumn string
}

// Gorm stores items as rows of M.
type Gorm[T Item, M any] struct {
	db     *gorm.DB
	mapper Mapper[T, M]
}

// NewGorm migrates the table for M and returns a storage over it.
func NewGorm[T Item, M any](db *gorm.DB, mapper Mapper[T, M]) (*Gorm[T, M], error) {
	if mapper.ToModel == nil || mapper.FromModel == nil || mapper.IDColumn == "" {
		return nil, errors.New("storage: incomplete mapper")
	}
	var model M
	if err := db.AutoMigrate(&model); err != nil {
		return nil, fmt.Errorf("failed to automigrate: %w", err)
	}
	return &Gorm[T, M]{db: db, mapper: mapper}, nil
}

func (s *Gorm[T, M]) idEq() string { return s.mapper.IDColumn + " = ?" }

func (s *Gorm[T, M]) Save(ctx context.Context, item T) error {
	row, err := s.mapper.ToModel(item)
	if err != nil {
		return err
	}
	id := item.StorageID()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(new(M)).Where(s.idEq(), id).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return existsError(id)
		}
		return tx.Create(&row).Error
	})
}

func (s *Gorm[T, M]) SaveOrUpdate(ctx context.Context, item T) error {
	row, err := s.mapper.ToModel(item)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *Gorm[T, M]) SaveList(ctx context.Context, items []T) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]M, 0, len(items))
	for _, item := range items {
		row, err := s.mapper.ToModel(item)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
}

func (s *Gorm[T, M]) Load(ctx context.Context, id string) (T, error) {
	var zero T
	var rows []M
	if err := s.db.WithContext(ctx).Where(s.idEq(), id).Limit(1).Find(&rows).Error; err != nil {
		return zero, err
	}
	if len(rows) == 0 {
		return zero, notFoundError(id)
	}
	return s.mapper.FromModel(rows[0])
}

func (s *Gorm[T, M]) LoadList(ctx context.Context, ids []string) ([]T, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []M
	if err := s.db.WithContext(ctx).Where(s.mapper.IDColumn+" IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]T, len(rows))
	for _, row := range rows {
		item, err := s.mapper.FromModel(row)
		if err != nil {
			return nil, err
		}
		byID[item.StorageID()] = item
	}
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *Gorm[T, M]) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where(s.idEq(), id).Delete(new(M)).Error
}

func (s *Gorm[T, M]) DeleteList(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where(s.mapper.IDColumn+" IN ?", ids).Delete(new(M)).Error
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
