// Package storage is the durable sink for conversation state. Items are addressed by a
// string identifier; implementations exist in memory and over gorm.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Item is anything that can be stored.
type Item interface {
	StorageID() string
}

// Storage saves and loads items of one kind. Implementations must be safe for
// concurrent use.
type Storage[T Item] interface {
	// Save inserts item and fails with ErrExists if its id is taken.
	Save(ctx context.Context, item T) error
	SaveOrUpdate(ctx context.Context, item T) error
	// SaveList upserts every item in one batch.
	SaveList(ctx context.Context, items []T) error
	// Load returns ErrNotFound when id is absent.
	Load(ctx context.Context, id string) (T, error)
	// LoadList returns the items found, in the order of ids; missing ids are skipped.
	LoadList(ctx context.Context, ids []string) ([]T, error)
	Delete(ctx context.Context, id string) error
	DeleteList(ctx context.Context, ids []string) error
}

var (
	ErrNotFound = errors.New("storage: item not found")
	ErrExists   = errors.New("storage: item already exists")
)

func existsError(id string) error   { return fmt.Errorf("%w: %s", ErrExists, id) }
func notFoundError(id string) error { return fmt.Errorf("%w: %s", ErrNotFound, id) }
