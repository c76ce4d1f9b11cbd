package storage

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory keeps serialized items in a map, so stored values never alias the caller's.
type Memory[T Item] struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemory returns an empty in-memory storage.
func NewMemory[T Item]() *Memory[T] {
	return &Memory[T]{items: make(map[string][]byte)}
}

func (s *Memory[T]) Save(_ context.Context, item T) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := item.StorageID()
	if _, ok := s.items[id]; ok {
		return existsError(id)
	}
	s.items[id] = b
	return nil
}

func (s *Memory[T]) SaveOrUpdate(_ context.Context, item T) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.items[item.StorageID()] = b
	s.mu.Unlock()
	return nil
}

func (s *Memory[T]) SaveList(_ context.Context, items []T) error {
	encoded := make([][]byte, len(items))
	for i, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return err
		}
		encoded[i] = b
	}
	s.mu.Lock()
	for i, item := range items {
		s.items[item.StorageID()] = encoded[i]
	}
	s.mu.Unlock()
	return nil
}

func (s *Memory[T]) Load(_ context.Context, id string) (T, error) {
	var zero T
	s.mu.RLock()
	b, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return zero, notFoundError(id)
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return zero, err
	}
	return out, nil
}

func (s *Memory[T]) LoadList(ctx context.Context, ids []string) ([]T, error) {
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		item, err := s.Load(ctx, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Memory[T]) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
	return nil
}

func (s *Memory[T]) DeleteList(_ context.Context, ids []string) error {
	s.mu.Lock()
	for _, id := range ids {
		delete(s.items, id)
	}
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored items.
func (s *Memory[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
