// Package storage persists serialized collections under fixed keys. Every
// write replaces the whole value for a key.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound      = errors.New("storage: key not found")
	ErrQuotaExceeded = errors.New("storage: quota exceeded")
)

type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}}
}

func (m *Memory) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Save(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Close() error { return nil }

// Sizer reports the stored size of every key. Backends that implement it
// let a Quota account for data written before the process started.
type Sizer interface {
	Sizes(ctx context.Context) (map[string]int, error)
}

func (m *Memory) Sizes(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.data))
	for k, v := range m.data {
		out[k] = len(v)
	}
	return out, nil
}

// Quota rejects writes that would push the total stored size over a byte
// budget, the way browser local storage does.
type Quota struct {
	Backend
	limit int

	mu     sync.Mutex
	seeded bool
	sizes  map[string]int
}

func WithQuota(b Backend, limitBytes int) *Quota {
	return &Quota{Backend: b, limit: limitBytes, sizes: map[string]int{}}
}

// seedLocked measures what the backend already holds. Callers hold q.mu.
func (q *Quota) seedLocked(ctx context.Context) error {
	if q.seeded {
		return nil
	}
	if sz, ok := q.Backend.(Sizer); ok {
		sizes, err := sz.Sizes(ctx)
		if err != nil {
			return fmt.Errorf("measure stored collections: %w", err)
		}
		for k, n := range sizes {
			if _, known := q.sizes[k]; !known {
				q.sizes[k] = n
			}
		}
	}
	q.seeded = true
	return nil
}

func (q *Quota) Load(ctx context.Context, key string) ([]byte, error) {
	v, err := q.Backend.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.seedLocked(ctx); err != nil {
		return nil, err
	}
	if _, known := q.sizes[key]; !known {
		q.sizes[key] = len(v)
	}
	return v, nil
}

// Save holds the lock across the check and the write so concurrent writers
// to different keys cannot overshoot the budget together.
func (q *Quota) Save(ctx context.Context, key string, value []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.seedLocked(ctx); err != nil {
		return err
	}
	total := len(value)
	for k, n := range q.sizes {
		if k != key {
			total += n
		}
	}
	if q.limit > 0 && total > q.limit {
		return fmt.Errorf("%w: writing %d bytes to %s", ErrQuotaExceeded, len(value), key)
	}
	if err := q.Backend.Save(ctx, key, value); err != nil {
		return err
	}
	q.sizes[key] = len(value)
	return nil
}

func (q *Quota) Delete(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.Backend.Delete(ctx, key); err != nil {
		return err
	}
	delete(q.sizes, key)
	return nil
}

// Used is the number of bytes currently counted against the budget.
func (q *Quota) Used(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.seedLocked(ctx); err != nil {
		return 0, err
	}
	total := 0
	for _, n := range q.sizes {
		total += n
	}
	return total, nil
}
