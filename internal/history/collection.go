// Package history keeps per-user capped collections of finished artifacts and
// batch jobs on top of a storage.Backend. Every mutation is a full
// read-modify-write of the collection.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"ugc/server/internal/storage"
	"ugc/server/internal/telemetry"
)

var (
	ErrNotFound    = errors.New("history: item not found")
	ErrWriteFailed = errors.New("history: collection write failed")
)

// collection reads and writes one JSON array under a key.
type collection[T any] struct {
	name    string
	backend storage.Backend
	log     *slog.Logger
}

func (c collection[T]) load(ctx context.Context, key string) ([]T, error) {
	raw, err := c.backend.Load(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", c.name, err)
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.name, err)
	}
	return items, nil
}

// save writes items. When the write fails it keeps the newest half and tries
// once more; the returned slice is what was actually stored.
func (c collection[T]) save(ctx context.Context, key string, items []T) ([]T, error) {
	err := c.write(ctx, key, items)
	if err == nil {
		return items, nil
	}
	logger := c.log.With("collection", c.name, "key", key)
	logger.Warn("collection write failed, shrinking", "items", len(items), "error", err)

	half := items[:len(items)/2]
	if retryErr := c.write(ctx, key, half); retryErr != nil {
		telemetry.CollectionWriteFailuresTotal.WithLabelValues(c.name, "dropped").Inc()
		logger.Error("collection write dropped", "items", len(half), "error", retryErr)
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, retryErr)
	}
	telemetry.CollectionWriteFailuresTotal.WithLabelValues(c.name, "shrunk").Inc()
	logger.Info("collection shrunk to fit", "kept", len(half), "evicted", len(items)-len(half))
	return half, nil
}

func (c collection[T]) write(ctx context.Context, key string, items []T) error {
	if items == nil {
		items = []T{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return c.backend.Save(ctx, key, raw)
}
