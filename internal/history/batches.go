package history

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ugc/server/internal/model"
	"ugc/server/internal/storage"

	"github.com/google/uuid"
)

const DefaultBatchCap = 20

var ErrEmptyBatch = errors.New("history: batch has no items")

// ItemPatch changes selected fields of a batch item. Nil fields are left as
// they are.
type ItemPatch struct {
	State       *model.BatchItemState
	Progress    *int
	Error       *string
	ArtifactURL *string
	JobID       *string
}

// BatchTracker stores batch jobs per user. Counts and overall state are
// recomputed from the items on every write.
type BatchTracker struct {
	batches collection[model.BatchJob]
	cap     int
	now     func() time.Time

	mu sync.Mutex
}

func NewBatchTracker(backend storage.Backend, capacity int, logger *slog.Logger) *BatchTracker {
	if capacity <= 0 {
		capacity = DefaultBatchCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchTracker{
		batches: collection[model.BatchJob]{name: "batches", backend: backend, log: logger},
		cap:     capacity,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func batchKey(userID string) string { return "batches:" + userID }

// Create stores a new batch with every item pending.
func (b *BatchTracker) Create(ctx context.Context, userID string, batch model.BatchJob) (model.BatchJob, error) {
	if len(batch.Items) == 0 {
		return model.BatchJob{}, ErrEmptyBatch
	}
	now := b.now()
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	batch.UserID = userID
	batch.CreatedAt = now
	batch.UpdatedAt = now
	items := make([]model.BatchItem, len(batch.Items))
	for i, it := range batch.Items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		items[i] = model.BatchItem{ID: it.ID, Text: it.Text, State: model.BatchItemPending}
	}
	batch.Items = items
	Derive(&batch)

	b.mu.Lock()
	defer b.mu.Unlock()
	all, err := b.batches.load(ctx, batchKey(userID))
	if err != nil {
		return model.BatchJob{}, err
	}
	all = append([]model.BatchJob{batch}, all...)
	if len(all) > b.cap {
		all = all[:b.cap]
	}
	if _, err := b.batches.save(ctx, batchKey(userID), all); err != nil {
		return model.BatchJob{}, err
	}
	return batch, nil
}

func (b *BatchTracker) Get(ctx context.Context, userID, batchID string) (model.BatchJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all, err := b.batches.load(ctx, batchKey(userID))
	if err != nil {
		return model.BatchJob{}, err
	}
	for _, batch := range all {
		if batch.ID == batchID {
			return batch, nil
		}
	}
	return model.BatchJob{}, ErrNotFound
}

// List returns batches newest first.
func (b *BatchTracker) List(ctx context.Context, userID string) ([]model.BatchJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all, err := b.batches.load(ctx, batchKey(userID))
	if err != nil {
		return nil, err
	}
	sortNewestFirst(all, func(batch model.BatchJob) time.Time { return batch.CreatedAt })
	return all, nil
}

func (b *BatchTracker) Remove(ctx context.Context, userID, batchID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all, err := b.batches.load(ctx, batchKey(userID))
	if err != nil {
		return false, err
	}
	for i := range all {
		if all[i].ID == batchID {
			all = append(all[:i], all[i+1:]...)
			if _, err := b.batches.save(ctx, batchKey(userID), all); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// UpdateItem applies patch to one item and re-derives the batch aggregates.
func (b *BatchTracker) UpdateItem(ctx context.Context, userID, batchID, itemID string, patch ItemPatch) (model.BatchJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all, err := b.batches.load(ctx, batchKey(userID))
	if err != nil {
		return model.BatchJob{}, err
	}
	for i := range all {
		if all[i].ID != batchID {
			continue
		}
		batch := &all[i]
		for j := range batch.Items {
			if batch.Items[j].ID != itemID {
				continue
			}
			applyPatch(&batch.Items[j], patch)
			batch.UpdatedAt = b.now()
			Derive(batch)
			updated := *batch
			if _, err := b.batches.save(ctx, batchKey(userID), all); err != nil {
				return model.BatchJob{}, err
			}
			return updated, nil
		}
		return model.BatchJob{}, ErrNotFound
	}
	return model.BatchJob{}, ErrNotFound
}

func applyPatch(it *model.BatchItem, p ItemPatch) {
	if p.State != nil {
		it.State = *p.State
	}
	if p.Progress != nil {
		it.Progress = min(max(*p.Progress, 0), 100)
	}
	if p.Error != nil {
		it.Error = *p.Error
	}
	if p.ArtifactURL != nil {
		it.ArtifactURL = *p.ArtifactURL
	}
	if p.JobID != nil {
		it.JobID = *p.JobID
	}
	switch it.State {
	case model.BatchItemCompleted:
		it.Progress = 100
		it.Error = ""
	case model.BatchItemError:
		it.ArtifactURL = ""
	default:
		it.Error = ""
		it.ArtifactURL = ""
	}
}

// Derive recomputes the counts and overall state of a batch from its items.
// A batch is completed once every item is terminal, pending while no item has
// started, and processing otherwise.
func Derive(batch *model.BatchJob) {
	batch.TotalCount = len(batch.Items)
	batch.CompletedCount = 0
	batch.FailedCount = 0
	started := false
	for _, it := range batch.Items {
		switch it.State {
		case model.BatchItemCompleted:
			batch.CompletedCount++
		case model.BatchItemError:
			batch.FailedCount++
		}
		if it.State != model.BatchItemPending {
			started = true
		}
	}
	switch {
	case batch.CompletedCount+batch.FailedCount == batch.TotalCount:
		batch.State = model.BatchCompleted
	case started:
		batch.State = model.BatchProcessing
	default:
		batch.State = model.BatchPending
	}
}

func sortNewestFirst[T any](items []T, at func(T) time.Time) {
	sort.SliceStable(items, func(i, j int) bool { return at(items[i]).After(at(items[j])) })
}
