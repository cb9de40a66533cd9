package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ugc/server/internal/model"
	"ugc/server/internal/storage"

	"github.com/google/uuid"
)

const DefaultHistoryCap = 50

type Stats struct {
	Total      int                      `json:"total"`
	Favorites  int                      `json:"favorites"`
	ByKind     map[model.JobKind]int    `json:"by_kind"`
	ByProvider map[model.ProviderID]int `json:"by_provider"`
}

// Tracker is the newest-first history of finished artifacts per user.
type Tracker struct {
	items collection[model.HistoryItem]
	cap   int
	now   func() time.Time

	mu sync.Mutex
}

func NewTracker(backend storage.Backend, capacity int, logger *slog.Logger) *Tracker {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		items: collection[model.HistoryItem]{name: "history", backend: backend, log: logger},
		cap:   capacity,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func historyKey(userID string) string { return "history:" + userID }

// Append puts item at the front and evicts the oldest entries beyond the cap.
// A write that fails even after shrinking is dropped and only logged.
func (t *Tracker) Append(ctx context.Context, userID string, item model.HistoryItem) (model.HistoryItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	items, err := t.items.load(ctx, historyKey(userID))
	if err != nil {
		return model.HistoryItem{}, err
	}
	items = append([]model.HistoryItem{item}, items...)
	if len(items) > t.cap {
		items = items[:t.cap]
	}
	if _, err := t.items.save(ctx, historyKey(userID), items); err != nil {
		t.items.log.Warn("history append dropped", "user_id", userID, "item_id", item.ID)
	}
	return item, nil
}

// ToggleFavorite flips the favorite flag and returns the new value. A missing
// id returns false and ErrNotFound without touching storage.
func (t *Tracker) ToggleFavorite(ctx context.Context, userID, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	items, err := t.items.load(ctx, historyKey(userID))
	if err != nil {
		return false, err
	}
	for i := range items {
		if items[i].ID != id {
			continue
		}
		items[i].IsFavorite = !items[i].IsFavorite
		value := items[i].IsFavorite
		if _, err := t.items.save(ctx, historyKey(userID), items); err != nil {
			return !value, err
		}
		return value, nil
	}
	return false, ErrNotFound
}

// Remove reports whether an item was deleted.
func (t *Tracker) Remove(ctx context.Context, userID, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	items, err := t.items.load(ctx, historyKey(userID))
	if err != nil {
		return false, err
	}
	for i := range items {
		if items[i].ID == id {
			items = append(items[:i], items[i+1:]...)
			if _, err := t.items.save(ctx, historyKey(userID), items); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (t *Tracker) Get(ctx context.Context, userID, id string) (model.HistoryItem, error) {
	items, err := t.ListAll(ctx, userID)
	if err != nil {
		return model.HistoryItem{}, err
	}
	for _, it := range items {
		if it.ID == id {
			return it, nil
		}
	}
	return model.HistoryItem{}, ErrNotFound
}

// ListAll returns a snapshot, newest first.
func (t *Tracker) ListAll(ctx context.Context, userID string) ([]model.HistoryItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	items, err := t.items.load(ctx, historyKey(userID))
	if err != nil {
		return nil, err
	}
	sortNewestFirst(items, func(it model.HistoryItem) time.Time { return it.CreatedAt })
	return items, nil
}

func (t *Tracker) ListFavorites(ctx context.Context, userID string) ([]model.HistoryItem, error) {
	items, err := t.ListAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.HistoryItem, 0, len(items))
	for _, it := range items {
		if it.IsFavorite {
			out = append(out, it)
		}
	}
	return out, nil
}

func (t *Tracker) Stats(ctx context.Context, userID string) (Stats, error) {
	items, err := t.ListAll(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Total:      len(items),
		ByKind:     map[model.JobKind]int{},
		ByProvider: map[model.ProviderID]int{},
	}
	for _, it := range items {
		if it.IsFavorite {
			st.Favorites++
		}
		st.ByKind[it.Kind]++
		st.ByProvider[it.Provider]++
	}
	return st, nil
}
