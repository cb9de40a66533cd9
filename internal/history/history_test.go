package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ugc/server/internal/model"
	"ugc/server/internal/storage"
	"ugc/server/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyBackend fails the next `failures` saves.
type flakyBackend struct {
	storage.Backend
	failures int
	saves    int
}

func (f *flakyBackend) Save(ctx context.Context, key string, value []byte) error {
	f.saves++
	if f.failures > 0 {
		f.failures--
		return storage.ErrQuotaExceeded
	}
	return f.Backend.Save(ctx, key, value)
}

func newTestTracker(backend storage.Backend, capacity int) *Tracker {
	tr := NewTracker(backend, capacity, telemetry.Discard())
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	tr.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return tr
}

func appendN(t *testing.T, tr *Tracker, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := tr.Append(context.Background(), userID, model.HistoryItem{
			ID:          fmt.Sprintf("item-%d", i),
			ArtifactURL: fmt.Sprintf("https://cdn.example/%d.mp4", i),
			SourceText:  fmt.Sprintf("prompt %d", i),
			Kind:        model.KindVideo,
			Provider:    model.ProviderMock,
		})
		require.NoError(t, err)
	}
}

func TestAppendEvictsOldestBeyondCap(t *testing.T) {
	const capacity = 10
	tr := newTestTracker(storage.NewMemory(), capacity)
	appendN(t, tr, "u1", capacity+5)

	items, err := tr.ListAll(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, items, capacity)
	assert.Equal(t, "item-14", items[0].ID)
	assert.Equal(t, "item-5", items[capacity-1].ID)
	for i := 1; i < len(items); i++ {
		assert.True(t, items[i-1].CreatedAt.After(items[i].CreatedAt))
	}
}

func TestHistoryIsPerUser(t *testing.T) {
	tr := newTestTracker(storage.NewMemory(), 10)
	appendN(t, tr, "u1", 2)

	items, err := tr.ListAll(context.Background(), "u2")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestToggleFavoriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(storage.NewMemory(), 10)
	appendN(t, tr, "u1", 3)

	v, err := tr.ToggleFavorite(ctx, "u1", "item-1")
	require.NoError(t, err)
	assert.True(t, v)
	favs, err := tr.ListFavorites(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, favs, 1)
	assert.Equal(t, "item-1", favs[0].ID)

	v, err = tr.ToggleFavorite(ctx, "u1", "item-1")
	require.NoError(t, err)
	assert.False(t, v)
	favs, err = tr.ListFavorites(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, favs)
}

func TestToggleFavoriteMissingMutatesNothing(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{Backend: storage.NewMemory()}
	tr := newTestTracker(backend, 10)
	appendN(t, tr, "u1", 2)
	before, err := tr.ListAll(ctx, "u1")
	require.NoError(t, err)
	saves := backend.saves

	v, err := tr.ToggleFavorite(ctx, "u1", "nope")
	assert.False(t, v)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, saves, backend.saves)

	after, err := tr.ListAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(storage.NewMemory(), 10)
	appendN(t, tr, "u1", 3)

	removed, err := tr.Remove(ctx, "u1", "item-0")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = tr.Remove(ctx, "u1", "item-0")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = tr.Get(ctx, "u1", "item-0")
	assert.ErrorIs(t, err, ErrNotFound)
	items, err := tr.ListAll(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(storage.NewMemory(), 10)
	appendN(t, tr, "u1", 3)
	_, err := tr.Append(ctx, "u1", model.HistoryItem{Kind: model.KindAudio, Provider: model.ProviderElevenLabs, ArtifactURL: "data:audio/mpeg;base64,AA"})
	require.NoError(t, err)
	_, err = tr.ToggleFavorite(ctx, "u1", "item-2")
	require.NoError(t, err)

	st, err := tr.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 1, st.Favorites)
	assert.Equal(t, 3, st.ByKind[model.KindVideo])
	assert.Equal(t, 1, st.ByProvider[model.ProviderElevenLabs])
}

func TestWriteFailureHalvesCollection(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{Backend: storage.NewMemory()}
	tr := newTestTracker(backend, 50)
	appendN(t, tr, "u1", 9)

	backend.failures = 1
	item, err := tr.Append(ctx, "u1", model.HistoryItem{ID: "newest", ArtifactURL: "https://cdn.example/n.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "newest", item.ID)

	items, err := tr.ListAll(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, "newest", items[0].ID)
	assert.Equal(t, "item-5", items[4].ID)
}

func TestWriteFailureTwiceDropsAppend(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{Backend: storage.NewMemory()}
	tr := newTestTracker(backend, 50)
	appendN(t, tr, "u1", 4)

	backend.failures = 2
	_, err := tr.Append(ctx, "u1", model.HistoryItem{ID: "lost"})
	require.NoError(t, err)

	items, err := tr.ListAll(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, "item-3", items[0].ID)
}

func TestQuotaBackendShrinksHistory(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(storage.WithQuota(storage.NewMemory(), 2000), 50)
	for i := 0; i < 40; i++ {
		_, err := tr.Append(ctx, "u1", model.HistoryItem{
			ID:          fmt.Sprintf("item-%d", i),
			ArtifactURL: fmt.Sprintf("https://cdn.example/%03d.mp4", i),
		})
		require.NoError(t, err)
	}
	items, err := tr.ListAll(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, items)
	assert.Less(t, len(items), 40)
	assert.Equal(t, "item-39", items[0].ID)
}

func TestCorruptCollectionIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	require.NoError(t, mem.Save(ctx, historyKey("u1"), []byte("{not json")))
	tr := newTestTracker(mem, 10)

	_, err := tr.Append(ctx, "u1", model.HistoryItem{ID: "x"})
	require.Error(t, err)
	raw, err := mem.Load(ctx, historyKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(raw))
}

func newTestBatches() *BatchTracker {
	bt := NewBatchTracker(storage.NewMemory(), 5, telemetry.Discard())
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	bt.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return bt
}

func statePtr(s model.BatchItemState) *model.BatchItemState { return &s }

func strPtr(s string) *string { return &s }

func TestBatchAggregatesAreDerived(t *testing.T) {
	ctx := context.Background()
	bt := newTestBatches()
	batch, err := bt.Create(ctx, "u1", model.BatchJob{
		Kind:           model.KindVideo,
		Items:          []model.BatchItem{{ID: "a", Text: "one"}, {ID: "b", Text: "two"}, {ID: "c", Text: "three"}},
		CompletedCount: 99,
		State:          model.BatchCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, batch.TotalCount)
	assert.Zero(t, batch.CompletedCount)
	assert.Equal(t, model.BatchPending, batch.State)

	_, err = bt.UpdateItem(ctx, "u1", batch.ID, "a", ItemPatch{State: statePtr(model.BatchItemCompleted), ArtifactURL: strPtr("https://cdn.example/a.mp4")})
	require.NoError(t, err)
	batch, err = bt.UpdateItem(ctx, "u1", batch.ID, "b", ItemPatch{State: statePtr(model.BatchItemError), Error: strPtr("rate limited")})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.CompletedCount)
	assert.Equal(t, 1, batch.FailedCount)
	assert.Equal(t, model.BatchProcessing, batch.State)

	batch, err = bt.UpdateItem(ctx, "u1", batch.ID, "c", ItemPatch{State: statePtr(model.BatchItemError), Error: strPtr("boom")})
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompleted, batch.State)
	assert.Equal(t, 2, batch.FailedCount)

	stored, err := bt.Get(ctx, "u1", batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.Items, stored.Items)
	assert.Equal(t, batch.State, stored.State)
	assert.Equal(t, batch.FailedCount, stored.FailedCount)
}

func TestBatchItemPatchKeepsOutputAndErrorExclusive(t *testing.T) {
	ctx := context.Background()
	bt := newTestBatches()
	batch, err := bt.Create(ctx, "u1", model.BatchJob{Items: []model.BatchItem{{Text: "one"}}})
	require.NoError(t, err)
	id := batch.Items[0].ID

	batch, err = bt.UpdateItem(ctx, "u1", batch.ID, id, ItemPatch{State: statePtr(model.BatchItemCompleted), Error: strPtr("stale"), ArtifactURL: strPtr("https://cdn.example/x.png")})
	require.NoError(t, err)
	assert.Empty(t, batch.Items[0].Error)
	assert.Equal(t, 100, batch.Items[0].Progress)
	assert.Equal(t, "https://cdn.example/x.png", batch.Items[0].ArtifactURL)

	_, err = bt.UpdateItem(ctx, "u1", batch.ID, "missing", ItemPatch{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = bt.UpdateItem(ctx, "u1", "missing", id, ItemPatch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchListCapAndRemove(t *testing.T) {
	ctx := context.Background()
	bt := newTestBatches()
	var ids []string
	for i := 0; i < 7; i++ {
		b, err := bt.Create(ctx, "u1", model.BatchJob{Items: []model.BatchItem{{Text: fmt.Sprintf("p%d", i)}}})
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}
	list, err := bt.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, ids[6], list[0].ID)

	removed, err := bt.Remove(ctx, "u1", ids[6])
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = bt.Get(ctx, "u1", ids[6])
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = bt.Create(ctx, "u1", model.BatchJob{})
	assert.True(t, errors.Is(err, ErrEmptyBatch))
}

func TestDerive(t *testing.T) {
	cases := []struct {
		states []model.BatchItemState
		want   model.BatchState
	}{
		{[]model.BatchItemState{model.BatchItemPending, model.BatchItemPending}, model.BatchPending},
		{[]model.BatchItemState{model.BatchItemProcessing, model.BatchItemPending}, model.BatchProcessing},
		{[]model.BatchItemState{model.BatchItemCompleted, model.BatchItemError, model.BatchItemPending}, model.BatchProcessing},
		{[]model.BatchItemState{model.BatchItemCompleted, model.BatchItemError}, model.BatchCompleted},
	}
	for _, tc := range cases {
		b := model.BatchJob{}
		for _, s := range tc.states {
			b.Items = append(b.Items, model.BatchItem{State: s})
		}
		Derive(&b)
		assert.Equal(t, tc.want, b.State, "%v", tc.states)
		assert.Equal(t, len(tc.states), b.TotalCount)
	}
}
