package store

import (
	"testing"
	"time"

	"ugc/server/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(userID string, createdAt time.Time, state model.JobState) model.GenerationJob {
	return model.GenerationJob{
		ID:        uuid.NewString(),
		UserID:    userID,
		Provider:  model.ProviderMock,
		Kind:      model.KindVideo,
		State:     state,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestCreateJobIdempotency(t *testing.T) {
	st := NewMemoryStore()
	now := time.Now().UTC()
	first, created, err := st.CreateJob(newJob("u1", now, model.JobStarting), "key-1")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := st.CreateJob(newJob("u1", now, model.JobStarting), "key-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other, created, err := st.CreateJob(newJob("u2", now, model.JobStarting), "key-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestListJobsPagesNewestFirst(t *testing.T) {
	st := NewMemoryStore()
	base := time.Now().UTC()
	var ids []string
	for i := 0; i < 5; i++ {
		j, _, err := st.CreateJob(newJob("u1", base.Add(time.Duration(i)*time.Minute), model.JobSucceeded), "")
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}
	_, _, err := st.CreateJob(newJob("u2", base, model.JobSucceeded), "")
	require.NoError(t, err)

	page, total := st.ListJobs("u1", 1, 2)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)

	page, _ = st.ListJobs("u1", 3, 2)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)

	page, _ = st.ListJobs("u1", 9, 2)
	assert.Empty(t, page)
}

func TestUpdateJobAndCountActive(t *testing.T) {
	st := NewMemoryStore()
	now := time.Now().UTC()
	a, _, _ := st.CreateJob(newJob("u1", now, model.JobProcessing), "")
	_, _, _ = st.CreateJob(newJob("u1", now, model.JobStarting), "")
	_, _, _ = st.CreateJob(newJob("u1", now, model.JobFailed), "")
	assert.Equal(t, 2, st.CountActiveJobs("u1"))

	updated, err := st.UpdateJob(a.ID, func(j *model.GenerationJob) { j.State = model.JobSucceeded })
	require.NoError(t, err)
	assert.Equal(t, model.JobSucceeded, updated.State)
	assert.Equal(t, 1, st.CountActiveJobs("u1"))

	_, err = st.UpdateJob("missing", func(*model.GenerationJob) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobEventsAreSequenced(t *testing.T) {
	st := NewMemoryStore()
	j, _, _ := st.CreateJob(newJob("u1", time.Now().UTC(), model.JobStarting), "")
	for i := 0; i < 3; i++ {
		evt, err := st.AppendJobEvent(j.ID, model.JobEvent{JobID: j.ID, Type: model.EventJobProgress})
		require.NoError(t, err)
		assert.EqualValues(t, i+1, evt.Seq)
		assert.NotEmpty(t, evt.EventID)
	}
	events, err := st.ListJobEventsFromSeq(j.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.EqualValues(t, 2, events[0].Seq)

	_, err = st.AppendJobEvent("missing", model.JobEvent{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	st := NewMemoryStore()
	_, err := st.CreateUser(model.User{ID: "1", Email: "a@example.com"})
	require.NoError(t, err)
	_, err = st.CreateUser(model.User{ID: "2", Email: "A@Example.com"})
	assert.ErrorIs(t, err, ErrConflict)
}
