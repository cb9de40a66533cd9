package job

import (
	"context"
	"testing"
	"time"

	"ugc/server/internal/events"
	"ugc/server/internal/history"
	"ugc/server/internal/model"
	"ugc/server/internal/poller"
	"ugc/server/internal/provider"
	"ugc/server/internal/storage"
	"ugc/server/internal/store"
	"ugc/server/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc     *Service
	store   *store.MemoryStore
	hub     *events.Hub
	history *history.Tracker
	sent    *recordingNotifier
}

type recordingNotifier struct {
	events chan model.JobEvent
}

func (r *recordingNotifier) Notify(_ context.Context, evt model.JobEvent) error {
	select {
	case r.events <- evt:
	default:
	}
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func newFixture(t *testing.T, mock provider.MockOptions, interval time.Duration, maxUserJobs int) fixture {
	t.Helper()
	logger := telemetry.Discard()
	st := store.NewMemoryStore()
	hub := events.NewHub()
	tracker := history.NewTracker(storage.NewMemory(), 10, logger)
	sent := &recordingNotifier{events: make(chan model.JobEvent, 64)}
	svc := NewService(Options{
		Store:    st,
		Hub:      hub,
		Notifier: sent,
		Registry: provider.NewRegistry(provider.NewMockAdapter(mock)),
		Retry: provider.RetryPolicy{
			MaxRetries: 3,
			Sleep:      func(context.Context, time.Duration) error { return nil },
			Logger:     logger,
		},
		Poller:      poller.New(poller.Options{Interval: interval, Logger: logger}),
		History:     tracker,
		Logger:      logger,
		MaxUserJobs: maxUserJobs,
	})
	t.Cleanup(svc.Close)
	return fixture{svc: svc, store: st, hub: hub, history: tracker, sent: sent}
}

func videoRequest(text string) provider.Request {
	return provider.Request{
		Text:     text,
		Provider: model.ProviderMock,
		Kind:     model.KindVideo,
		Settings: model.Settings{Duration: 5, Resolution: "720p", Style: "vlog"},
	}
}

func eventTypes(t *testing.T, svc *Service, jobID string) []model.JobEventType {
	t.Helper()
	evts, err := svc.ListEventsFrom(jobID, 0)
	require.NoError(t, err)
	out := make([]model.JobEventType, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Type)
	}
	return out
}

func TestCreateJobRunsToSuccessAndSavesHistory(t *testing.T) {
	f := newFixture(t, provider.MockOptions{Steps: 2}, time.Millisecond, 3)

	job, err := f.svc.CreateJob(context.Background(), "u1", "trace-1", "", videoRequest("a cat unboxing a phone"))
	require.NoError(t, err)
	assert.Equal(t, "mock-video", job.Model)

	require.Eventually(t, func() bool {
		j, err := f.svc.GetJob("u1", job.ID)
		return err == nil && j.State == model.JobSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	done, err := f.svc.GetJob("u1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, done.Progress)
	assert.Contains(t, done.Output, "https://mock.ugc.local/video/")
	assert.Empty(t, done.Error)
	assert.False(t, done.EndedAt.IsZero())

	require.Eventually(t, func() bool {
		types := eventTypes(t, f.svc, job.ID)
		return types[len(types)-1] == model.EventHistorySaved
	}, time.Second, 5*time.Millisecond)
	items, err := f.history.ListAll(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, done.Output, items[0].ArtifactURL)
	assert.Equal(t, job.ID, items[0].JobID)
	assert.Equal(t, "a cat unboxing a phone", items[0].SourceText)

	types := eventTypes(t, f.svc, job.ID)
	require.NotEmpty(t, types)
	assert.Equal(t, model.EventJobCreated, types[0])
	assert.Contains(t, types, model.EventJobProgress)
	assert.Contains(t, types, model.EventJobSucceeded)
	assert.Equal(t, model.EventHistorySaved, types[len(types)-1])

	evt := <-f.sent.events
	assert.Equal(t, model.EventJobSucceeded, evt.Type)
}

func TestCreateJobRejectsInvalidRequestWithoutRecordingIt(t *testing.T) {
	f := newFixture(t, provider.MockOptions{}, time.Millisecond, 3)

	_, err := f.svc.CreateJob(context.Background(), "u1", "", "", videoRequest("   "))
	require.Error(t, err)
	assert.Equal(t, provider.KindValidation, provider.KindOf(err))

	_, err = f.svc.CreateJob(context.Background(), "u1", "", "", provider.Request{Text: "x", Provider: "nope", Kind: model.KindVideo})
	assert.Equal(t, provider.KindValidation, provider.KindOf(err))

	_, total := f.svc.ListJobs("u1", 1, 10)
	assert.Zero(t, total)
}

func TestCreateJobRecordsProviderFailure(t *testing.T) {
	f := newFixture(t, provider.MockOptions{}, time.Millisecond, 3)

	job, err := f.svc.CreateJob(context.Background(), "u1", "", "", videoRequest("please "+provider.MockTriggerAuth))
	require.Error(t, err)
	assert.Equal(t, provider.KindAuth, provider.KindOf(err))
	assert.Equal(t, model.JobFailed, job.State)
	assert.Equal(t, string(provider.KindAuth), job.ErrorKind)
	assert.NotEmpty(t, job.Error)
	assert.Equal(t, []model.JobEventType{model.EventJobCreated, model.EventJobFailed}, eventTypes(t, f.svc, job.ID))
}

func TestCreateJobReportsFailedGeneration(t *testing.T) {
	f := newFixture(t, provider.MockOptions{Steps: 2}, time.Millisecond, 3)

	job, err := f.svc.CreateJob(context.Background(), "u1", "", "", videoRequest(provider.MockTriggerError))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := f.svc.GetJob("u1", job.ID)
		return j.State == model.JobFailed
	}, 2*time.Second, 5*time.Millisecond)

	failed, _ := f.svc.GetJob("u1", job.ID)
	assert.Empty(t, failed.Output)
	assert.Equal(t, "mock generation failed", failed.Error)
	items, err := f.history.ListAll(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCreateJobEnforcesPerUserLimitAndCancel(t *testing.T) {
	f := newFixture(t, provider.MockOptions{Steps: 1000}, time.Hour, 1)

	first, err := f.svc.CreateJob(context.Background(), "u1", "", "", videoRequest("first"))
	require.NoError(t, err)

	_, err = f.svc.CreateJob(context.Background(), "u1", "", "", videoRequest("second"))
	assert.ErrorIs(t, err, ErrTooManyRunningJobs)

	_, err = f.svc.CreateJob(context.Background(), "u2", "", "", videoRequest("other user"))
	require.NoError(t, err)

	canceled, err := f.svc.CancelJob("u1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCanceled, canceled.State)
	assert.Empty(t, canceled.Output)
	assert.Equal(t, string(provider.KindCanceled), canceled.ErrorKind)

	again, err := f.svc.CancelJob("u1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, canceled.EndedAt, again.EndedAt)

	_, err = f.svc.CreateJob(context.Background(), "u1", "", "", videoRequest("after cancel"))
	require.NoError(t, err)
}

func TestCreateJobIsIdempotentPerKey(t *testing.T) {
	f := newFixture(t, provider.MockOptions{Steps: 1000}, time.Hour, 3)

	a, err := f.svc.CreateJob(context.Background(), "u1", "", "key-1", videoRequest("same"))
	require.NoError(t, err)
	b, err := f.svc.CreateJob(context.Background(), "u1", "", "key-1", videoRequest("same"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	_, total := f.svc.ListJobs("u1", 1, 10)
	assert.Equal(t, 1, total)
}

func TestGetJobIsScopedToOwner(t *testing.T) {
	f := newFixture(t, provider.MockOptions{Steps: 1000}, time.Hour, 3)

	job, err := f.svc.CreateJob(context.Background(), "u1", "", "", videoRequest("mine"))
	require.NoError(t, err)

	_, err = f.svc.GetJob("u2", job.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.CancelJob("u2", job.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.GetJob("u1", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGenerateWithImmediateHandle(t *testing.T) {
	f := newFixture(t, provider.MockOptions{Synchronous: true}, time.Millisecond, 3)

	var updates []poller.Update
	job, err := f.svc.Generate(context.Background(), "u1", "", videoRequest("instant"), func(u poller.Update) {
		updates = append(updates, u)
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobSucceeded, job.State)
	assert.Equal(t, 100, job.Progress)
	require.Len(t, updates, 1)
	assert.Equal(t, model.JobSucceeded, updates[0].State)

	items, err := f.history.ListAll(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, job.Output, items[0].ArtifactURL)
}

func TestGenerateHonorsCallerCancellation(t *testing.T) {
	f := newFixture(t, provider.MockOptions{Steps: 1000}, time.Hour, 3)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	job, err := f.svc.Generate(ctx, "u1", "", videoRequest("slow"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobCanceled, job.State)
	assert.Empty(t, job.Output)
}

type generated struct {
	job model.GenerationJob
	err error
}

func onlyJob(t *testing.T, svc *Service, userID string) model.GenerationJob {
	t.Helper()
	var job model.GenerationJob
	require.Eventually(t, func() bool {
		jobs, total := svc.ListJobs(userID, 1, 10)
		if total != 1 {
			return false
		}
		job = jobs[0]
		return true
	}, time.Second, time.Millisecond)
	return job
}

func TestCancelJobDuringSubmission(t *testing.T) {
	f := newFixture(t, provider.MockOptions{Steps: 1000, Latency: 300 * time.Millisecond}, time.Hour, 3)

	done := make(chan generated, 1)
	go func() {
		job, err := f.svc.CreateJob(context.Background(), "u1", "", "", videoRequest("slow provider"))
		done <- generated{job, err}
	}()
	pending := onlyJob(t, f.svc, "u1")
	assert.Equal(t, model.JobStarting, pending.State)

	canceled, err := f.svc.CancelJob("u1", pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCanceled, canceled.State)
	assert.Equal(t, string(provider.KindCanceled), canceled.ErrorKind)

	res := <-done
	require.Error(t, res.err)
	assert.Equal(t, provider.KindCanceled, provider.KindOf(res.err))
	assert.Equal(t, model.JobCanceled, res.job.State)

	time.Sleep(20 * time.Millisecond)
	stored, err := f.svc.GetJob("u1", pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCanceled, stored.State)
	types := eventTypes(t, f.svc, pending.ID)
	assert.Equal(t, model.EventJobCanceled, types[len(types)-1])
}

func TestCancelJobStopsGenerate(t *testing.T) {
	f := newFixture(t, provider.MockOptions{Steps: 1000}, time.Hour, 3)

	done := make(chan generated, 1)
	go func() {
		job, err := f.svc.Generate(context.Background(), "u1", "", videoRequest("batch item"), nil)
		done <- generated{job, err}
	}()
	pending := onlyJob(t, f.svc, "u1")

	canceled, err := f.svc.CancelJob("u1", pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCanceled, canceled.State)

	select {
	case res := <-done:
		if res.err != nil {
			assert.Equal(t, provider.KindCanceled, provider.KindOf(res.err))
		}
		assert.Equal(t, model.JobCanceled, res.job.State)
	case <-time.After(time.Second):
		t.Fatal("Generate kept polling after cancel")
	}
}

func TestCandidateModels(t *testing.T) {
	assert.Equal(t, []string{"default"}, candidateModels("default", "default"))
	assert.Equal(t, []string{"custom", "default"}, candidateModels("custom", "default"))
	assert.Equal(t, []string{"custom"}, candidateModels("custom", ""))
}
