package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ugc/server/internal/events"
	"ugc/server/internal/history"
	"ugc/server/internal/model"
	"ugc/server/internal/poller"
	"ugc/server/internal/provider"
	"ugc/server/internal/store"
	"ugc/server/internal/telemetry"

	"github.com/google/uuid"
)

var (
	ErrTooManyRunningJobs = errors.New("too many running jobs for user")
	ErrForbidden          = errors.New("job belongs to another user")
	ErrShuttingDown       = errors.New("job service is shutting down")
)

type Options struct {
	Store       *store.MemoryStore
	Hub         *events.Hub
	Notifier    events.Notifier
	Registry    *provider.Registry
	Retry       provider.RetryPolicy
	Poller      *poller.Poller
	History     *history.Tracker
	Logger      *slog.Logger
	MaxUserJobs int
}

// Service submits generation jobs, follows them to a terminal state and
// records finished artifacts in the user's history.
type Service struct {
	store    *store.MemoryStore
	hub      *events.Hub
	notifier events.Notifier
	registry *provider.Registry
	retry    provider.RetryPolicy
	poller   *poller.Poller
	history  *history.Tracker
	log      *slog.Logger

	maxUserJobs int

	baseCtx  context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]*runner
}

// runner owns a job from submission until its terminal state is stored.
// cancel stops both the submission and the poll loop.
type runner struct {
	cancel   context.CancelFunc
	finished chan struct{}
}

func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = events.NopNotifier{}
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub()
	}
	if opts.Poller == nil {
		opts.Poller = poller.New(poller.Options{Logger: opts.Logger})
	}
	if opts.MaxUserJobs < 1 {
		opts.MaxUserJobs = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:       opts.Store,
		hub:         opts.Hub,
		notifier:    opts.Notifier,
		registry:    opts.Registry,
		retry:       opts.Retry,
		poller:      opts.Poller,
		history:     opts.History,
		log:         opts.Logger,
		maxUserJobs: opts.MaxUserJobs,
		baseCtx:     ctx,
		shutdown:    cancel,
		running:     map[string]*runner{},
	}
}

// CreateJob submits req and returns as soon as the provider accepted it.
// Polling continues in the background until the job is terminal or canceled.
func (s *Service) CreateJob(ctx context.Context, userID, traceID, idempotencyKey string, req provider.Request) (model.GenerationJob, error) {
	adapter, req, err := s.prepare(req)
	if err != nil {
		return model.GenerationJob{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.GenerationJob{}, ErrShuttingDown
	}
	if s.store.CountActiveJobs(userID) >= s.maxUserJobs {
		s.mu.Unlock()
		return model.GenerationJob{}, ErrTooManyRunningJobs
	}
	job, created, err := s.store.CreateJob(newJob(userID, traceID, req), idempotencyKey)
	if err != nil || !created {
		s.mu.Unlock()
		return job, err
	}
	jobCtx, r := s.track(s.baseCtx, job.ID)
	s.wg.Add(1)
	s.mu.Unlock()
	s.publish(job, model.EventJobCreated, map[string]any{"state": job.State, "provider": job.Provider, "kind": job.Kind})

	// The caller hanging up aborts the submission but not the poll loop.
	stopWatch := context.AfterFunc(ctx, r.cancel)
	job, handle, err := s.submit(jobCtx, adapter, job, req)
	stopWatch()
	if err != nil {
		s.release(job.ID, r)
		s.wg.Done()
		return job, err
	}

	session := s.poller.Start(jobCtx, adapter, handle, s.progressFn(job.ID))
	go func() {
		defer s.wg.Done()
		res := session.Wait()
		s.finish(job.ID, res)
		s.release(job.ID, r)
	}()
	return job, nil
}

// Generate is CreateJob without the background session: it polls on the
// caller's goroutine and returns the terminal job. An error is returned only
// when the job could not be created at the provider. The job can still be
// canceled through CancelJob.
func (s *Service) Generate(ctx context.Context, userID, traceID string, req provider.Request, onUpdate func(poller.Update)) (model.GenerationJob, error) {
	adapter, req, err := s.prepare(req)
	if err != nil {
		return model.GenerationJob{}, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.GenerationJob{}, ErrShuttingDown
	}
	job, _, err := s.store.CreateJob(newJob(userID, traceID, req), "")
	if err != nil {
		s.mu.Unlock()
		return model.GenerationJob{}, err
	}
	jobCtx, r := s.track(ctx, job.ID)
	s.mu.Unlock()
	defer s.release(job.ID, r)
	stopShutdown := context.AfterFunc(s.baseCtx, r.cancel)
	defer stopShutdown()
	s.publish(job, model.EventJobCreated, map[string]any{"state": job.State, "provider": job.Provider, "kind": job.Kind})

	job, handle, err := s.submit(jobCtx, adapter, job, req)
	if err != nil {
		return job, err
	}
	progress := s.progressFn(job.ID)
	res := s.poller.Run(jobCtx, adapter, handle, func(u poller.Update) {
		progress(u)
		if onUpdate != nil {
			onUpdate(u)
		}
	})
	return s.finish(job.ID, res), nil
}

// track registers a cancelable runner for jobID. Callers hold s.mu.
func (s *Service) track(parent context.Context, jobID string) (context.Context, *runner) {
	ctx, cancel := context.WithCancel(parent)
	r := &runner{cancel: cancel, finished: make(chan struct{})}
	s.running[jobID] = r
	return ctx, r
}

// release unregisters a runner once the job's final state is stored.
func (s *Service) release(jobID string, r *runner) {
	r.cancel()
	s.mu.Lock()
	delete(s.running, jobID)
	s.mu.Unlock()
	close(r.finished)
}

func (s *Service) GetJob(userID, jobID string) (model.GenerationJob, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return model.GenerationJob{}, err
	}
	if job.UserID != userID {
		return model.GenerationJob{}, ErrForbidden
	}
	return job, nil
}

func (s *Service) ListJobs(userID string, page, pageSize int) ([]model.GenerationJob, int) {
	return s.store.ListJobs(userID, page, pageSize)
}

func (s *Service) ListEventsFrom(jobID string, fromSeq int64) ([]model.JobEvent, error) {
	return s.store.ListJobEventsFromSeq(jobID, fromSeq)
}

// CancelJob stops polling and waits until the canceled state is stored.
// Canceling a terminal job is a no-op.
func (s *Service) CancelJob(userID, jobID string) (model.GenerationJob, error) {
	job, err := s.GetJob(userID, jobID)
	if err != nil {
		return model.GenerationJob{}, err
	}
	if job.State.IsTerminal() {
		return job, nil
	}
	s.mu.Lock()
	r, ok := s.running[jobID]
	s.mu.Unlock()
	if !ok {
		return s.store.GetJob(jobID)
	}
	r.cancel()
	<-r.finished
	return s.store.GetJob(jobID)
}

// Close cancels every running session and waits for them to settle.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.shutdown()
	s.wg.Wait()
}

func (s *Service) prepare(req provider.Request) (provider.Adapter, provider.Request, error) {
	if err := req.Validate(); err != nil {
		return nil, req, err
	}
	adapter, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, req, err
	}
	return adapter, req, nil
}

// submit creates the provider job, falling back to the provider default when
// an explicitly chosen model does not exist. Failures are stored on the job.
func (s *Service) submit(ctx context.Context, adapter provider.Adapter, job model.GenerationJob, req provider.Request) (model.GenerationJob, provider.JobHandle, error) {
	resolved, err := provider.ResolveModel(adapter, req)
	if err != nil {
		return s.fail(job, err), provider.JobHandle{}, err
	}
	models := candidateModels(resolved.Model, adapter.Capability().DefaultModels[req.Kind])

	handle, used, err := s.retry.SubmitWithFallback(ctx, adapter, resolved, models)
	if err != nil {
		s.log.Warn("job submission failed",
			"job_id", job.ID,
			"provider", job.Provider,
			"kind", job.Kind,
			"error_kind", provider.KindOf(err),
			"error", err,
		)
		return s.fail(job, err), provider.JobHandle{}, err
	}

	job, err = s.store.UpdateJob(job.ID, func(j *model.GenerationJob) {
		j.Model = used
		j.Handle = handle.ID
		j.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		return job, provider.JobHandle{}, err
	}
	s.log.Info("job submitted", "job_id", job.ID, "provider", job.Provider, "model", used, "immediate", handle.Immediate)
	return job, handle, nil
}

func candidateModels(requested, fallback string) []string {
	if fallback == "" || requested == fallback {
		return []string{requested}
	}
	return []string{requested, fallback}
}

func (s *Service) fail(job model.GenerationJob, cause error) model.GenerationJob {
	kind := provider.KindOf(cause)
	msg := cause.Error()
	var pErr *provider.Error
	if errors.As(cause, &pErr) {
		msg = pErr.UserMessage()
	}
	state := model.JobFailed
	evt := model.EventJobFailed
	if kind == provider.KindCanceled {
		state = model.JobCanceled
		evt = model.EventJobCanceled
	}
	now := time.Now().UTC()
	updated, err := s.store.UpdateJob(job.ID, func(j *model.GenerationJob) {
		j.State = state
		j.Error = msg
		j.ErrorKind = string(kind)
		j.UpdatedAt = now
		j.EndedAt = now
	})
	if err != nil {
		return job
	}
	telemetry.JobsFinishedTotal.WithLabelValues(string(updated.Provider), string(updated.Kind), string(state)).Inc()
	s.publish(updated, evt, map[string]any{"state": state, "error": msg, "error_kind": kind})
	s.hub.CloseStream(updated.ID)
	return updated
}

// progressFn stores poll updates and publishes the ones that change
// something visible.
func (s *Service) progressFn(jobID string) func(poller.Update) {
	return func(u poller.Update) {
		if u.State.IsTerminal() {
			return
		}
		var changed bool
		job, err := s.store.UpdateJob(jobID, func(j *model.GenerationJob) {
			changed = j.State != u.State || j.Progress != u.Progress || j.Message != u.Message
			j.State = u.State
			j.Progress = u.Progress
			j.Message = u.Message
			j.UpdatedAt = time.Now().UTC()
		})
		if err != nil || !changed {
			return
		}
		s.publish(job, model.EventJobProgress, map[string]any{
			"state":    u.State,
			"progress": u.Progress,
			"message":  u.Message,
		})
	}
}

func (s *Service) finish(jobID string, res poller.Result) model.GenerationJob {
	now := time.Now().UTC()
	job, err := s.store.UpdateJob(jobID, func(j *model.GenerationJob) {
		j.State = res.State
		j.Progress = res.Progress
		j.Output = res.Output
		j.Error = res.Error
		j.ErrorKind = string(res.ErrorKind)
		j.UpdatedAt = now
		j.EndedAt = now
		if res.State == model.JobSucceeded {
			j.Message = "Completed"
		}
	})
	if err != nil {
		s.log.Error("finish job failed", "job_id", jobID, "error", err)
		return job
	}
	telemetry.JobsFinishedTotal.WithLabelValues(string(job.Provider), string(job.Kind), string(job.State)).Inc()
	s.log.Info("job finished",
		"job_id", job.ID,
		"provider", job.Provider,
		"state", job.State,
		"attempts", res.Attempts,
		"error_kind", res.ErrorKind,
	)

	defer s.hub.CloseStream(job.ID)
	switch job.State {
	case model.JobSucceeded:
		s.publish(job, model.EventJobSucceeded, map[string]any{"state": job.State, "progress": 100, "output": job.Output})
		s.saveHistory(job)
	case model.JobCanceled:
		s.publish(job, model.EventJobCanceled, map[string]any{"state": job.State, "progress": job.Progress})
	default:
		s.publish(job, model.EventJobFailed, map[string]any{
			"state":      job.State,
			"progress":   job.Progress,
			"error":      job.Error,
			"error_kind": job.ErrorKind,
		})
	}
	return job
}

func (s *Service) saveHistory(job model.GenerationJob) {
	if s.history == nil {
		return
	}
	item, err := s.history.Append(context.Background(), job.UserID, model.HistoryItem{
		JobID:       job.ID,
		ArtifactURL: job.Output,
		SourceText:  job.SourceText,
		Kind:        job.Kind,
		Provider:    job.Provider,
		Settings:    job.Settings,
	})
	if err != nil {
		s.log.Error("save history failed", "job_id", job.ID, "error", err)
		return
	}
	s.publish(job, model.EventHistorySaved, map[string]any{"history_id": item.ID})
}

func (s *Service) publish(job model.GenerationJob, eventType model.JobEventType, payload map[string]any) {
	evt, err := s.store.AppendJobEvent(job.ID, model.JobEvent{
		TraceID: job.TraceID,
		JobID:   job.ID,
		UserID:  job.UserID,
		Type:    eventType,
		TS:      time.Now().UTC(),
		Payload: payload,
	})
	if err != nil {
		s.log.Error("append event failed", "job_id", job.ID, "error", err)
		return
	}
	s.hub.Publish(job.ID, evt)
	if eventType == model.EventJobProgress || eventType == model.EventJobCreated {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, evt); err != nil {
		s.log.Warn("notify job event failed", "job_id", job.ID, "type", eventType, "error", err)
	}
}

func newJob(userID, traceID string, req provider.Request) model.GenerationJob {
	now := time.Now().UTC()
	return model.GenerationJob{
		ID:         uuid.NewString(),
		UserID:     userID,
		Provider:   req.Provider,
		Kind:       req.Kind,
		Model:      req.Model,
		State:      model.JobStarting,
		Message:    "Starting",
		SourceText: req.Text,
		Settings:   req.Settings,
		TraceID:    traceID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
