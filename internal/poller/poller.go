package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ugc/server/internal/model"
	"ugc/server/internal/provider"
	"ugc/server/internal/telemetry"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultTimeout     = 10 * time.Minute
	DefaultMaxAttempts = 200
)

// Querier is the part of a provider adapter the poller needs.
type Querier interface {
	ID() model.ProviderID
	Status(ctx context.Context, id string) (provider.Status, error)
}

// Update is delivered to the caller after every status observation, even when
// nothing changed.
type Update struct {
	State    model.JobState `json:"state"`
	Message  string         `json:"message"`
	Progress int            `json:"progress"`
}

// Result is the terminal outcome of a polled job. Output is set only for
// succeeded jobs and Error only for failed or canceled ones.
type Result struct {
	State     model.JobState
	Progress  int
	Output    string
	Error     string
	ErrorKind provider.ErrorKind
	Attempts  int
}

type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
	Clock       Clock
	Logger      *slog.Logger
}

type Poller struct {
	interval    time.Duration
	timeout     time.Duration
	maxAttempts int
	clock       Clock
	log         *slog.Logger
}

func New(opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		interval:    opts.Interval,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		clock:       opts.Clock,
		log:         opts.Logger,
	}
}

// Run drives handle to a terminal state. The first status query is issued
// immediately and later ones are spaced by the poll interval. At most one
// query is in flight at a time. Canceling ctx stops polling and yields a
// canceled result.
func (p *Poller) Run(ctx context.Context, q Querier, handle provider.JobHandle, onUpdate func(Update)) Result {
	emit := func(u Update) {
		if onUpdate != nil {
			onUpdate(u)
		}
	}
	if handle.Immediate {
		emit(Update{State: model.JobSucceeded, Message: "Completed", Progress: 100})
		return Result{State: model.JobSucceeded, Progress: 100, Output: handle.ID}
	}

	logger := p.log.With("provider", string(q.ID()), "handle", handle.ID)
	deadline := p.clock.Now().Add(p.timeout)
	progress := 0
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return canceled(progress, attempt-1)
		}
		telemetry.PollQueriesTotal.WithLabelValues(string(q.ID())).Inc()
		st, err := q.Status(ctx, handle.ID)
		if err != nil {
			if ctx.Err() != nil {
				return canceled(progress, attempt)
			}
			kind := provider.KindOf(err)
			if kind == "" {
				kind = provider.KindTransient
			}
			logger.Warn("status query failed", "attempt", attempt, "error", err)
			emit(Update{State: model.JobFailed, Message: err.Error(), Progress: progress})
			return Result{State: model.JobFailed, Progress: progress, Error: userMessage(err), ErrorKind: kind, Attempts: attempt}
		}

		res, done := p.observe(st, attempt, &progress)
		emit(Update{State: res.State, Message: statusMessage(st, res), Progress: res.Progress})
		if done {
			res.Attempts = attempt
			logger.Debug("job reached terminal state", "state", res.State, "attempts", attempt)
			return res
		}

		if attempt >= p.maxAttempts || !p.clock.Now().Before(deadline) {
			msg := fmt.Sprintf("generation timed out after %d status checks", attempt)
			logger.Warn("job polling timed out", "attempts", attempt, "timeout", p.timeout)
			emit(Update{State: model.JobFailed, Message: msg, Progress: progress})
			return Result{State: model.JobFailed, Progress: progress, Error: msg, ErrorKind: provider.KindTimeout, Attempts: attempt}
		}

		timer := p.clock.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return canceled(progress, attempt)
		case <-timer.C():
		}
	}
}

// observe folds one status into the running progress. It reports whether the
// job is terminal.
func (p *Poller) observe(st provider.Status, attempt int, progress *int) (Result, bool) {
	switch st.State {
	case model.JobSucceeded:
		if st.Output == "" {
			return Result{State: model.JobFailed, Progress: *progress, Error: "generation finished without output", ErrorKind: provider.KindTransient}, true
		}
		*progress = 100
		return Result{State: model.JobSucceeded, Progress: 100, Output: st.Output}, true
	case model.JobFailed:
		return Result{State: model.JobFailed, Progress: *progress, Error: orDefault(st.Error, "generation failed")}, true
	case model.JobCanceled:
		return Result{State: model.JobCanceled, Progress: *progress, Error: orDefault(st.Error, "generation was canceled"), ErrorKind: provider.KindCanceled}, true
	}

	next := st.Progress
	if next < 0 {
		next = p.estimate(st.State, attempt)
	}
	if next > 99 {
		next = 99
	}
	if next > *progress {
		*progress = next
	}
	state := st.State
	if state != model.JobStarting {
		state = model.JobProcessing
	}
	return Result{State: state, Progress: *progress}, false
}

// estimate fills in progress for providers that do not report it.
func (p *Poller) estimate(state model.JobState, attempt int) int {
	if state == model.JobStarting {
		return 5
	}
	return 10 + 85*attempt/p.maxAttempts
}

func statusMessage(st provider.Status, res Result) string {
	if st.Message != "" {
		return st.Message
	}
	switch res.State {
	case model.JobStarting:
		return "Starting"
	case model.JobProcessing:
		return "Processing"
	case model.JobSucceeded:
		return "Completed"
	default:
		return res.Error
	}
}

func canceled(progress, attempts int) Result {
	return Result{
		State:     model.JobCanceled,
		Progress:  progress,
		Error:     "canceled by user",
		ErrorKind: provider.KindCanceled,
		Attempts:  attempts,
	}
}

func userMessage(err error) string {
	var pErr *provider.Error
	if errors.As(err, &pErr) {
		return pErr.UserMessage()
	}
	return err.Error()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Session is a poll loop running in its own goroutine, owned by the caller.
type Session struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result Result
}

// Start runs the poll loop in the background. Cancel stops it; Wait blocks
// until it has fully exited.
func (p *Poller) Start(ctx context.Context, q Querier, handle provider.JobHandle, onUpdate func(Update)) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer cancel()
		res := p.Run(ctx, q, handle, onUpdate)
		s.mu.Lock()
		s.result = res
		s.mu.Unlock()
	}()
	return s
}

func (s *Session) Cancel() { s.cancel() }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Wait() Result {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}
