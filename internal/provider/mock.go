package provider

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"ugc/server/internal/model"

	"github.com/google/uuid"
)

// Magic words in the request text that make the mock misbehave.
const (
	MockTriggerError     = "simulate_error"
	MockTriggerRateLimit = "simulate_rate_limit"
	MockTriggerAuth      = "simulate_auth_error"
	MockTriggerMissing   = "simulate_missing_model"
)

type MockOptions struct {
	// Steps is the number of status queries before a job succeeds.
	Steps int
	// Latency is added to every call.
	Latency time.Duration
	// FailureRate is the chance that a status query reports a failed job.
	FailureRate float64
	// Synchronous makes Submit return immediate handles.
	Synchronous bool
}

type mockJob struct {
	kind   model.JobKind
	steps  int
	seen   int
	fail   bool
	output string
}

// MockAdapter is an in-process provider used for local development and tests.
type MockAdapter struct {
	opts MockOptions

	mu   sync.Mutex
	rng  *rand.Rand
	jobs map[string]*mockJob
}

func NewMockAdapter(opts MockOptions) *MockAdapter {
	if opts.Steps <= 0 {
		opts.Steps = 3
	}
	return &MockAdapter{
		opts: opts,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		jobs: map[string]*mockJob{},
	}
}

func (m *MockAdapter) ID() model.ProviderID { return model.ProviderMock }

func (m *MockAdapter) Capability() Capability {
	return Capability{
		Provider:    model.ProviderMock,
		Synchronous: m.opts.Synchronous,
		Configured:  true,
		DefaultModels: map[model.JobKind]string{
			model.KindVideo:      "mock-video",
			model.KindImage:      "mock-image",
			model.KindAudio:      "mock-audio",
			model.KindTranscript: "mock-transcript",
		},
	}
}

func (m *MockAdapter) Submit(ctx context.Context, req Request) (JobHandle, error) {
	if err := waitCancelable(ctx, m.opts.Latency); err != nil {
		return JobHandle{}, canceledError(model.ProviderMock, err)
	}
	req, err := ResolveModel(m, req)
	if err != nil {
		return JobHandle{}, err
	}
	switch {
	case strings.Contains(req.Text, MockTriggerRateLimit):
		return JobHandle{}, &Error{
			Kind:       KindRateLimit,
			Provider:   model.ProviderMock,
			Code:       "HTTP_429",
			Message:    "rate limit reached",
			Remedy:     "Wait a moment or add billing to increase the rate limit.",
			RetryAfter: time.Millisecond,
			StatusCode: 429,
		}
	case strings.Contains(req.Text, MockTriggerAuth):
		return JobHandle{}, authError(model.ProviderMock, "the API key was rejected")
	case strings.Contains(req.Text, MockTriggerMissing):
		return JobHandle{}, &Error{
			Kind:       KindNotFound,
			Provider:   model.ProviderMock,
			Code:       "HTTP_404",
			Message:    fmt.Sprintf("model %s is not available", req.Model),
			StatusCode: 404,
		}
	}

	id := uuid.NewString()
	output := mockArtifact(req.Kind, id)
	if m.opts.Synchronous && !strings.Contains(req.Text, MockTriggerError) {
		return JobHandle{ID: output, Immediate: true}, nil
	}

	m.mu.Lock()
	m.jobs[id] = &mockJob{
		kind:   req.Kind,
		steps:  m.opts.Steps,
		fail:   strings.Contains(req.Text, MockTriggerError),
		output: output,
	}
	m.mu.Unlock()
	return JobHandle{ID: id}, nil
}

func (m *MockAdapter) Status(ctx context.Context, id string) (Status, error) {
	if err := waitCancelable(ctx, m.opts.Latency); err != nil {
		return Status{}, canceledError(model.ProviderMock, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Status{}, &Error{
			Kind:       KindNotFound,
			Provider:   model.ProviderMock,
			Code:       "HTTP_404",
			Message:    "job not found",
			StatusCode: 404,
		}
	}
	job.seen++
	if job.seen == 1 {
		return Status{State: model.JobStarting, Progress: -1, Message: "Queued"}, nil
	}
	if job.fail || (m.opts.FailureRate > 0 && m.rng.Float64() < m.opts.FailureRate) {
		return Status{State: model.JobFailed, Progress: -1, Error: "mock generation failed"}, nil
	}
	if job.seen > job.steps {
		return Status{State: model.JobSucceeded, Progress: 100, Output: job.output}, nil
	}
	return Status{
		State:    model.JobProcessing,
		Progress: 100 * (job.seen - 1) / job.steps,
		Message:  fmt.Sprintf("Rendering %s", job.kind),
	}, nil
}

func mockArtifact(kind model.JobKind, id string) string {
	ext := map[model.JobKind]string{
		model.KindVideo:      "mp4",
		model.KindImage:      "png",
		model.KindAudio:      "mp3",
		model.KindTranscript: "txt",
	}[kind]
	return fmt.Sprintf("https://mock.ugc.local/%s/%s.%s", kind, id, ext)
}

func waitCancelable(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
