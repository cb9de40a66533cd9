package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"ugc/server/internal/model"
	"ugc/server/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAdapter returns the queued errors in order, then succeeds.
type scriptedAdapter struct {
	errs   []error
	calls  int
	models []string
}

func (s *scriptedAdapter) ID() model.ProviderID { return model.ProviderMock }

func (s *scriptedAdapter) Capability() Capability {
	return Capability{
		Provider:      model.ProviderMock,
		DefaultModels: map[model.JobKind]string{model.KindImage: "img-default"},
	}
}

func (s *scriptedAdapter) Submit(_ context.Context, req Request) (JobHandle, error) {
	s.calls++
	s.models = append(s.models, req.Model)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return JobHandle{}, err
	}
	return JobHandle{ID: "job-1"}, nil
}

func (s *scriptedAdapter) Status(context.Context, string) (Status, error) {
	return Status{}, errors.New("not used")
}

type sleepRecorder struct {
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func rateLimited(after time.Duration) error {
	return &Error{Kind: KindRateLimit, Provider: model.ProviderMock, Message: "rate limit reached", RetryAfter: after}
}

func imageRequest() Request {
	return Request{Text: "a lighthouse at dusk", Provider: model.ProviderMock, Kind: model.KindImage}
}

func TestRetryPolicyGivesUpAfterMaxRetries(t *testing.T) {
	a := &scriptedAdapter{errs: []error{rateLimited(0), rateLimited(0), rateLimited(0), rateLimited(0)}}
	rec := &sleepRecorder{}
	p := RetryPolicy{MaxRetries: 3, RateLimitBackoff: 10 * time.Second, Sleep: rec.sleep, Logger: telemetry.Discard()}

	_, err := p.Submit(context.Background(), a, imageRequest())
	assert.Equal(t, KindRateLimit, KindOf(err))
	assert.Equal(t, 4, a.calls)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second}, rec.waits)
}

func TestRetryPolicyHonorsRetryAfter(t *testing.T) {
	a := &scriptedAdapter{errs: []error{rateLimited(2 * time.Second)}}
	rec := &sleepRecorder{}
	p := RetryPolicy{MaxRetries: 3, Sleep: rec.sleep, Logger: telemetry.Discard()}

	h, err := p.Submit(context.Background(), a, imageRequest())
	require.NoError(t, err)
	assert.Equal(t, "job-1", h.ID)
	assert.Equal(t, 2, a.calls)
	assert.Equal(t, []time.Duration{2 * time.Second}, rec.waits)
}

func TestRetryPolicySurfacesWaitsBeyondLimit(t *testing.T) {
	a := &scriptedAdapter{errs: []error{rateLimited(time.Hour)}}
	rec := &sleepRecorder{}
	p := RetryPolicy{MaxRetries: 3, MaxWait: time.Minute, Sleep: rec.sleep, Logger: telemetry.Discard()}

	_, err := p.Submit(context.Background(), a, imageRequest())
	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, KindRateLimit, pErr.Kind)
	assert.Equal(t, time.Hour, pErr.RetryAfter)
	assert.Equal(t, 1, a.calls)
	assert.Empty(t, rec.waits)

	a = &scriptedAdapter{errs: []error{rateLimited(45 * time.Second)}}
	p.MaxWait = 0
	_, err = p.Submit(context.Background(), a, imageRequest())
	assert.Equal(t, KindRateLimit, KindOf(err))
	assert.Equal(t, 1, a.calls)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(rateLimited(0)))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", &Error{Kind: KindTransient})))
	assert.False(t, IsRetryable(&Error{Kind: KindAuth}))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestRetryPolicyBacksOffOnTransient(t *testing.T) {
	transient := &Error{Kind: KindTransient, Provider: model.ProviderMock, Message: "503"}
	a := &scriptedAdapter{errs: []error{transient, transient}}
	rec := &sleepRecorder{}
	p := RetryPolicy{MaxRetries: 3, Sleep: rec.sleep, Logger: telemetry.Discard()}

	_, err := p.Submit(context.Background(), a, imageRequest())
	require.NoError(t, err)
	require.Len(t, rec.waits, 2)
	assert.GreaterOrEqual(t, rec.waits[0], time.Second)
	assert.Less(t, rec.waits[0], 1200*time.Millisecond)
	assert.GreaterOrEqual(t, rec.waits[1], 2*time.Second)
}

func TestRetryPolicyDoesNotRetryPermanentErrors(t *testing.T) {
	for _, kind := range []ErrorKind{KindAuth, KindNotFound, KindValidation} {
		a := &scriptedAdapter{errs: []error{&Error{Kind: kind, Provider: model.ProviderMock, Message: "nope"}}}
		p := RetryPolicy{MaxRetries: 3, Sleep: (&sleepRecorder{}).sleep, Logger: telemetry.Discard()}
		_, err := p.Submit(context.Background(), a, imageRequest())
		assert.Equal(t, kind, KindOf(err))
		assert.Equal(t, 1, a.calls, kind)
	}
}

func TestRetryPolicyRejectsInvalidInputWithoutCalling(t *testing.T) {
	a := &scriptedAdapter{}
	p := DefaultRetryPolicy(telemetry.Discard())

	req := imageRequest()
	req.Text = "   "
	_, err := p.Submit(context.Background(), a, req)
	assert.Equal(t, KindValidation, KindOf(err))

	req = imageRequest()
	req.Text = strings.Repeat("a", maxTextLength+1)
	_, err = p.Submit(context.Background(), a, req)
	assert.Equal(t, KindValidation, KindOf(err))

	assert.Zero(t, a.calls)
}

func TestRetryPolicyStopsWhenCanceled(t *testing.T) {
	a := &scriptedAdapter{errs: []error{rateLimited(time.Second), rateLimited(time.Second)}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{MaxRetries: 3, Logger: telemetry.Discard()}

	_, err := p.Submit(ctx, a, imageRequest())
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.Equal(t, 1, a.calls)
}

func TestSubmitWithFallbackSkipsMissingModels(t *testing.T) {
	missing := &Error{Kind: KindNotFound, Provider: model.ProviderMock, Message: "no such model"}
	a := &scriptedAdapter{errs: []error{missing}}
	p := RetryPolicy{MaxRetries: 1, Sleep: (&sleepRecorder{}).sleep, Logger: telemetry.Discard()}

	h, used, err := p.SubmitWithFallback(context.Background(), a, imageRequest(), []string{"img-a", "img-b"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", h.ID)
	assert.Equal(t, "img-b", used)
	assert.Equal(t, []string{"img-a", "img-b"}, a.models)
}

func TestSubmitWithFallbackStopsOnAuth(t *testing.T) {
	a := &scriptedAdapter{errs: []error{authError(model.ProviderMock, "bad key")}}
	p := RetryPolicy{MaxRetries: 1, Sleep: (&sleepRecorder{}).sleep, Logger: telemetry.Discard()}

	_, _, err := p.SubmitWithFallback(context.Background(), a, imageRequest(), []string{"img-a", "img-b"})
	assert.Equal(t, KindAuth, KindOf(err))
	assert.Equal(t, 1, a.calls)
}

func TestRequestValidate(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		ok   bool
	}{
		{name: "plain image", req: imageRequest(), ok: true},
		{name: "missing provider", req: Request{Text: "x", Kind: model.KindImage}},
		{name: "unknown kind", req: Request{Text: "x", Provider: model.ProviderMock, Kind: "hologram"}},
		{name: "transcript without audio", req: Request{Provider: model.ProviderMock, Kind: model.KindTranscript}},
		{name: "transcript with audio", req: Request{Provider: model.ProviderMock, Kind: model.KindTranscript, ReferenceAudioURL: "https://example.com/a.mp3"}, ok: true},
		{name: "bad reference", req: Request{Text: "x", Provider: model.ProviderMock, Kind: model.KindVideo, ReferenceImageURL: "ftp://host/a.png"}},
		{name: "data uri reference", req: Request{Text: "x", Provider: model.ProviderMock, Kind: model.KindVideo, ReferenceImageURL: "data:image/png;base64,AAAA"}, ok: true},
		{name: "negative duration", req: Request{Text: "x", Provider: model.ProviderMock, Kind: model.KindVideo, Settings: model.Settings{Duration: -1}}},
		{name: "too long", req: Request{Text: "x", Provider: model.ProviderMock, Kind: model.KindVideo, Settings: model.Settings{Duration: 61}}},
		{name: "resolution", req: Request{Text: "x", Provider: model.ProviderMock, Kind: model.KindVideo, Settings: model.Settings{Resolution: "720p"}}, ok: true},
		{name: "bad resolution", req: Request{Text: "x", Provider: model.ProviderMock, Kind: model.KindVideo, Settings: model.Settings{Resolution: "huge"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestResolveModelUsesDefault(t *testing.T) {
	a := &scriptedAdapter{}
	req, err := ResolveModel(a, imageRequest())
	require.NoError(t, err)
	assert.Equal(t, "img-default", req.Model)

	_, err = ResolveModel(a, Request{Text: "x", Kind: model.KindVideo})
	assert.Equal(t, KindNotFound, KindOf(err))
}
