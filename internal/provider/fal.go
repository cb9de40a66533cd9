package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ugc/server/internal/model"
)

type FalOptions struct {
	Key            string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *slog.Logger
	RequestTimeout time.Duration
	DefaultModels  map[model.JobKind]string
}

// Fal uses the fal.ai queue API. Handles have the form "<app>|<request id>".
type Fal struct {
	caller
	key     string
	baseURL string
	models  map[model.JobKind]string
}

type falSubmitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

type falStatusResponse struct {
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position"`
	Logs          []struct {
		Message string `json:"message"`
	} `json:"logs"`
	Error string `json:"error"`
}

func NewFal(opts FalOptions) *Fal {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://queue.fal.run"
	}
	models := opts.DefaultModels
	if len(models) == 0 {
		models = map[model.JobKind]string{
			model.KindVideo:      "fal-ai/kling-video/v1/standard/text-to-video",
			model.KindImage:      "fal-ai/flux/schnell",
			model.KindAudio:      "fal-ai/kokoro/american-english",
			model.KindTranscript: "fal-ai/whisper",
		}
	}
	return &Fal{
		caller:  newCaller(model.ProviderFal, opts.HTTPClient, opts.RequestTimeout, opts.Logger),
		key:     strings.TrimSpace(opts.Key),
		baseURL: base,
		models:  models,
	}
}

func (f *Fal) ID() model.ProviderID { return model.ProviderFal }

func (f *Fal) Capability() Capability {
	return Capability{
		Provider:      model.ProviderFal,
		Configured:    f.key != "",
		DefaultModels: f.models,
	}
}

func (f *Fal) Submit(ctx context.Context, req Request) (JobHandle, error) {
	if f.key == "" {
		return JobHandle{}, authError(model.ProviderFal, "FAL_KEY is not set")
	}
	req, err := ResolveModel(f, req)
	if err != nil {
		return JobHandle{}, err
	}
	resp, err := f.call(ctx, "submit", http.MethodPost, f.baseURL+"/"+req.Model, f.headers(), falInput(req))
	if err != nil {
		return JobHandle{}, err
	}
	var out falSubmitResponse
	if err := decodeJSON(model.ProviderFal, resp.Body, &out); err != nil {
		return JobHandle{}, err
	}
	if out.RequestID == "" {
		return JobHandle{}, &Error{
			Kind:     KindTransient,
			Provider: model.ProviderFal,
			Code:     "BAD_RESPONSE",
			Message:  "request id missing from response",
		}
	}
	return JobHandle{ID: falAppID(req.Model) + "|" + out.RequestID}, nil
}

func (f *Fal) Status(ctx context.Context, id string) (Status, error) {
	app, requestID, ok := strings.Cut(id, "|")
	if !ok || app == "" || requestID == "" {
		return Status{}, validationError(model.ProviderFal, "malformed job handle")
	}
	base := fmt.Sprintf("%s/%s/requests/%s", f.baseURL, app, url.PathEscape(requestID))
	resp, err := f.call(ctx, "status", http.MethodGet, base+"/status?logs=1", f.headers(), nil)
	if err != nil {
		return Status{}, err
	}
	var st falStatusResponse
	if err := decodeJSON(model.ProviderFal, resp.Body, &st); err != nil {
		return Status{}, err
	}
	status := normalizeFal(st)
	if status.State != model.JobSucceeded {
		return status, nil
	}

	// The result lives behind a second endpoint once the queue says done.
	result, err := f.call(ctx, "result", http.MethodGet, base, f.headers(), nil)
	if err != nil {
		var pErr *Error
		if errors.As(err, &pErr) && pErr.Kind == KindValidation {
			return Status{State: model.JobFailed, Progress: -1, Error: pErr.Message}, nil
		}
		return Status{}, err
	}
	var body map[string]any
	if err := decodeJSON(model.ProviderFal, result.Body, &body); err != nil {
		return Status{}, err
	}
	status.Output = firstOutput(body)
	if status.Output == "" {
		return Status{State: model.JobFailed, Progress: -1, Error: "request finished without output"}, nil
	}
	status.Progress = 100
	return status, nil
}

func (f *Fal) headers() map[string]string {
	return map[string]string{
		"Authorization": "Key " + f.key,
	}
}

func falInput(req Request) map[string]any {
	input := map[string]any{}
	switch req.Kind {
	case model.KindAudio:
		input["text"] = req.Text
	case model.KindTranscript:
		input["audio_url"] = req.ReferenceAudioURL
	default:
		input["prompt"] = req.Text
	}
	if req.Kind != model.KindTranscript && req.ReferenceAudioURL != "" {
		input["audio_url"] = req.ReferenceAudioURL
	}
	if req.ReferenceImageURL != "" {
		input["image_url"] = req.ReferenceImageURL
	}
	if req.Settings.Duration > 0 {
		input["duration"] = fmt.Sprintf("%d", req.Settings.Duration)
	}
	if req.Settings.Resolution != "" {
		input["resolution"] = req.Settings.Resolution
	}
	if req.Settings.Style != "" {
		input["style"] = req.Settings.Style
	}
	return input
}

// falAppID keeps the owner/app part of a model path; the queue status and
// result endpoints are rooted there.
func falAppID(modelPath string) string {
	parts := strings.Split(strings.Trim(modelPath, "/"), "/")
	if len(parts) <= 2 {
		return strings.Join(parts, "/")
	}
	return parts[0] + "/" + parts[1]
}

func normalizeFalStatus(s string) model.JobState {
	switch strings.ToUpper(s) {
	case "IN_QUEUE":
		return model.JobStarting
	case "COMPLETED":
		return model.JobSucceeded
	case "FAILED", "ERROR":
		return model.JobFailed
	case "CANCELLED", "CANCELED":
		return model.JobCanceled
	default:
		return model.JobProcessing
	}
}

func normalizeFal(st falStatusResponse) Status {
	out := Status{State: normalizeFalStatus(st.Status), Progress: -1}
	var logs strings.Builder
	for _, l := range st.Logs {
		logs.WriteString(l.Message)
		logs.WriteByte('\n')
	}
	out.Progress = parseLogProgress(logs.String())
	switch out.State {
	case model.JobStarting:
		if st.QueuePosition != nil {
			out.Message = fmt.Sprintf("Queued (position %d)", *st.QueuePosition)
		}
	case model.JobFailed:
		out.Error = fallbackText(st.Error, "request failed")
	case model.JobCanceled:
		out.Error = "request was canceled"
	}
	return out
}
