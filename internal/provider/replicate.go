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

type ReplicateOptions struct {
	Token          string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *slog.Logger
	RequestTimeout time.Duration
	DefaultModels  map[model.JobKind]string
}

// Replicate talks to the Replicate predictions API.
type Replicate struct {
	caller
	token   string
	baseURL string
	models  map[model.JobKind]string
}

type replicatePrediction struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output"`
	Error  any    `json:"error"`
	Logs   string `json:"logs"`
}

func NewReplicate(opts ReplicateOptions) *Replicate {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://api.replicate.com/v1"
	}
	models := opts.DefaultModels
	if len(models) == 0 {
		models = map[model.JobKind]string{
			model.KindVideo:      "minimax/video-01",
			model.KindImage:      "black-forest-labs/flux-schnell",
			model.KindAudio:      "minimax/speech-02-turbo",
			model.KindTranscript: "vaibhavs10/incredibly-fast-whisper",
		}
	}
	return &Replicate{
		caller:  newCaller(model.ProviderReplicate, opts.HTTPClient, opts.RequestTimeout, opts.Logger),
		token:   strings.TrimSpace(opts.Token),
		baseURL: base,
		models:  models,
	}
}

func (r *Replicate) ID() model.ProviderID { return model.ProviderReplicate }

func (r *Replicate) Capability() Capability {
	return Capability{
		Provider:      model.ProviderReplicate,
		Configured:    r.token != "",
		DefaultModels: r.models,
	}
}

func (r *Replicate) Submit(ctx context.Context, req Request) (JobHandle, error) {
	if r.token == "" {
		return JobHandle{}, authError(model.ProviderReplicate, "REPLICATE_API_TOKEN is not set")
	}
	req, err := ResolveModel(r, req)
	if err != nil {
		return JobHandle{}, err
	}

	payload := map[string]any{"input": replicateInput(req)}
	endpoint := r.baseURL + "/predictions"
	// owner/name:version pins a version; owner/name runs the latest one.
	if _, version, ok := strings.Cut(req.Model, ":"); ok {
		payload["version"] = version
	} else {
		endpoint = fmt.Sprintf("%s/models/%s/predictions", r.baseURL, req.Model)
	}

	resp, err := r.call(ctx, "submit", http.MethodPost, endpoint, r.headers(), payload)
	if err != nil {
		return JobHandle{}, r.refineNotFound(err, req.Model)
	}
	var pred replicatePrediction
	if err := decodeJSON(model.ProviderReplicate, resp.Body, &pred); err != nil {
		return JobHandle{}, err
	}
	if pred.ID == "" {
		return JobHandle{}, &Error{
			Kind:     KindTransient,
			Provider: model.ProviderReplicate,
			Code:     "BAD_RESPONSE",
			Message:  "prediction id missing from response",
		}
	}
	if normalizeReplicateStatus(pred.Status) == model.JobSucceeded {
		if out := firstOutput(pred.Output); out != "" {
			return JobHandle{ID: out, Immediate: true}, nil
		}
	}
	return JobHandle{ID: pred.ID}, nil
}

func (r *Replicate) Status(ctx context.Context, id string) (Status, error) {
	endpoint := r.baseURL + "/predictions/" + url.PathEscape(id)
	resp, err := r.call(ctx, "status", http.MethodGet, endpoint, r.headers(), nil)
	if err != nil {
		return Status{}, err
	}
	var pred replicatePrediction
	if err := decodeJSON(model.ProviderReplicate, resp.Body, &pred); err != nil {
		return Status{}, err
	}
	return normalizeReplicate(pred), nil
}

func (r *Replicate) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + r.token,
	}
}

// Replicate answers 422 for versions that do not exist; treat those as a
// missing model so callers can fall back to another one.
func (r *Replicate) refineNotFound(err error, modelID string) error {
	var pErr *Error
	if !errors.As(err, &pErr) || pErr.StatusCode != http.StatusUnprocessableEntity {
		return err
	}
	msg := strings.ToLower(pErr.Message)
	if strings.Contains(msg, "does not exist") || strings.Contains(msg, "invalid version") || strings.Contains(msg, "not found") {
		pErr.Kind = KindNotFound
		pErr.Message = fmt.Sprintf("model %s is not available", modelID)
		pErr.Remedy = "Choose a different model or provider."
	}
	return pErr
}

func replicateInput(req Request) map[string]any {
	input := map[string]any{}
	switch req.Kind {
	case model.KindAudio:
		input["text"] = req.Text
	case model.KindTranscript:
		input["audio"] = req.ReferenceAudioURL
	default:
		input["prompt"] = req.Text
	}
	if req.Kind != model.KindTranscript && req.ReferenceAudioURL != "" {
		input["audio"] = req.ReferenceAudioURL
	}
	if req.ReferenceImageURL != "" {
		input["image"] = req.ReferenceImageURL
	}
	if req.Settings.Duration > 0 {
		input["duration"] = req.Settings.Duration
	}
	if req.Settings.Resolution != "" {
		input["resolution"] = req.Settings.Resolution
	}
	if req.Settings.Style != "" {
		input["style"] = req.Settings.Style
	}
	return input
}

func normalizeReplicateStatus(s string) model.JobState {
	switch strings.ToLower(s) {
	case "starting", "queued":
		return model.JobStarting
	case "succeeded", "successful":
		return model.JobSucceeded
	case "failed":
		return model.JobFailed
	case "canceled", "cancelled", "aborted":
		return model.JobCanceled
	default:
		return model.JobProcessing
	}
}

func normalizeReplicate(pred replicatePrediction) Status {
	st := Status{
		State:    normalizeReplicateStatus(pred.Status),
		Progress: parseLogProgress(pred.Logs),
	}
	switch st.State {
	case model.JobSucceeded:
		st.Output = firstOutput(pred.Output)
		st.Progress = 100
		if st.Output == "" {
			st.State = model.JobFailed
			st.Error = "prediction finished without output"
		}
	case model.JobFailed:
		st.Error = fallbackText(stringField(pred.Error), "prediction failed")
	case model.JobCanceled:
		st.Error = "prediction was canceled"
	case model.JobStarting:
		st.Message = "Waiting for a model instance"
	}
	return st
}
