package provider

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ugc/server/internal/model"
)

type HuggingFaceOptions struct {
	Token          string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *slog.Logger
	RequestTimeout time.Duration
	DefaultModels  map[model.JobKind]string
}

// HuggingFace calls the serverless inference API. Generation is synchronous:
// the response body is the artifact.
type HuggingFace struct {
	caller
	token   string
	baseURL string
	models  map[model.JobKind]string
}

func NewHuggingFace(opts HuggingFaceOptions) *HuggingFace {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://api-inference.huggingface.co"
	}
	models := opts.DefaultModels
	if len(models) == 0 {
		models = map[model.JobKind]string{
			model.KindImage: "stabilityai/stable-diffusion-xl-base-1.0",
			model.KindAudio: "facebook/mms-tts-eng",
			model.KindVideo: "ali-vilab/text-to-video-ms-1.7b",
		}
	}
	return &HuggingFace{
		caller:  newCaller(model.ProviderHuggingFace, opts.HTTPClient, opts.RequestTimeout, opts.Logger),
		token:   strings.TrimSpace(opts.Token),
		baseURL: base,
		models:  models,
	}
}

func (h *HuggingFace) ID() model.ProviderID { return model.ProviderHuggingFace }

func (h *HuggingFace) Capability() Capability {
	return Capability{
		Provider:      model.ProviderHuggingFace,
		Synchronous:   true,
		Configured:    h.token != "",
		DefaultModels: h.models,
	}
}

func (h *HuggingFace) Submit(ctx context.Context, req Request) (JobHandle, error) {
	if h.token == "" {
		return JobHandle{}, authError(model.ProviderHuggingFace, "HF_TOKEN is not set")
	}
	req, err := ResolveModel(h, req)
	if err != nil {
		return JobHandle{}, err
	}
	payload := map[string]any{
		"inputs":  huggingFaceInputs(req),
		"options": map[string]any{"wait_for_model": true},
	}
	if params := huggingFaceParameters(req); len(params) > 0 {
		payload["parameters"] = params
	}
	headers := map[string]string{
		"Authorization": "Bearer " + h.token,
	}
	resp, err := h.call(ctx, "submit", http.MethodPost, h.baseURL+"/models/"+req.Model, headers, payload)
	if err != nil {
		return JobHandle{}, err
	}

	if strings.HasPrefix(resp.ContentType, "application/json") {
		var body any
		if err := decodeJSON(model.ProviderHuggingFace, resp.Body, &body); err != nil {
			return JobHandle{}, err
		}
		if out := firstOutput(body); out != "" {
			return JobHandle{ID: out, Immediate: true}, nil
		}
		return JobHandle{}, &Error{
			Kind:     KindTransient,
			Provider: model.ProviderHuggingFace,
			Code:     "BAD_RESPONSE",
			Message:  "response contained no artifact",
		}
	}
	if len(resp.Body) == 0 {
		return JobHandle{}, &Error{
			Kind:     KindTransient,
			Provider: model.ProviderHuggingFace,
			Code:     "BAD_RESPONSE",
			Message:  "empty response from the service",
		}
	}
	return JobHandle{ID: dataURI(resp.ContentType, resp.Body), Immediate: true}, nil
}

func (h *HuggingFace) Status(context.Context, string) (Status, error) {
	return Status{}, unsupportedStatus(model.ProviderHuggingFace)
}

func huggingFaceParameters(req Request) map[string]any {
	params := map[string]any{}
	if w, h, ok := parseDimensions(req.Settings.Resolution); ok {
		params["width"] = w
		params["height"] = h
	}
	if req.Settings.Duration > 0 && req.Kind == model.KindVideo {
		params["num_frames"] = req.Settings.Duration * 8
	}
	return params
}

func huggingFaceInputs(req Request) string {
	if req.Settings.Style == "" || req.Kind == model.KindAudio {
		return req.Text
	}
	return req.Text + ", " + req.Settings.Style + " style"
}

// parseDimensions understands "1024x768" style resolutions.
func parseDimensions(res string) (int, int, bool) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(res)), "x")
	if !ok {
		return 0, 0, false
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, false
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, false
	}
	return width, height, width > 0 && height > 0
}
