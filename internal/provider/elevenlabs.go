package provider

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ugc/server/internal/model"
)

const defaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM"

type ElevenLabsOptions struct {
	Key            string
	BaseURL        string
	Voice          string
	HTTPClient     *http.Client
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

// ElevenLabs generates speech synchronously.
type ElevenLabs struct {
	caller
	key     string
	baseURL string
	voice   string
}

func NewElevenLabs(opts ElevenLabsOptions) *ElevenLabs {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://api.elevenlabs.io/v1"
	}
	voice := strings.TrimSpace(opts.Voice)
	if voice == "" {
		voice = defaultElevenLabsVoice
	}
	return &ElevenLabs{
		caller:  newCaller(model.ProviderElevenLabs, opts.HTTPClient, opts.RequestTimeout, opts.Logger),
		key:     strings.TrimSpace(opts.Key),
		baseURL: base,
		voice:   voice,
	}
}

func (e *ElevenLabs) ID() model.ProviderID { return model.ProviderElevenLabs }

func (e *ElevenLabs) Capability() Capability {
	return Capability{
		Provider:    model.ProviderElevenLabs,
		Synchronous: true,
		Configured:  e.key != "",
		DefaultModels: map[model.JobKind]string{
			model.KindAudio: "eleven_multilingual_v2",
		},
	}
}

func (e *ElevenLabs) Submit(ctx context.Context, req Request) (JobHandle, error) {
	if e.key == "" {
		return JobHandle{}, authError(model.ProviderElevenLabs, "ELEVENLABS_API_KEY is not set")
	}
	req, err := ResolveModel(e, req)
	if err != nil {
		return JobHandle{}, err
	}
	payload := map[string]any{
		"text":     req.Text,
		"model_id": req.Model,
	}
	headers := map[string]string{
		"xi-api-key": e.key,
		"Accept":     "audio/mpeg",
	}
	endpoint := e.baseURL + "/text-to-speech/" + url.PathEscape(e.voice)
	resp, err := e.call(ctx, "submit", http.MethodPost, endpoint, headers, payload)
	if err != nil {
		return JobHandle{}, err
	}
	if len(resp.Body) == 0 {
		return JobHandle{}, &Error{
			Kind:     KindTransient,
			Provider: model.ProviderElevenLabs,
			Code:     "BAD_RESPONSE",
			Message:  "empty audio response",
		}
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return JobHandle{ID: dataURI(contentType, resp.Body), Immediate: true}, nil
}

func (e *ElevenLabs) Status(context.Context, string) (Status, error) {
	return Status{}, unsupportedStatus(model.ProviderElevenLabs)
}
