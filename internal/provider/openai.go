package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ugc/server/internal/model"
	"ugc/server/internal/telemetry"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIOptions struct {
	Key            string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *slog.Logger
	RequestTimeout time.Duration
	Voice          string
}

// OpenAI covers speech, image and transcription through the official API.
// Every call returns the artifact directly.
type OpenAI struct {
	caller
	key    string
	client *openai.Client
	voice  openai.SpeechVoice
}

func NewOpenAI(opts OpenAIOptions) *OpenAI {
	c := newCaller(model.ProviderOpenAI, opts.HTTPClient, opts.RequestTimeout, opts.Logger)
	cfg := openai.DefaultConfig(strings.TrimSpace(opts.Key))
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	cfg.HTTPClient = c.client
	voice := openai.SpeechVoice(strings.TrimSpace(opts.Voice))
	if voice == "" {
		voice = openai.VoiceAlloy
	}
	return &OpenAI{
		caller: c,
		key:    strings.TrimSpace(opts.Key),
		client: openai.NewClientWithConfig(cfg),
		voice:  voice,
	}
}

func (o *OpenAI) ID() model.ProviderID { return model.ProviderOpenAI }

func (o *OpenAI) Capability() Capability {
	return Capability{
		Provider:    model.ProviderOpenAI,
		Synchronous: true,
		Configured:  o.key != "",
		DefaultModels: map[model.JobKind]string{
			model.KindAudio:      string(openai.TTSModel1),
			model.KindImage:      openai.CreateImageModelDallE3,
			model.KindTranscript: openai.Whisper1,
		},
	}
}

func (o *OpenAI) Submit(ctx context.Context, req Request) (JobHandle, error) {
	if o.key == "" {
		return JobHandle{}, authError(model.ProviderOpenAI, "OPENAI_API_KEY is not set")
	}
	req, err := ResolveModel(o, req)
	if err != nil {
		return JobHandle{}, err
	}
	start := time.Now()
	var out string
	switch req.Kind {
	case model.KindAudio:
		out, err = o.speech(ctx, req)
	case model.KindImage:
		out, err = o.image(ctx, req)
	case model.KindTranscript:
		out, err = o.transcribe(ctx, req)
	}
	telemetry.ProviderRequestDuration.WithLabelValues(string(model.ProviderOpenAI), "submit").Observe(time.Since(start).Seconds())
	if err != nil {
		pErr := o.mapError(ctx, err)
		telemetry.ProviderRequestsTotal.WithLabelValues(string(model.ProviderOpenAI), "submit", string(pErr.Kind)).Inc()
		o.log.Warn("provider request rejected", "op", "submit", "kind", pErr.Kind, "error", err)
		return JobHandle{}, pErr
	}
	telemetry.ProviderRequestsTotal.WithLabelValues(string(model.ProviderOpenAI), "submit", "ok").Inc()
	return JobHandle{ID: out, Immediate: true}, nil
}

func (o *OpenAI) Status(context.Context, string) (Status, error) {
	return Status{}, unsupportedStatus(model.ProviderOpenAI)
}

func (o *OpenAI) speech(ctx context.Context, req Request) (string, error) {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(req.Model),
		Input:          req.Text,
		Voice:          o.voice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return "", err
	}
	defer resp.Close()
	audio, err := io.ReadAll(io.LimitReader(resp, maxResponseBytes))
	if err != nil {
		return "", networkError(model.ProviderOpenAI, err)
	}
	if len(audio) == 0 {
		return "", &Error{Kind: KindTransient, Provider: model.ProviderOpenAI, Code: "BAD_RESPONSE", Message: "empty audio response"}
	}
	return dataURI("audio/mpeg", audio), nil
}

func (o *OpenAI) image(ctx context.Context, req Request) (string, error) {
	prompt := req.Text
	if req.Settings.Style != "" {
		prompt += ", " + req.Settings.Style + " style"
	}
	size := openai.CreateImageSize1024x1024
	if _, _, ok := parseDimensions(req.Settings.Resolution); ok {
		size = strings.ToLower(req.Settings.Resolution)
	}
	resp, err := o.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          req.Model,
		N:              1,
		Size:           size,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return "", err
	}
	for _, d := range resp.Data {
		if d.URL != "" {
			return d.URL, nil
		}
		if d.B64JSON != "" {
			return "data:image/png;base64," + d.B64JSON, nil
		}
	}
	return "", &Error{Kind: KindTransient, Provider: model.ProviderOpenAI, Code: "BAD_RESPONSE", Message: "response contained no image"}
}

func (o *OpenAI) transcribe(ctx context.Context, req Request) (string, error) {
	audio, err := o.fetchReference(ctx, req.ReferenceAudioURL)
	if err != nil {
		return "", err
	}
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    req.Model,
		FilePath: "reference.mp3",
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", &Error{Kind: KindTransient, Provider: model.ProviderOpenAI, Code: "BAD_RESPONSE", Message: "transcription was empty"}
	}
	return textDataURI(resp.Text), nil
}

// fetchReference resolves a data URI locally or downloads an http(s) URL.
func (o *OpenAI) fetchReference(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "data:") {
		_, payload, _ := strings.Cut(ref, ",")
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, validationError(model.ProviderOpenAI, "reference audio is not valid base64")
		}
		return raw, nil
	}
	resp, err := o.call(ctx, "fetch_reference", http.MethodGet, ref, nil, nil)
	if err != nil {
		var pErr *Error
		if errors.As(err, &pErr) && pErr.Kind == KindNotFound {
			return nil, validationError(model.ProviderOpenAI, "reference audio could not be downloaded")
		}
		return nil, err
	}
	return resp.Body, nil
}

func (o *OpenAI) mapError(ctx context.Context, err error) *Error {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr
	}
	if ctx.Err() != nil || isContextError(err) {
		return canceledError(model.ProviderOpenAI, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := classifyHTTP(model.ProviderOpenAI, apiErr.HTTPStatusCode, nil, apiErr.Message, 0)
		e.Err = err
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests && strings.Contains(apiErr.Message, "quota") {
			e.Kind = KindAuth
			e.Remedy = "Add billing to the provider account."
		}
		return e
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		e := classifyHTTP(model.ProviderOpenAI, reqErr.HTTPStatusCode, nil, "", 0)
		e.Err = err
		return e
	}
	return networkError(model.ProviderOpenAI, err)
}
