package provider

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"ugc/server/internal/model"
)

const (
	maxTextLength  = 5000
	maxDurationSec = 60
)

var resolutionPattern = regexp.MustCompile(`^(\d{3,4}p|4k|\d{2,4}[x*]\d{2,4}|\d{1,2}:\d{1,2})$`)

// Request is one generation request as submitted by a user.
type Request struct {
	Text              string           `json:"text"`
	Provider          model.ProviderID `json:"provider"`
	Kind              model.JobKind    `json:"kind"`
	Model             string           `json:"model,omitempty"`
	ReferenceAudioURL string           `json:"reference_audio_url,omitempty"`
	ReferenceImageURL string           `json:"reference_image_url,omitempty"`
	Settings          model.Settings   `json:"settings"`
}

// Validate rejects input that must never reach the network.
func (r Request) Validate() error {
	p := r.Provider
	if p == "" {
		return validationError(p, "provider is required")
	}
	if !r.Kind.Valid() {
		return validationError(p, fmt.Sprintf("unsupported kind %q", r.Kind))
	}
	text := strings.TrimSpace(r.Text)
	if r.Kind == model.KindTranscript {
		if strings.TrimSpace(r.ReferenceAudioURL) == "" {
			return validationError(p, "reference audio is required for transcripts")
		}
	} else if text == "" {
		return validationError(p, "text is required")
	}
	if utf8.RuneCountInString(text) > maxTextLength {
		return validationError(p, fmt.Sprintf("text exceeds %d characters", maxTextLength))
	}
	if err := validateReference(p, "reference audio", r.ReferenceAudioURL); err != nil {
		return err
	}
	if err := validateReference(p, "reference image", r.ReferenceImageURL); err != nil {
		return err
	}
	if r.Settings.Duration < 0 || r.Settings.Duration > maxDurationSec {
		return validationError(p, fmt.Sprintf("duration must be between 0 and %d seconds", maxDurationSec))
	}
	if res := strings.TrimSpace(r.Settings.Resolution); res != "" && !resolutionPattern.MatchString(strings.ToLower(res)) {
		return validationError(p, fmt.Sprintf("malformed resolution %q", res))
	}
	return nil
}

func validateReference(p model.ProviderID, name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "data:") {
		if !strings.Contains(raw, ",") {
			return validationError(p, name+" is not a valid data URI")
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return validationError(p, name+" must be an http(s) URL or data URI")
	}
	return nil
}

// JobHandle identifies an accepted job. When Immediate is true, ID is the
// finished artifact itself and there is nothing to poll.
type JobHandle struct {
	ID        string `json:"id"`
	Immediate bool   `json:"immediate"`
}

// Status is one normalized observation of a provider job. Progress is -1 when
// the provider does not report it.
type Status struct {
	State    model.JobState
	Progress int
	Output   string
	Error    string
	Message  string
}

// Capability describes what a provider can generate and with which default
// model per kind.
type Capability struct {
	Provider      model.ProviderID         `json:"provider"`
	Synchronous   bool                     `json:"synchronous"`
	Configured    bool                     `json:"configured"`
	DefaultModels map[model.JobKind]string `json:"default_models"`
}

func (c Capability) Supports(kind model.JobKind) bool {
	_, ok := c.DefaultModels[kind]
	return ok
}

// Adapter submits jobs to one provider and queries their status. Every call
// is a single outbound request.
type Adapter interface {
	ID() model.ProviderID
	Capability() Capability
	Submit(ctx context.Context, req Request) (JobHandle, error)
	Status(ctx context.Context, id string) (Status, error)
}

// ResolveModel fills req.Model from the adapter defaults and rejects kinds
// the provider cannot produce.
func ResolveModel(a Adapter, req Request) (Request, error) {
	capability := a.Capability()
	def, ok := capability.DefaultModels[req.Kind]
	if !ok {
		return req, &Error{
			Kind:     KindNotFound,
			Provider: a.ID(),
			Code:     "KIND_UNSUPPORTED",
			Message:  fmt.Sprintf("%s generation is not supported", req.Kind),
			Remedy:   "Choose a different provider.",
		}
	}
	if strings.TrimSpace(req.Model) == "" {
		req.Model = def
	}
	return req, nil
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[model.ProviderID]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[model.ProviderID]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

func (r *Registry) Get(id model.ProviderID) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, validationError(id, fmt.Sprintf("unknown provider %q", id))
	}
	return a, nil
}

func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Capability())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func unsupportedStatus(p model.ProviderID) error {
	return &Error{
		Kind:     KindValidation,
		Provider: p,
		Code:     "STATUS_UNSUPPORTED",
		Message:  "synchronous provider has no job status",
	}
}
