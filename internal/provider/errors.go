package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ugc/server/internal/model"
)

type ErrorKind string

const (
	KindAuth       ErrorKind = "auth"
	KindRateLimit  ErrorKind = "rate_limit"
	KindNotFound   ErrorKind = "not_found"
	KindTransient  ErrorKind = "transient"
	KindValidation ErrorKind = "validation"
	KindTimeout    ErrorKind = "timeout"
	KindCanceled   ErrorKind = "canceled"
)

// DefaultRetryAfter is used for rate limits when the provider does not say
// how long to wait.
const DefaultRetryAfter = 10 * time.Second

// Error is the normalized failure of a provider call. Message is written for
// end users; Err keeps the underlying cause for logs.
type Error struct {
	Kind       ErrorKind
	Provider   model.ProviderID
	Code       string
	Message    string
	Remedy     string
	RetryAfter time.Duration
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	name := string(e.Provider)
	if name == "" {
		name = "provider"
	}
	return fmt.Sprintf("%s: %s", name, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the job creation call may be attempted again.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindTransient
}

// UserMessage joins the message and the remedy for display.
func (e *Error) UserMessage() string {
	if e.Remedy == "" {
		return e.Error()
	}
	return e.Error() + ". " + e.Remedy
}

// KindOf returns the kind of err, or "" when err is not a provider error.
func KindOf(err error) ErrorKind {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Kind
	}
	return ""
}

func IsRetryable(err error) bool {
	var pErr *Error
	return errors.As(err, &pErr) && pErr.Retryable()
}

func validationError(p model.ProviderID, msg string) *Error {
	return &Error{
		Kind:     KindValidation,
		Provider: p,
		Code:     "INVALID_INPUT",
		Message:  msg,
	}
}

func authError(p model.ProviderID, msg string) *Error {
	return &Error{
		Kind:     KindAuth,
		Provider: p,
		Code:     "AUTH_FAILED",
		Message:  msg,
		Remedy:   fmt.Sprintf("Check the %s API key in the server configuration.", p),
	}
}

func networkError(p model.ProviderID, err error) *Error {
	return &Error{
		Kind:     KindTransient,
		Provider: p,
		Code:     "NETWORK",
		Message:  "could not reach the service",
		Remedy:   "Try again in a moment.",
		Err:      err,
	}
}

// classifyHTTP maps a non-2xx response to the error taxonomy. detail is the
// provider's own explanation, when one could be parsed from the body.
func classifyHTTP(p model.ProviderID, status int, header http.Header, detail string, bodyRetryAfter time.Duration) *Error {
	detail = strings.TrimSpace(detail)
	e := &Error{
		Provider:   p,
		StatusCode: status,
		Code:       "HTTP_" + strconv.Itoa(status),
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
		e.Message = fallbackText(detail, "the API key was rejected")
		e.Remedy = fmt.Sprintf("Check the %s API key in the server configuration.", p)
	case status == http.StatusPaymentRequired:
		e.Kind = KindAuth
		e.Message = fallbackText(detail, "the account has no remaining credit")
		e.Remedy = "Add billing to the provider account."
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.Message = fallbackText(detail, "rate limit reached")
		e.Remedy = "Wait a moment or add billing to increase the rate limit."
		e.RetryAfter = retryAfter(header, bodyRetryAfter)
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
		e.Message = fallbackText(detail, "model or endpoint not found")
		e.Remedy = "Choose a different model or provider."
	case status >= 500:
		e.Kind = KindTransient
		e.Message = fallbackText(detail, "the service is temporarily unavailable")
		e.Remedy = "Try again in a moment."
		e.RetryAfter = bodyRetryAfter
	default:
		e.Kind = KindValidation
		e.Message = fallbackText(detail, "the request was rejected")
	}
	return e
}

func retryAfter(header http.Header, fromBody time.Duration) time.Duration {
	if header != nil {
		if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
				return time.Duration(secs * float64(time.Second))
			}
			if at, err := http.ParseTime(v); err == nil {
				if d := time.Until(at); d > 0 {
					return d
				}
			}
		}
	}
	if fromBody > 0 {
		return fromBody
	}
	return DefaultRetryAfter
}

func fallbackText(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
