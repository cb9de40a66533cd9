package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ugc/server/internal/model"
	"ugc/server/internal/telemetry"
)

const maxResponseBytes = 64 << 20

var logProgressPattern = regexp.MustCompile(`(\d{1,3})%`)

type response struct {
	StatusCode  int
	Header      http.Header
	ContentType string
	Body        []byte
}

// caller performs one HTTP request against a provider and maps failures to
// *Error. It is embedded by every HTTP based adapter.
type caller struct {
	provider model.ProviderID
	client   *http.Client
	log      *slog.Logger
}

func newCaller(p model.ProviderID, client *http.Client, timeout time.Duration, logger *slog.Logger) caller {
	if client == nil {
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return caller{provider: p, client: client, log: logger.With("provider", string(p))}
}

func (c caller) call(ctx context.Context, op, method, endpoint string, headers map[string]string, payload any) (response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return response{}, fmt.Errorf("%s: encode request: %w", c.provider, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return response{}, validationError(c.provider, "could not build request: "+err.Error())
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	telemetry.ProviderRequestDuration.WithLabelValues(string(c.provider), op).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.ProviderRequestsTotal.WithLabelValues(string(c.provider), op, "network_error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return response{}, canceledError(c.provider, ctxErr)
		}
		c.log.Warn("provider request failed", "op", op, "error", err)
		return response{}, networkError(c.provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		telemetry.ProviderRequestsTotal.WithLabelValues(string(c.provider), op, "read_error").Inc()
		return response{}, networkError(c.provider, fmt.Errorf("read response: %w", err))
	}
	out := response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        raw,
	}
	if resp.StatusCode >= 300 {
		detail, bodyRetry := parseErrorBody(raw)
		pErr := classifyHTTP(c.provider, resp.StatusCode, resp.Header, detail, bodyRetry)
		telemetry.ProviderRequestsTotal.WithLabelValues(string(c.provider), op, string(pErr.Kind)).Inc()
		c.log.Warn("provider request rejected",
			"op", op,
			"status", resp.StatusCode,
			"kind", pErr.Kind,
			"detail", detail,
		)
		return out, pErr
	}
	telemetry.ProviderRequestsTotal.WithLabelValues(string(c.provider), op, "ok").Inc()
	return out, nil
}

func canceledError(p model.ProviderID, err error) *Error {
	return &Error{
		Kind:     KindCanceled,
		Provider: p,
		Code:     "CANCELED",
		Message:  "request canceled",
		Err:      err,
	}
}

// parseErrorBody pulls a human readable explanation and an optional retry
// hint out of the JSON error shapes used by the supported providers.
func parseErrorBody(raw []byte) (string, time.Duration) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		text := strings.TrimSpace(string(raw))
		if len(text) > 200 {
			text = text[:200]
		}
		return text, 0
	}
	var detail string
	for _, key := range []string{"detail", "error", "message", "title"} {
		if s := stringField(body[key]); s != "" {
			detail = s
			break
		}
	}
	var retry time.Duration
	for _, key := range []string{"retry_after", "estimated_time"} {
		if secs, ok := numberField(body[key]); ok && secs > 0 {
			retry = time.Duration(secs * float64(time.Second))
			break
		}
	}
	return detail, retry
}

func stringField(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		for _, key := range []string{"message", "detail", "status"} {
			if s, ok := t[key].(string); ok && s != "" {
				return s
			}
		}
	case []any:
		if len(t) > 0 {
			return stringField(t[0])
		}
	}
	return ""
}

func numberField(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func dataURI(contentType string, data []byte) string {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func textDataURI(text string) string {
	return "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte(text))
}

// parseLogProgress returns the last percentage printed in provider logs,
// or -1 when there is none.
func parseLogProgress(logs string) int {
	matches := logProgressPattern.FindAllStringSubmatch(logs, -1)
	if len(matches) == 0 {
		return -1
	}
	n, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		return -1
	}
	if n > 100 {
		n = 100
	}
	return n
}

// firstOutput extracts an artifact reference from the loosely typed output
// fields providers return: a URL string, a list of URLs, or an object.
func firstOutput(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		for _, item := range t {
			if s := firstOutput(item); s != "" {
				return s
			}
		}
	case map[string]any:
		for _, key := range []string{"url", "video", "image", "audio", "audio_file", "audio_out", "output"} {
			if s := firstOutput(t[key]); s != "" {
				return s
			}
		}
		if imgs, ok := t["images"]; ok {
			return firstOutput(imgs)
		}
		for _, key := range []string{"transcription", "text"} {
			if s, ok := t[key].(string); ok && strings.TrimSpace(s) != "" {
				return textDataURI(s)
			}
		}
	}
	return ""
}

func decodeJSON(p model.ProviderID, raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{
			Kind:     KindTransient,
			Provider: p,
			Code:     "BAD_RESPONSE",
			Message:  "unexpected response from the service",
			Err:      err,
		}
	}
	return nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
