package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"

	"github.com/anonimadata/anonima-cli/internal/http"
	"github.com/anonimadata/anonima-cli/internal/models"
)

// maxErrorBody caps how much of an error response body ends up in a message.
const maxErrorBody = 512

// StatusError is an unexpected HTTP status from the service.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// StatusCode extracts the HTTP status from err, or 0 if it carries none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// statusError reads the body of a failed response and classifies it.
// 401/403 are authentication failures, everything else is a transport failure.
func statusError(op string, resp *nethttp.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{
		Method:     resp.Request.Method,
		Path:       resp.Request.URL.Path,
		StatusCode: resp.StatusCode,
		Body:       serviceMessage(body),
	}

	switch http.ClassifyStatus(resp.StatusCode) {
	case http.ErrorTypeCredential:
		return models.NewError(models.ErrAuth, op, "the service rejected the access token", se)
	case http.ErrorTypeRetryable:
		return models.NewError(models.ErrTransport, op, "the service is unavailable", se)
	default:
		return models.NewError(models.ErrTransport, op, fmt.Sprintf("request failed with status %d", resp.StatusCode), se)
	}
}

// transportError wraps a failure that produced no response at all.
func transportError(op string, err error) error {
	return models.NewError(models.ErrTransport, op, "cannot reach the service", err)
}

// serviceMessage prefers the service's {"message"|"error"|"detail"} field over raw body text.
func serviceMessage(body []byte) string {
	var doc map[string]any
	if json.Unmarshal(body, &doc) == nil {
		for _, key := range []string{"message", "error", "detail"} {
			if s, ok := doc[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(string(body))
}
