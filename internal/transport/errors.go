package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ErrorEnvelope is the uniform JSON error body returned by the itinerary
// service. When the body is not parseable JSON (an HTML error page, say),
// the client synthesizes one from the HTTP status line.
type ErrorEnvelope struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Hint      string         `json:"hint,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Path      string         `json:"path"`
	Details   map[string]any `json:"details,omitempty"`
}

// Error is the classified failure every layer above the request core
// observes. It wraps the raw transport or HTTP error and carries the
// user-facing copy computed once here and passed through unchanged.
type Error struct {
	Status          int
	Code            string
	UserMessage     string
	SuggestedAction string
	Retryable       bool
	Endpoint        string
	Envelope        *ErrorEnvelope
	Err             error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.UserMessage, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.UserMessage)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// parseEnvelope decodes the service error body, falling back to a synthetic
// envelope when the body is not JSON.
func parseEnvelope(body []byte, status int, path string) *ErrorEnvelope {
	var env ErrorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil && env.Message != "" {
		return &env
	}
	return &ErrorEnvelope{
		Code:      fmt.Sprintf("HTTP_%d", status),
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC(),
		Path:      path,
	}
}

// classifyStatus maps an HTTP error status to the structured error surfaced
// to callers. The copy is itinerary-specific on purpose: a 404 here means
// the itinerary is still being generated, not that the resource is gone.
func classifyStatus(status int, env *ErrorEnvelope, endpoint string) *Error {
	e := &Error{
		Status:   status,
		Endpoint: endpoint,
		Envelope: env,
		Err:      fmt.Errorf("itinerary service returned %d: %s", status, env.Message),
	}

	switch {
	case status == http.StatusNotFound:
		e.Code = "GENERATION_IN_PROGRESS"
		e.UserMessage = "Your itinerary is still being generated."
		e.SuggestedAction = "Wait 30-60 seconds and refresh."
		e.Retryable = true
	case status == http.StatusUnauthorized:
		e.Code = "AUTHENTICATION_FAILED"
		e.UserMessage = "Your session has expired."
		e.SuggestedAction = "Sign in again to continue editing."
		e.Retryable = false
	case status == http.StatusForbidden:
		e.Code = "PERMISSION_DENIED"
		e.UserMessage = "You don't have access to this itinerary."
		e.SuggestedAction = "Ask the trip owner to share it with you."
		e.Retryable = false
	case status == http.StatusRequestTimeout:
		e.Code = "REQUEST_TIMEOUT"
		e.UserMessage = "The itinerary service took too long to respond."
		e.SuggestedAction = "Try again in a moment."
		e.Retryable = true
	case status == http.StatusTooManyRequests:
		e.Code = "RATE_LIMITED"
		e.UserMessage = "Too many requests in a short time."
		e.SuggestedAction = "Wait a moment before trying again."
		e.Retryable = true
	case status >= 500:
		e.Code = "SERVER_ERROR"
		e.UserMessage = "The itinerary service hit a problem."
		e.SuggestedAction = "Try again shortly; your changes are safe."
		e.Retryable = true
	default:
		e.Code = "REQUEST_REJECTED"
		e.UserMessage = "The itinerary service rejected this request."
		e.SuggestedAction = "Refresh the page and try again."
		if env.Message != "" {
			e.UserMessage = env.Message
		}
		e.Retryable = false
	}
	return e
}

// classifyTransport wraps a network-level failure (including the per-attempt
// timeout). Transport failures are always retryable.
func classifyTransport(err error, endpoint string) *Error {
	return &Error{
		Code:            "NETWORK_ERROR",
		UserMessage:     "Couldn't reach the itinerary service.",
		SuggestedAction: "Check your connection and try again.",
		Retryable:       true,
		Endpoint:        endpoint,
		Err:             err,
	}
}
