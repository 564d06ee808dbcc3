// Package transport implements the resilient request core: retrying HTTP
// requests with exponential backoff, deduplicating in-flight identical
// requests, classifying failures, and keeping the bearer token fresh.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tripforge/itinerary-engine/internal/auth"
	"github.com/tripforge/itinerary-engine/pkg/logger"
	"github.com/tripforge/itinerary-engine/pkg/metrics"
)

// DefaultTimeout bounds each network attempt. Exceeding it is treated like
// any other network failure for retry purposes.
const DefaultTimeout = 150 * time.Second

// Options configures a Client. Tokens is required; everything else has a
// usable default.
type Options struct {
	BaseURL    string
	Tokens     auth.TokenSource
	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *logger.Logger
	Timeout    time.Duration
	// Retry is the policy used when a call passes no explicit config.
	Retry *RetryConfig
}

// Client issues requests against the itinerary service. One instance is
// shared per engine; it owns the in-flight request map.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource
	clock   clockwork.Clock
	log     *logger.Logger
	timeout time.Duration
	retry   *RetryConfig
	tracer  trace.Tracer

	mu      sync.Mutex
	pending map[string]*inflight
}

// inflight is one deduplicated request chain; waiters share its outcome.
type inflight struct {
	done chan struct{}
	body []byte
	err  error
}

// NewClient creates a request core for the given service base URL.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: opts.BaseURL,
		http:    httpClient,
		tokens:  opts.Tokens,
		clock:   clock,
		log:     log,
		timeout: timeout,
		retry:   opts.Retry,
		tracer:  otel.Tracer("itinerary-engine/transport"),
		pending: make(map[string]*inflight),
	}
}

// BaseURL returns the configured service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Request issues method+endpoint with the retry policy and returns the raw
// response body. Identical in-flight requests (same method and endpoint; the
// body is not part of the key) share a single network call and outcome.
func (c *Client) Request(ctx context.Context, method, endpoint string, body any, cfg *RetryConfig) ([]byte, error) {
	key := method + ":" + endpoint

	c.mu.Lock()
	if call, ok := c.pending[key]; ok {
		c.mu.Unlock()
		metrics.DedupHitsTotal.Inc()
		select {
		case <-call.done:
			return call.body, call.err
		case <-ctx.Done():
			return nil, classifyTransport(ctx.Err(), endpoint)
		}
	}
	call := &inflight{done: make(chan struct{})}
	c.pending[key] = call
	c.mu.Unlock()

	respBody, err := c.do(ctx, method, endpoint, body, cfg)

	// Remove the entry before publishing the outcome so a follow-up request
	// with the same key starts a fresh chain.
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()

	call.body, call.err = respBody, err
	close(call.done)
	return respBody, err
}

// JSON issues a request and decodes the response body into out, when out is
// non-nil.
func (c *Client) JSON(ctx context.Context, method, endpoint string, body, out any, cfg *RetryConfig) error {
	respBody, err := c.Request(ctx, method, endpoint, body, cfg)
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{
			Code:            "MALFORMED_RESPONSE",
			UserMessage:     "The itinerary service returned an unreadable response.",
			SuggestedAction: "Refresh the page and try again.",
			Retryable:       false,
			Endpoint:        endpoint,
			Err:             err,
		}
	}
	return nil
}

// InFlight reports how many deduplicated request chains are active, for UI
// feedback.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// do runs the retry state machine for one request chain.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, cfg *RetryConfig) ([]byte, error) {
	if cfg == nil {
		cfg = c.retry
	}
	cfg = cfg.withDefaults()

	ctx, span := c.tracer.Start(ctx, method+" "+endpoint, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("engine.endpoint", endpoint),
	))
	defer span.End()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &Error{
				Code:        "ENCODING_FAILED",
				UserMessage: "Couldn't encode the request.",
				Retryable:   false,
				Endpoint:    endpoint,
				Err:         err,
			}
		}
	}

	start := c.clock.Now()
	var lastErr *Error
	refreshed := false

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.Delay(attempt - 1)
			metrics.RetriesTotal.WithLabelValues(lastErr.Code).Inc()
			select {
			case <-c.clock.After(delay):
			case <-ctx.Done():
				return nil, classifyTransport(ctx.Err(), endpoint)
			}
		}

		status, respBody, err := c.attempt(ctx, method, endpoint, payload, attempt)
		if err != nil {
			if ctx.Err() != nil {
				// Caller cancellation, not a transient network failure.
				c.finish(span, method, endpoint, "canceled", start)
				return nil, classifyTransport(ctx.Err(), endpoint)
			}
			lastErr = classifyTransport(err, endpoint)
			continue
		}

		if status < http.StatusMultipleChoices {
			c.finish(span, method, endpoint, "success", start)
			return respBody, nil
		}

		env := parseEnvelope(respBody, status, endpoint)

		if status == http.StatusUnauthorized {
			// One reactive refresh per request chain; whatever token results,
			// the remaining budget keeps retrying with it.
			if !refreshed {
				refreshed = true
				_, rerr := c.tokens.Refresh(ctx, true)
				metrics.RecordTokenRefresh("reactive", rerr)
				if rerr != nil {
					c.log.Warn("reactive token refresh failed",
						zap.String("endpoint", endpoint), zap.Error(rerr))
				}
			}
			lastErr = classifyStatus(status, env, endpoint)
			continue
		}

		classified := classifyStatus(status, env, endpoint)
		if !cfg.Retryable(status) || !classified.Retryable {
			c.finish(span, method, endpoint, "rejected", start)
			span.SetStatus(codes.Error, classified.Code)
			return nil, classified
		}
		lastErr = classified
	}

	c.finish(span, method, endpoint, "exhausted", start)
	span.SetStatus(codes.Error, lastErr.Code)
	return nil, lastErr
}

// attempt performs a single network call under the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, method, endpoint string, payload []byte, attempt int) (int, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Read the token immediately before the attempt so a refresh between
	// retries is picked up.
	if token := c.freshToken(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := c.clock.Now()
	resp, err := c.http.Do(req)
	latency := c.clock.Since(start)
	if err != nil {
		c.log.Warn("request attempt failed",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		metrics.RecordAttempt(method, endpoint, "network_error")
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RecordAttempt(method, endpoint, "network_error")
		return 0, nil, err
	}

	c.log.Debug("request attempt completed",
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Int("attempt", attempt),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", latency),
	)
	metrics.RecordAttempt(method, endpoint, fmt.Sprintf("http_%d", resp.StatusCode))
	return resp.StatusCode, respBody, nil
}

// freshToken returns the current token, proactively refreshing when it is
// within the refresh window. A failed proactive refresh never aborts the
// request; the stale token is sent and the 401 path handles the rest.
func (c *Client) freshToken(ctx context.Context) string {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return ""
	}
	if auth.ExpiresWithin(token, auth.RefreshWindow, c.clock.Now()) {
		fresh, rerr := c.tokens.Refresh(ctx, false)
		metrics.RecordTokenRefresh("proactive", rerr)
		if rerr == nil {
			return fresh
		}
		c.log.Debug("proactive token refresh failed, continuing with current token", zap.Error(rerr))
	}
	return token
}

func (c *Client) finish(span trace.Span, method, endpoint, outcome string, start time.Time) {
	span.SetAttributes(attribute.String("engine.outcome", outcome))
	metrics.RecordRequest(method, endpoint, outcome, c.clock.Since(start).Seconds())
}
