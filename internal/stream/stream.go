// Package stream consumes the live patch feed from the itinerary service
// over Server-Sent Events.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tripforge/itinerary-engine/internal/auth"
	"github.com/tripforge/itinerary-engine/internal/model"
	"github.com/tripforge/itinerary-engine/internal/transport"
	"github.com/tripforge/itinerary-engine/pkg/logger"
	"github.com/tripforge/itinerary-engine/pkg/metrics"
)

// Options configures a PatchStream.
type Options struct {
	BaseURL     string
	ItineraryID string
	ExecutionID string
	Tokens      auth.TokenSource
	HTTPClient  *http.Client
	Clock       clockwork.Clock
	Logger      *logger.Logger
	Retry       *transport.RetryConfig
}

// PatchStream tails GET /itineraries/patches and emits PatchEvents. The
// connection is re-established with the transport backoff schedule until the
// context is canceled.
type PatchStream struct {
	opts   Options
	log    *logger.Logger
	clock  clockwork.Clock
	events chan model.PatchEvent
}

// New creates a patch stream for one itinerary.
func New(opts Options) *PatchStream {
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PatchStream{
		opts:   opts,
		log:    log.WithItinerary(opts.ItineraryID),
		clock:  clock,
		events: make(chan model.PatchEvent, 16),
	}
}

// Events returns the channel patch events are delivered on. It is closed
// when Run returns.
func (s *PatchStream) Events() <-chan model.PatchEvent {
	return s.events
}

// Run connects and reads the stream until ctx is canceled, reconnecting on
// any failure. It blocks; callers run it in a goroutine.
func (s *PatchStream) Run(ctx context.Context) {
	defer close(s.events)

	cfg := s.opts.Retry
	if cfg == nil {
		cfg = transport.DefaultRetryConfig()
	}
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			// A healthy connection resets the backoff schedule.
			failures = 0
		}
		if err != nil {
			s.log.Warn("patch stream disconnected", zap.Error(err), zap.Int("failures", failures))
		}

		// Reconnect forever; the delay schedule caps at MaxDelay.
		delay := cfg.Delay(failures)
		failures++
		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// consume opens one SSE connection and dispatches events until it drops. It
// reports whether the connection was actually established.
func (s *PatchStream) consume(ctx context.Context) (bool, error) {
	endpoint, err := s.endpoint(ctx)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	httpClient := s.opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("patch stream returned HTTP %d", resp.StatusCode)
	}

	metrics.IncrementPatchStreamConnections()
	defer metrics.DecrementPatchStreamConnections()
	s.log.Info("patch stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			s.dispatch(ctx, event, data)
			event, data = "", ""
		}
	}
	return true, scanner.Err()
}

// endpoint builds the stream URL. SSE has no header support, so the token
// travels as a query parameter.
func (s *PatchStream) endpoint(ctx context.Context) (string, error) {
	token, err := s.opts.Tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("patch stream needs a token: %w", err)
	}

	q := url.Values{}
	q.Set("itineraryId", s.opts.ItineraryID)
	if s.opts.ExecutionID != "" {
		q.Set("executionId", s.opts.ExecutionID)
	}
	q.Set("token", token)
	return s.opts.BaseURL + "/itineraries/patches?" + q.Encode(), nil
}

func (s *PatchStream) dispatch(ctx context.Context, event, data string) {
	switch event {
	case "patch":
		var patch model.PatchEvent
		if err := json.Unmarshal([]byte(data), &patch); err != nil {
			s.log.Warn("dropping malformed patch event", zap.Error(err))
			return
		}
		metrics.PatchEventsTotal.Inc()
		select {
		case s.events <- patch:
		case <-ctx.Done():
		}
	case "heartbeat", "connected", "":
		// Keep-alive and handshake frames carry no itinerary data.
	default:
		s.log.Debug("ignoring unknown stream event", zap.String("event", event))
	}
}
