package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripforge/itinerary-engine/internal/auth"
	"github.com/tripforge/itinerary-engine/internal/transport"
	"github.com/tripforge/itinerary-engine/pkg/logger"
)

func fastStreamRetry() *transport.RetryConfig {
	cfg := transport.DefaultRetryConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestPatchStreamDeliversEvents(t *testing.T) {
	var connects int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connects, 1)

		assert.Equal(t, "it_1", r.URL.Query().Get("itineraryId"))
		assert.Equal(t, "exec_9", r.URL.Query().Get("executionId"))
		assert.Equal(t, "stream-token", r.URL.Query().Get("token"),
			"SSE carries the token as a query parameter")

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		fmt.Fprintf(w, "event: patch\ndata: {\"fromVersion\":3,\"toVersion\":4,\"diff\":{\"updated\":[{\"id\":\"n1\",\"day\":1}]},\"summary\":\"moved lunch\"}\n\n")
		fmt.Fprintf(w, "event: heartbeat\ndata: {\"timestamp\":\"2026-08-01T00:00:00Z\"}\n\n")
		fmt.Fprintf(w, "event: patch\ndata: {\"fromVersion\":4,\"toVersion\":5,\"diff\":{},\"summary\":\"\"}\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Options{
		BaseURL:     server.URL,
		ItineraryID: "it_1",
		ExecutionID: "exec_9",
		Tokens:      auth.NewStaticTokenSource("stream-token", nil),
		Logger:      logger.NewNop(),
		Retry:       fastStreamRetry(),
	})
	go s.Run(ctx)

	first := <-s.Events()
	assert.Equal(t, int64(3), first.FromVersion)
	assert.Equal(t, int64(4), first.ToVersion)
	assert.Equal(t, "moved lunch", first.Summary)
	require.Len(t, first.Diff.Updated, 1)
	assert.Equal(t, "n1", first.Diff.Updated[0].ID)

	second := <-s.Events()
	assert.Equal(t, int64(5), second.ToVersion)

	cancel()
	_, open := <-s.Events()
	assert.False(t, open, "Events closes when Run returns")
}

func TestPatchStreamReconnects(t *testing.T) {
	var connects int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&connects, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		if n == 1 {
			// First connection drops without delivering anything.
			return
		}
		fmt.Fprintf(w, "event: patch\ndata: {\"fromVersion\":1,\"toVersion\":2,\"diff\":{}}\n\n")
		w.(http.Flusher).Flush()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Options{
		BaseURL:     server.URL,
		ItineraryID: "it_1",
		Tokens:      auth.NewStaticTokenSource("stream-token", nil),
		Logger:      logger.NewNop(),
		Retry:       fastStreamRetry(),
	})
	go s.Run(ctx)

	patch := <-s.Events()
	assert.Equal(t, int64(2), patch.ToVersion)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&connects), int32(2))
}

func TestPatchStreamResetsBackoffAfterHealthyConnection(t *testing.T) {
	var connects int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&connects, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: patch\ndata: {\"fromVersion\":%d,\"toVersion\":%d,\"diff\":{}}\n\n", n-1, n)
		w.(http.Flusher).Flush()
	}))
	defer server.Close()

	fc := clockwork.NewFakeClockAt(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Options{
		BaseURL:     server.URL,
		ItineraryID: "it_1",
		Tokens:      auth.NewStaticTokenSource("stream-token", nil),
		Clock:       fc,
		Logger:      logger.NewNop(),
	})
	go s.Run(ctx)

	// Two failed connections walk the schedule: 1s, then 2s.
	fc.BlockUntil(1)
	fc.Advance(time.Second)
	fc.BlockUntil(1)
	fc.Advance(2 * time.Second)

	first := <-s.Events()
	assert.Equal(t, int64(3), first.ToVersion)

	// The healthy connection resets the schedule, so the reconnect after its
	// drop waits only the base delay again.
	fc.BlockUntil(1)
	fc.Advance(time.Second)

	select {
	case second := <-s.Events():
		assert.Equal(t, int64(4), second.ToVersion)
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect still on the escalated delay after a healthy connection")
	}
}

func TestPatchStreamDropsMalformedEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: patch\ndata: not-json\n\n")
		fmt.Fprintf(w, "event: patch\ndata: {\"fromVersion\":1,\"toVersion\":2,\"diff\":{}}\n\n")
		w.(http.Flusher).Flush()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Options{
		BaseURL:     server.URL,
		ItineraryID: "it_1",
		Tokens:      auth.NewStaticTokenSource("stream-token", nil),
		Logger:      logger.NewNop(),
		Retry:       fastStreamRetry(),
	})
	go s.Run(ctx)

	patch := <-s.Events()
	assert.Equal(t, int64(2), patch.ToVersion, "malformed frames are skipped, not fatal")
}
