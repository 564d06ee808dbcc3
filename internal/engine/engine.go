// Package engine composes the request core, change protocol, sync queue,
// patch stream and attribution tracker into one itinerary synchronization
// engine. One Engine is constructed per user session; there is no
// package-level mutable state, so multiple engines can run in isolation.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tripforge/itinerary-engine/internal/auth"
	"github.com/tripforge/itinerary-engine/internal/model"
	"github.com/tripforge/itinerary-engine/internal/protocol"
	"github.com/tripforge/itinerary-engine/internal/stream"
	"github.com/tripforge/itinerary-engine/internal/syncqueue"
	"github.com/tripforge/itinerary-engine/internal/tracker"
	"github.com/tripforge/itinerary-engine/internal/transport"
	"github.com/tripforge/itinerary-engine/pkg/logger"
)

// Options configures an Engine. BaseURL and Tokens are required.
type Options struct {
	BaseURL    string
	Tokens     auth.TokenSource
	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *logger.Logger
	Timeout    time.Duration
	Debounce   time.Duration
	Retry      *transport.RetryConfig
	Resolver   model.CoordinateResolver
	// OnQueueStalled is forwarded to every sync queue the engine creates.
	OnQueueStalled func(itineraryID string, consecutiveFailures int)
}

// Engine is the client-side itinerary synchronization engine.
type Engine struct {
	opts    Options
	client  *transport.Client
	tracker *tracker.Tracker
	clock   clockwork.Clock
	log     *logger.Logger

	mu       sync.Mutex
	sessions map[string]*protocol.Session
	queues   map[string]*syncqueue.Queue
}

// New creates an engine with injected collaborators.
func New(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}

	client := transport.NewClient(transport.Options{
		BaseURL:    opts.BaseURL,
		Tokens:     opts.Tokens,
		HTTPClient: opts.HTTPClient,
		Clock:      clock,
		Logger:     log,
		Timeout:    opts.Timeout,
		Retry:      opts.Retry,
	})

	return &Engine{
		opts:     opts,
		client:   client,
		tracker:  tracker.New(clock),
		clock:    clock,
		log:      log,
		sessions: make(map[string]*protocol.Session),
		queues:   make(map[string]*syncqueue.Queue),
	}
}

// Client exposes the underlying request core.
func (e *Engine) Client() *transport.Client {
	return e.client
}

// Tracker exposes the change attribution ledger.
func (e *Engine) Tracker() *tracker.Tracker {
	return e.tracker
}

// Resolver returns the geocoding collaborator, which may be nil.
func (e *Engine) Resolver() model.CoordinateResolver {
	return e.opts.Resolver
}

// Session returns the protocol session for an itinerary, creating it on
// first use. Diffs from committed operations feed the tracker as chat-
// sourced changes.
func (e *Engine) Session(itineraryID string) *protocol.Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[itineraryID]; ok {
		return s
	}
	s := protocol.NewSession(e.client, itineraryID, e.log, func(diff model.Diff) {
		e.tracker.ApplyDiff(diff, tracker.SourceChat)
	})
	e.sessions[itineraryID] = s
	return s
}

// Queue returns the debounced sync queue for an itinerary, creating it on
// first use.
func (e *Engine) Queue(itineraryID string) *syncqueue.Queue {
	e.mu.Lock()
	defer e.mu.Unlock()

	if q, ok := e.queues[itineraryID]; ok {
		return q
	}
	var onStalled func(int)
	if e.opts.OnQueueStalled != nil {
		cb := e.opts.OnQueueStalled
		onStalled = func(failures int) { cb(itineraryID, failures) }
	}
	q := syncqueue.New(syncqueue.Options{
		Client:      e.client,
		ItineraryID: itineraryID,
		Tokens:      e.opts.Tokens,
		Clock:       e.clock,
		Logger:      e.log,
		Debounce:    e.opts.Debounce,
		OnStalled:   onStalled,
	})
	e.queues[itineraryID] = q
	return q
}

// Patches opens the live patch stream for an itinerary and starts consuming
// it until ctx is canceled. Every received patch is recorded in the tracker
// before being delivered to the caller.
func (e *Engine) Patches(ctx context.Context, itineraryID, executionID string) <-chan model.PatchEvent {
	s := stream.New(stream.Options{
		BaseURL:     e.opts.BaseURL,
		ItineraryID: itineraryID,
		ExecutionID: executionID,
		Tokens:      e.opts.Tokens,
		HTTPClient:  e.opts.HTTPClient,
		Clock:       e.clock,
		Logger:      e.log,
		Retry:       e.opts.Retry,
	})

	out := make(chan model.PatchEvent, 16)
	go s.Run(ctx)
	go func() {
		defer close(out)
		for patch := range s.Events() {
			e.tracker.ApplyDiff(patch.Diff, tracker.SourceChat)
			select {
			case out <- patch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// SetNodeLock toggles the advisory lock flag on a node.
func (e *Engine) SetNodeLock(ctx context.Context, itineraryID, nodeID string, locked bool) (*model.LockResponse, error) {
	endpoint := fmt.Sprintf("/itineraries/%s/nodes/%s/lock", itineraryID, nodeID)
	body := map[string]bool{"locked": locked}

	var resp model.LockResponse
	if err := e.client.JSON(ctx, http.MethodPut, endpoint, body, &resp, nil); err != nil {
		return nil, err
	}

	e.tracker.TrackChange(nodeID, tracker.ChangeModified, tracker.SourceManual,
		map[string]bool{"locked": !locked}, map[string]bool{"locked": locked})
	return &resp, nil
}
