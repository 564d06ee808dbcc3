// Package syncqueue buffers high-frequency local edits (node drags, inline
// field changes), coalesces them per node, and flushes them to the itinerary
// service after a debounce window.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tripforge/itinerary-engine/internal/auth"
	"github.com/tripforge/itinerary-engine/internal/model"
	"github.com/tripforge/itinerary-engine/internal/transport"
	"github.com/tripforge/itinerary-engine/pkg/logger"
	"github.com/tripforge/itinerary-engine/pkg/metrics"
)

// DefaultDebounce is the quiet period after the last enqueue before a flush.
const DefaultDebounce = 300 * time.Millisecond

// DefaultMaxFlushFailures is how many consecutive failed flushes are allowed
// before the queue stalls and escalates to the caller.
const DefaultMaxFlushFailures = 5

// ItemType distinguishes the two kinds of buffered mutations.
type ItemType string

const (
	ItemPosition ItemType = "position"
	ItemData     ItemType = "data"
)

// Item is one buffered mutation. The queue holds at most one item per
// (node, type) pair; a newer item overwrites the older one.
type Item struct {
	Type      ItemType
	NodeID    string
	Position  *model.NodePosition
	Payload   map[string]any
	Timestamp time.Time
}

type itemKey struct {
	nodeID string
	kind   ItemType
}

// Options configures a Queue.
type Options struct {
	Client           *transport.Client
	ItineraryID      string
	Tokens           auth.TokenSource
	Clock            clockwork.Clock
	Logger           *logger.Logger
	Debounce         time.Duration
	MaxFlushFailures int
	// OnStalled is invoked once when MaxFlushFailures consecutive flushes
	// have failed; the queue stops rearming until Flush is called.
	OnStalled func(consecutiveFailures int)
}

// Queue is the debounced sync queue for one itinerary.
type Queue struct {
	client      *transport.Client
	itineraryID string
	tokens      auth.TokenSource
	clock       clockwork.Clock
	log         *logger.Logger
	debounce    time.Duration
	maxFailures int
	onStalled   func(int)

	mu           sync.Mutex
	items        map[itemKey]Item
	timer        clockwork.Timer
	flushing     bool
	pendingFlush bool
	failures     int
	stalled      bool
}

// New creates a sync queue.
func New(opts Options) *Queue {
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	debounce := opts.Debounce
	if debounce == 0 {
		debounce = DefaultDebounce
	}
	maxFailures := opts.MaxFlushFailures
	if maxFailures == 0 {
		maxFailures = DefaultMaxFlushFailures
	}

	return &Queue{
		client:      opts.Client,
		itineraryID: opts.ItineraryID,
		tokens:      opts.Tokens,
		clock:       clock,
		log:         log.WithItinerary(opts.ItineraryID),
		debounce:    debounce,
		maxFailures: maxFailures,
		onStalled:   opts.OnStalled,
		items:       make(map[itemKey]Item),
	}
}

// EnqueuePosition buffers a node canvas position, superseding any unflushed
// position for the same node, and restarts the debounce window.
func (q *Queue) EnqueuePosition(nodeID string, x, y float64) {
	q.enqueue(Item{
		Type:      ItemPosition,
		NodeID:    nodeID,
		Position:  &model.NodePosition{NodeID: nodeID, X: x, Y: y},
		Timestamp: q.clock.Now(),
	})
}

// EnqueueData buffers a node field patch, superseding any unflushed patch
// for the same node, and restarts the debounce window.
func (q *Queue) EnqueueData(nodeID string, payload map[string]any) {
	q.enqueue(Item{
		Type:      ItemData,
		NodeID:    nodeID,
		Payload:   payload,
		Timestamp: q.clock.Now(),
	})
}

func (q *Queue) enqueue(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items[itemKey{item.NodeID, item.Type}] = item
	metrics.SyncQueueDepth.Set(float64(len(q.items)))

	if q.stalled {
		return
	}
	if q.timer == nil {
		q.timer = q.clock.AfterFunc(q.debounce, func() {
			_ = q.Flush(context.Background())
		})
		return
	}
	q.timer.Reset(q.debounce)
}

// Len reports the number of buffered items, for UI feedback.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Syncing reports whether a flush is currently in progress.
func (q *Queue) Syncing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flushing
}

// Stalled reports whether the queue has given up rearming after repeated
// flush failures.
func (q *Queue) Stalled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stalled
}

// Flush sends everything buffered. Flushes never run concurrently against
// the same itinerary: if one is already in progress, this one is deferred
// until it finishes. Calling Flush clears a stall.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	q.stalled = false
	if q.flushing {
		q.pendingFlush = true
		q.mu.Unlock()
		return nil
	}
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	batch := q.items
	q.items = make(map[itemKey]Item)
	metrics.SyncQueueDepth.Set(0)
	q.mu.Unlock()

	failed, err := q.send(ctx, batch)
	q.settle(failed, err)
	return err
}

// send pushes one drained batch: positions as a single batched call, data
// items as individual, independently retriable calls.
func (q *Queue) send(ctx context.Context, batch map[itemKey]Item) ([]Item, error) {
	var positions []model.NodePosition
	var positionItems []Item
	var dataItems []Item
	for _, item := range batch {
		switch item.Type {
		case ItemPosition:
			positions = append(positions, *item.Position)
			positionItems = append(positionItems, item)
		case ItemData:
			dataItems = append(dataItems, item)
		}
	}

	var failed []Item
	var firstErr error

	if len(positions) > 0 {
		endpoint := fmt.Sprintf("/itineraries/%s/workflow", q.itineraryID)
		body := map[string]any{"positions": positions}
		if err := q.syncCall(ctx, http.MethodPut, endpoint, body); err != nil {
			q.log.Warn("position sync failed",
				zap.Int("positions", len(positions)), zap.Error(err))
			failed = append(failed, positionItems...)
			firstErr = err
		}
	}

	for _, item := range dataItems {
		endpoint := fmt.Sprintf("/itineraries/%s/nodes/%s", q.itineraryID, item.NodeID)
		if err := q.syncCall(ctx, http.MethodPut, endpoint, item.Payload); err != nil {
			q.log.Warn("node data sync failed",
				zap.String("node_id", item.NodeID), zap.Error(err))
			failed = append(failed, item)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return failed, firstErr
}

// settle requeues failures, updates the failure streak, and rearms the timer
// when more work is buffered.
func (q *Queue) settle(failed []Item, err error) {
	q.mu.Lock()

	// Requeue failed items unless a newer item for the same key arrived
	// during the flush; the newer value supersedes.
	for _, item := range failed {
		key := itemKey{item.NodeID, item.Type}
		if _, exists := q.items[key]; !exists {
			q.items[key] = item
		}
	}
	metrics.SyncQueueDepth.Set(float64(len(q.items)))

	if err != nil {
		q.failures++
		metrics.SyncFlushesTotal.WithLabelValues("failure").Inc()
	} else {
		q.failures = 0
		metrics.SyncFlushesTotal.WithLabelValues("success").Inc()
	}

	q.flushing = false
	rearm := q.pendingFlush || len(q.items) > 0
	q.pendingFlush = false

	var notifyFailures int
	if q.failures >= q.maxFailures {
		q.stalled = true
		rearm = false
		notifyFailures = q.failures
	}

	if rearm {
		if q.timer == nil {
			q.timer = q.clock.AfterFunc(q.debounce, func() {
				_ = q.Flush(context.Background())
			})
		} else {
			q.timer.Reset(q.debounce)
		}
	}
	onStalled := q.onStalled
	q.mu.Unlock()

	if notifyFailures > 0 {
		q.log.Error("sync queue stalled after repeated flush failures",
			zap.Int("consecutive_failures", notifyFailures))
		if onStalled != nil {
			onStalled(notifyFailures)
		}
	}
}

// syncCall performs one sync request with a one-shot refresh-and-retry on
// authentication failure. The request core already handles 401s; this second
// layer is deliberate given the queue's fire-and-forget nature.
func (q *Queue) syncCall(ctx context.Context, method, endpoint string, body any) error {
	err := q.client.JSON(ctx, method, endpoint, body, nil, nil)
	if err == nil {
		return nil
	}

	var terr *transport.Error
	if errors.As(err, &terr) && terr.Code == "AUTHENTICATION_FAILED" && q.tokens != nil {
		if _, rerr := q.tokens.Refresh(ctx, true); rerr == nil {
			return q.client.JSON(ctx, method, endpoint, body, nil, nil)
		}
	}
	return err
}
