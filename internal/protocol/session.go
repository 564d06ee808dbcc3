// Package protocol drives the propose/apply/undo/redo optimistic-concurrency
// protocol against a versioned itinerary aggregate.
package protocol

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/tripforge/itinerary-engine/internal/model"
	"github.com/tripforge/itinerary-engine/internal/transport"
	"github.com/tripforge/itinerary-engine/pkg/logger"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DiffHook observes the diff of every committed protocol operation, e.g. to
// feed the change attribution tracker.
type DiffHook func(diff model.Diff)

// Session tracks the committed version of one itinerary. The version is
// server-authoritative: it only ever changes by adopting a toVersion from an
// apply/undo/redo response, never by local increment.
type Session struct {
	client      *transport.Client
	itineraryID string
	log         *logger.Logger
	onDiff      DiffHook

	mu      sync.Mutex
	version int64
}

// NewSession creates a protocol session for one itinerary.
func NewSession(client *transport.Client, itineraryID string, log *logger.Logger, onDiff DiffHook) *Session {
	if log == nil {
		log = logger.Global()
	}
	return &Session{
		client:      client,
		itineraryID: itineraryID,
		log:         log.WithItinerary(itineraryID),
		onDiff:      onDiff,
	}
}

// Version returns the locally held committed version.
func (s *Session) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Fetch loads the full itinerary and adopts its version.
func (s *Session) Fetch(ctx context.Context) (*model.Itinerary, error) {
	var it model.Itinerary
	endpoint := fmt.Sprintf("/itineraries/%s/json", s.itineraryID)
	if err := s.client.JSON(ctx, http.MethodGet, endpoint, nil, &it, nil); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.version = it.Version
	s.mu.Unlock()

	s.log.Debug("itinerary fetched", zap.Int64("version", it.Version))
	return &it, nil
}

// Propose runs a read-only dry run of the change set against the committed
// version. It never mutates server state and never moves the local version.
func (s *Session) Propose(ctx context.Context, cs *model.ChangeSet) (*model.ProposeResponse, error) {
	if err := validate.Struct(cs); err != nil {
		return nil, invalidChangeSet(err)
	}

	var resp model.ProposeResponse
	endpoint := fmt.Sprintf("/itineraries/%s:propose", s.itineraryID)
	if err := s.client.JSON(ctx, http.MethodPost, endpoint, cs.Clone(), &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Apply commits the change set. The server applies all operations in the set
// atomically and assigns the next version; on any failure the local version
// is left untouched so the caller can re-propose and retry.
func (s *Session) Apply(ctx context.Context, cs *model.ChangeSet) (*model.ApplyResponse, error) {
	if err := validate.Struct(cs); err != nil {
		return nil, invalidChangeSet(err)
	}

	body := struct {
		ChangeSet *model.ChangeSet `json:"changeSet"`
	}{ChangeSet: cs.Clone()}

	var resp model.ApplyResponse
	endpoint := fmt.Sprintf("/itineraries/%s:apply", s.itineraryID)
	if err := s.client.JSON(ctx, http.MethodPost, endpoint, body, &resp, nil); err != nil {
		return nil, err
	}

	s.adopt("apply", resp.ToVersion, resp.Diff)
	return &resp, nil
}

// Undo reverts the aggregate. toVersion 0 means "previous version".
func (s *Session) Undo(ctx context.Context, toVersion int64) (*model.ApplyResponse, error) {
	body := map[string]any{}
	if toVersion > 0 {
		body["toVersion"] = toVersion
	}

	var resp model.ApplyResponse
	endpoint := fmt.Sprintf("/itineraries/%s:undo", s.itineraryID)
	if err := s.client.JSON(ctx, http.MethodPost, endpoint, body, &resp, nil); err != nil {
		return nil, err
	}

	s.adopt("undo", resp.ToVersion, resp.Diff)
	return &resp, nil
}

// Redo re-applies the most recently undone change.
func (s *Session) Redo(ctx context.Context) (*model.ApplyResponse, error) {
	var resp model.ApplyResponse
	endpoint := fmt.Sprintf("/itineraries/%s:redo", s.itineraryID)
	if err := s.client.JSON(ctx, http.MethodPost, endpoint, map[string]any{}, &resp, nil); err != nil {
		return nil, err
	}

	s.adopt("redo", resp.ToVersion, resp.Diff)
	return &resp, nil
}

// adopt swaps in the server-assigned version and notifies the diff hook.
func (s *Session) adopt(op string, toVersion int64, diff model.Diff) {
	s.mu.Lock()
	from := s.version
	s.version = toVersion
	s.mu.Unlock()

	s.log.Info("version adopted",
		zap.String("operation", op),
		zap.Int64("from_version", from),
		zap.Int64("to_version", toVersion),
	)

	if s.onDiff != nil && !diff.Empty() {
		s.onDiff(diff)
	}
}

func invalidChangeSet(err error) error {
	return &transport.Error{
		Code:            "INVALID_CHANGE_SET",
		UserMessage:     "This edit can't be submitted as written.",
		SuggestedAction: "Adjust the edit and try again.",
		Retryable:       false,
		Err:             err,
	}
}
