package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripforge/itinerary-engine/internal/auth"
	"github.com/tripforge/itinerary-engine/internal/model"
	"github.com/tripforge/itinerary-engine/internal/tracker"
	"github.com/tripforge/itinerary-engine/internal/transport"
	"github.com/tripforge/itinerary-engine/pkg/logger"
)

func newTestEngine(t *testing.T, handler http.Handler, clock clockwork.Clock) (*Engine, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := transport.DefaultRetryConfig()
	cfg.MaxRetries = 0

	eng := New(Options{
		BaseURL:  server.URL,
		Tokens:   auth.NewStaticTokenSource("engine-token", nil),
		Clock:    clock,
		Logger:   logger.NewNop(),
		Retry:    cfg,
		Debounce: time.Hour, // tests flush explicitly
	})
	return eng, server
}

func TestSessionAndQueueAreSingletonsPerItinerary(t *testing.T) {
	eng, _ := newTestEngine(t, chi.NewRouter(), clockwork.NewRealClock())

	assert.Same(t, eng.Session("it_1"), eng.Session("it_1"))
	assert.NotSame(t, eng.Session("it_1"), eng.Session("it_2"))
	assert.Same(t, eng.Queue("it_1"), eng.Queue("it_1"))
	assert.NotSame(t, eng.Queue("it_1"), eng.Queue("it_2"))
}

func TestAppliedDiffFeedsTracker(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/itineraries/{id}:apply", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(model.ApplyResponse{
			ToVersion: 8,
			Diff: model.Diff{
				Updated: []model.EntityRef{{ID: "n_moved"}},
				Removed: []model.EntityRef{{ID: "n_gone"}},
			},
		})
	})
	eng, _ := newTestEngine(t, r, clockwork.NewRealClock())

	cs := &model.ChangeSet{
		Scope:      model.ScopeTrip,
		Operations: []model.ChangeOperation{{Type: model.OpMove, NodeID: "n_moved", TargetDay: 2}},
	}
	resp, err := eng.Session("it_1").Apply(context.Background(), cs)
	require.NoError(t, err)
	assert.Equal(t, int64(8), resp.ToVersion)
	assert.Equal(t, int64(8), eng.Session("it_1").Version())

	require.True(t, eng.Tracker().IsNodeModified("n_moved"))
	records := eng.Tracker().ChangesFor("n_moved")
	require.Len(t, records, 1)
	assert.Equal(t, tracker.SourceChat, records[0].Source)
	assert.Equal(t, tracker.ChangeModified, records[0].ChangeType)

	gone := eng.Tracker().ChangesFor("n_gone")
	require.Len(t, gone, 1)
	assert.Equal(t, tracker.ChangeDeleted, gone[0].ChangeType)
}

func TestQueueFlushesThroughSharedClient(t *testing.T) {
	type workflowBody struct {
		Positions []model.NodePosition `json:"positions"`
	}
	got := make(chan workflowBody, 1)

	r := chi.NewRouter()
	r.Put("/itineraries/{id}/workflow", func(w http.ResponseWriter, req *http.Request) {
		var body workflowBody
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		got <- body
		w.Write([]byte(`{"success":true}`))
	})
	eng, _ := newTestEngine(t, r, clockwork.NewRealClock())

	q := eng.Queue("it_1")
	q.EnqueuePosition("n1", 120, 340)
	require.NoError(t, q.Flush(context.Background()))

	select {
	case body := <-got:
		require.Len(t, body.Positions, 1)
		assert.Equal(t, "n1", body.Positions[0].NodeID)
		assert.Equal(t, float64(120), body.Positions[0].X)
	case <-time.After(time.Second):
		t.Fatal("workflow update never reached the service")
	}
	assert.Zero(t, q.Len())
}

func TestSetNodeLockTracksManualChange(t *testing.T) {
	r := chi.NewRouter()
	r.Put("/itineraries/{id}/nodes/{nodeID}/lock", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]bool
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.True(t, body["locked"])
		json.NewEncoder(w).Encode(model.LockResponse{Success: true})
	})
	eng, _ := newTestEngine(t, r, clockwork.NewRealClock())

	resp, err := eng.SetNodeLock(context.Background(), "it_1", "n_lock", true)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	records := eng.Tracker().ChangesFor("n_lock")
	require.Len(t, records, 1)
	assert.Equal(t, tracker.SourceManual, records[0].Source)
}

func TestOnQueueStalledCarriesItineraryID(t *testing.T) {
	stalled := make(chan string, 1)

	r := chi.NewRouter()
	r.Put("/itineraries/{id}/workflow", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"VALIDATION_FAILED","message":"positions rejected","path":"/itineraries/it_stall/workflow"}`))
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	cfg := transport.DefaultRetryConfig()
	cfg.MaxRetries = 0

	eng := New(Options{
		BaseURL:  server.URL,
		Tokens:   auth.NewStaticTokenSource("engine-token", nil),
		Logger:   logger.NewNop(),
		Retry:    cfg,
		Debounce: time.Hour,
		OnQueueStalled: func(itineraryID string, failures int) {
			select {
			case stalled <- itineraryID:
			default:
			}
		},
	})

	q := eng.Queue("it_stall")
	for i := 0; !q.Stalled() && i < 10; i++ {
		q.EnqueuePosition("n1", 1, 1)
		_ = q.Flush(context.Background())
	}

	select {
	case id := <-stalled:
		assert.Equal(t, "it_stall", id)
	case <-time.After(time.Second):
		t.Fatal("stall callback never fired")
	}
}
