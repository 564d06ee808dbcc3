// Package tracker keeps an append-only ledger of which nodes were touched,
// by what source, for UI highlighting. It is bookkeeping only: not an undo
// log, and never consulted by the sync or protocol layers.
package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tripforge/itinerary-engine/internal/model"
	"github.com/tripforge/itinerary-engine/pkg/metrics"
)

// ChangeType is what happened to a node.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeMoved    ChangeType = "moved"
	ChangeDeleted  ChangeType = "deleted"
)

// Source is where a change originated.
type Source string

const (
	SourceChat     Source = "chat"
	SourceWorkflow Source = "workflow"
	SourceManual   Source = "manual"
)

// ChangeRecord is one ledger entry for a node.
type ChangeRecord struct {
	ID           string     `json:"id"`
	NodeID       string     `json:"node_id"`
	ChangeType   ChangeType `json:"change_type"`
	Timestamp    time.Time  `json:"timestamp"`
	Source       Source     `json:"source"`
	OriginalData any        `json:"original_data,omitempty"`
	NewData      any        `json:"new_data,omitempty"`
}

// Listener observes every appended record, synchronously.
type Listener func(record ChangeRecord)

// Tracker is the in-memory attribution ledger. Entries never expire on their
// own; callers clear them explicitly.
type Tracker struct {
	clock clockwork.Clock

	mu        sync.Mutex
	records   map[string][]ChangeRecord
	listeners map[string]Listener
}

// New creates an empty tracker.
func New(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		clock:     clock,
		records:   make(map[string][]ChangeRecord),
		listeners: make(map[string]Listener),
	}
}

// TrackChange appends a record and notifies subscribers synchronously.
func (t *Tracker) TrackChange(nodeID string, changeType ChangeType, source Source, originalData, newData any) ChangeRecord {
	record := ChangeRecord{
		ID:           uuid.New().String(),
		NodeID:       nodeID,
		ChangeType:   changeType,
		Timestamp:    t.clock.Now(),
		Source:       source,
		OriginalData: originalData,
		NewData:      newData,
	}

	t.mu.Lock()
	t.records[nodeID] = append(t.records[nodeID], record)
	listeners := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	metrics.TrackedChangesTotal.WithLabelValues(string(source), string(changeType)).Inc()

	for _, l := range listeners {
		l(record)
	}
	return record
}

// ApplyDiff records a protocol diff: added entities become added records,
// updated become modified, removed become deleted.
func (t *Tracker) ApplyDiff(diff model.Diff, source Source) {
	for _, ref := range diff.Added {
		t.TrackChange(ref.ID, ChangeAdded, source, nil, ref.Fields)
	}
	for _, ref := range diff.Updated {
		t.TrackChange(ref.ID, ChangeModified, source, nil, ref.Fields)
	}
	for _, ref := range diff.Removed {
		t.TrackChange(ref.ID, ChangeDeleted, source, ref.Fields, nil)
	}
}

// IsNodeModified reports whether the node has any ledger entries.
func (t *Tracker) IsNodeModified(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records[nodeID]) > 0
}

// GetModifiedNodeIDs returns every node id with at least one entry.
func (t *Tracker) GetModifiedNodeIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.records))
	for id, recs := range t.records {
		if len(recs) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// ChangesFor returns a copy of the node's ledger entries, oldest first.
func (t *Tracker) ChangesFor(nodeID string) []ChangeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	recs := t.records[nodeID]
	out := make([]ChangeRecord, len(recs))
	copy(out, recs)
	return out
}

// ClearNodeChanges drops all entries for one node.
func (t *Tracker) ClearNodeChanges(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, nodeID)
}

// ClearAllChanges drops the whole ledger.
func (t *Tracker) ClearAllChanges() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string][]ChangeRecord)
}

// Subscribe registers a listener and returns its unsubscribe function.
func (t *Tracker) Subscribe(listener Listener) func() {
	id := uuid.New().String()
	t.mu.Lock()
	t.listeners[id] = listener
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}
