package syncqueue

import (
	"encoding/json"
	"time"
)

// Conflict records divergence between an in-flight local edit and a
// concurrently observed remote state. The engine only detects; resolution is
// a caller responsibility.
type Conflict struct {
	NodeID     string          `json:"node_id,omitempty"`
	Local      json.RawMessage `json:"local"`
	Remote     json.RawMessage `json:"remote"`
	DetectedAt time.Time       `json:"detected_at"`
}

// DetectConflict structurally compares a local and a remote value via their
// canonical JSON encodings. It returns a Conflict record when they diverge
// and nil when they are equivalent or either side fails to serialize.
func DetectConflict(nodeID string, local, remote any, now time.Time) *Conflict {
	localJSON, err := json.Marshal(local)
	if err != nil {
		return nil
	}
	remoteJSON, err := json.Marshal(remote)
	if err != nil {
		return nil
	}
	if string(localJSON) == string(remoteJSON) {
		return nil
	}
	return &Conflict{
		NodeID:     nodeID,
		Local:      localJSON,
		Remote:     remoteJSON,
		DetectedAt: now,
	}
}
