package model

// ChangeScope selects what an edit targets.
type ChangeScope string

const (
	ScopeTrip ChangeScope = "trip"
	ScopeDay  ChangeScope = "day"
)

// OperationType is the kind of edit inside a ChangeSet.
type OperationType string

const (
	OpMove   OperationType = "move"
	OpInsert OperationType = "insert"
	OpDelete OperationType = "delete"
)

// ChangeOperation is a single edit referencing nodes by id.
type ChangeOperation struct {
	Type      OperationType  `json:"type" validate:"required,oneof=move insert delete"`
	NodeID    string         `json:"node_id" validate:"required_unless=Type insert"`
	TargetDay int            `json:"target_day,omitempty"`
	Position  int            `json:"position,omitempty"`
	Node      *Node          `json:"node,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Preferences influence how the server resolves ambiguous operations.
// Placement is decided entirely server-side; this block is the client's only
// input into that decision.
type Preferences struct {
	UserFirst    bool `json:"userFirst"`
	AutoApply    bool `json:"autoApply"`
	RespectLocks bool `json:"respectLocks"`
}

// ChangeSet is an atomic, declarative description of edits. It is immutable
// once submitted; either every operation lands in the resulting version or
// the whole apply fails.
type ChangeSet struct {
	Scope       ChangeScope       `json:"scope" validate:"required,oneof=trip day"`
	Day         int               `json:"day,omitempty" validate:"required_if=Scope day,omitempty,min=1"`
	Operations  []ChangeOperation `json:"operations" validate:"required,min=1,dive"`
	Preferences Preferences       `json:"preferences"`
}

// Clone returns a deep copy so an in-flight set cannot be mutated by the
// caller after submission.
func (cs *ChangeSet) Clone() *ChangeSet {
	out := *cs
	out.Operations = make([]ChangeOperation, len(cs.Operations))
	for i, op := range cs.Operations {
		cp := op
		if op.Node != nil {
			node := *op.Node
			cp.Node = &node
		}
		if op.Fields != nil {
			cp.Fields = make(map[string]any, len(op.Fields))
			for k, v := range op.Fields {
				cp.Fields[k] = v
			}
		}
		out.Operations[i] = cp
	}
	return &out
}

// EntityRef identifies an affected entity in a diff.
type EntityRef struct {
	ID     string         `json:"id"`
	Day    int            `json:"day,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Diff summarizes the effect of a protocol operation. It is informational:
// the client renders it for highlighting but never applies it by hand.
type Diff struct {
	Added   []EntityRef `json:"added,omitempty"`
	Removed []EntityRef `json:"removed,omitempty"`
	Updated []EntityRef `json:"updated,omitempty"`
}

// Empty reports whether the diff carries no entity references.
func (d *Diff) Empty() bool {
	return d == nil || (len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0)
}

// ProposeResponse is the dry-run result: a full preview plus its diff.
type ProposeResponse struct {
	Proposed       *Itinerary `json:"proposed"`
	Diff           Diff       `json:"diff"`
	PreviewVersion int64      `json:"previewVersion"`
}

// ApplyResponse is returned by apply, undo and redo. ToVersion is
// authoritative; the client adopts it verbatim.
type ApplyResponse struct {
	ToVersion int64 `json:"toVersion"`
	Diff      Diff  `json:"diff"`
}

// LockResponse acknowledges a node lock toggle.
type LockResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// PatchEvent is one live update on the SSE patch stream.
type PatchEvent struct {
	FromVersion int64  `json:"fromVersion"`
	ToVersion   int64  `json:"toVersion"`
	Diff        Diff   `json:"diff"`
	Summary     string `json:"summary,omitempty"`
}
