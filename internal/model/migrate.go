package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// The itinerary service has shipped several historical node shapes: "nodeType"
// before "type", coordinates as a [lat,lng] pair before the object form, and
// duration as a string of minutes. NormalizeNode migrates any of them into
// the canonical Node at the ingestion boundary so the rest of the engine only
// ever sees one shape.

type rawNode struct {
	ID         string          `json:"id"`
	Kind       NodeKind        `json:"type"`
	LegacyKind NodeKind        `json:"nodeType"`
	Title      string          `json:"title"`
	Name       string          `json:"name"`
	Location   rawLocation     `json:"location"`
	Timing     rawTiming       `json:"timing"`
	Cost       json.Number     `json:"cost"`
	Locked     bool            `json:"locked"`
	BookingRef string          `json:"booking_ref"`
	UpdatedBy  string          `json:"updated_by"`
	UpdatedAt  json.RawMessage `json:"updated_at"`
}

type rawLocation struct {
	Name        string          `json:"name"`
	Address     string          `json:"address"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type rawTiming struct {
	Start    string      `json:"start"`
	End      string      `json:"end"`
	Duration json.Number `json:"duration_min"`
	// Oldest shape spelled it "duration" with a string value.
	LegacyDuration json.RawMessage `json:"duration"`
}

// UnmarshalJSON routes every decoded node through NormalizeNode, so itinerary
// payloads are migrated wherever they enter the engine and the rest of the
// code only ever sees the canonical shape.
func (n *Node) UnmarshalJSON(data []byte) error {
	node, err := NormalizeNode(data)
	if err != nil {
		return err
	}
	*n = node
	return nil
}

// NormalizeNode parses a node from any historical wire shape into the
// canonical form. Unknown kinds are rejected rather than passed through.
func NormalizeNode(data json.RawMessage) (Node, error) {
	var raw rawNode
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Node{}, fmt.Errorf("failed to parse node: %w", err)
	}

	node := Node{
		ID:         raw.ID,
		Kind:       raw.Kind,
		Title:      raw.Title,
		Locked:     raw.Locked,
		BookingRef: raw.BookingRef,
		UpdatedBy:  raw.UpdatedBy,
	}
	if node.Kind == "" {
		node.Kind = raw.LegacyKind
	}
	if node.Title == "" {
		node.Title = raw.Name
	}
	if node.ID == "" {
		return Node{}, fmt.Errorf("node has no id")
	}
	if !node.Kind.Valid() {
		return Node{}, fmt.Errorf("node %s: unknown kind %q", node.ID, node.Kind)
	}

	node.Location = Location{
		Name:    raw.Location.Name,
		Address: raw.Location.Address,
	}
	coords, err := normalizeCoordinates(raw.Location.Coordinates)
	if err != nil {
		return Node{}, fmt.Errorf("node %s: %w", node.ID, err)
	}
	node.Location.Coordinates = coords

	node.Timing = Timing{Start: raw.Timing.Start, End: raw.Timing.End}
	if raw.Timing.Duration != "" {
		if mins, err := raw.Timing.Duration.Int64(); err == nil {
			node.Timing.DurationMin = int(mins)
		}
	} else if len(raw.Timing.LegacyDuration) > 0 {
		node.Timing.DurationMin = parseLegacyDuration(raw.Timing.LegacyDuration)
	}

	if raw.Cost != "" {
		if cost, err := raw.Cost.Float64(); err == nil {
			node.Cost = cost
		}
	}

	if len(raw.UpdatedAt) > 0 {
		// Tolerant parse; a malformed timestamp is not worth rejecting the node.
		_ = json.Unmarshal(raw.UpdatedAt, &node.UpdatedAt)
	}

	return node, nil
}

// normalizeCoordinates accepts either {"lat":..,"lng":..} or the legacy
// [lat, lng] pair.
func normalizeCoordinates(data json.RawMessage) (*Coordinates, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var obj Coordinates
	if err := json.Unmarshal(data, &obj); err == nil {
		return &obj, nil
	}

	var pair []float64
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return nil, fmt.Errorf("coordinate pair has %d elements", len(pair))
		}
		return &Coordinates{Lat: pair[0], Lng: pair[1]}, nil
	}

	return nil, fmt.Errorf("unrecognized coordinates shape")
}

// parseLegacyDuration handles "90", "90m" and bare numbers.
func parseLegacyDuration(data json.RawMessage) int {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if len(s) > 1 && s[len(s)-1] == 'm' {
			s = s[:len(s)-1]
		}
		if mins, err := strconv.Atoi(s); err == nil {
			return mins
		}
	}
	return 0
}
