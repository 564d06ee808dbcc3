// Package model defines the itinerary aggregate and the wire types exchanged
// with the remote itinerary service.
package model

import (
	"context"
	"time"
)

// Itinerary is the aggregate root. Version is server-assigned and
// monotonically increasing; the engine never computes its own next version.
type Itinerary struct {
	ID          string                 `json:"itinerary_id"`
	Version     int64                  `json:"version"`
	Days        []Day                  `json:"days"`
	Settings    Settings               `json:"settings"`
	AgentStatus map[string]AgentStatus `json:"agent_status,omitempty"`
}

// Day groups nodes under one day of the trip, ordered by DayNumber.
type Day struct {
	DayNumber int    `json:"day_number"`
	Date      string `json:"date,omitempty"`
	Nodes     []Node `json:"nodes"`
}

// Settings holds trip-wide planning settings.
type Settings struct {
	Destination string `json:"destination,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Travelers   int    `json:"travelers,omitempty"`
	Pace        string `json:"pace,omitempty"`
}

// AgentStatus reports per-agent generation progress on the itinerary.
type AgentStatus struct {
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeKind is the schedulable unit type.
type NodeKind string

const (
	KindAttraction    NodeKind = "attraction"
	KindMeal          NodeKind = "meal"
	KindAccommodation NodeKind = "accommodation"
	KindTransit       NodeKind = "transit"
)

// Valid reports whether the kind is one of the known node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindAttraction, KindMeal, KindAccommodation, KindTransit:
		return true
	}
	return false
}

// Coordinates is a geographic point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location describes where a node takes place.
type Location struct {
	Name        string       `json:"name,omitempty"`
	Address     string       `json:"address,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// Timing describes when a node is scheduled.
type Timing struct {
	Start       string `json:"start,omitempty"`
	End         string `json:"end,omitempty"`
	DurationMin int    `json:"duration_min,omitempty"`
}

// Node is a schedulable unit inside a day. IDs are opaque strings and unique
// within an itinerary. Locked is advisory: it asks operations to avoid
// unsolicited modification but is not enforced here.
type Node struct {
	ID         string    `json:"id"`
	Kind       NodeKind  `json:"type"`
	Title      string    `json:"title"`
	Location   Location  `json:"location"`
	Timing     Timing    `json:"timing"`
	Cost       float64   `json:"cost,omitempty"`
	Locked     bool      `json:"locked"`
	BookingRef string    `json:"booking_ref,omitempty"`
	UpdatedBy  string    `json:"updated_by,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// NodePosition is a canvas position for one node in the workflow view.
type NodePosition struct {
	NodeID string  `json:"nodeId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// CoordinateResolver resolves a place name to coordinates. Geocoding is an
// external collaborator; a nil result means the place could not be resolved.
type CoordinateResolver interface {
	ResolveCoordinates(ctx context.Context, placeName string) (*Coordinates, error)
}
