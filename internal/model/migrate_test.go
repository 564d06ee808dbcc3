package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeNodeCanonicalShape(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "n1",
		"type": "attraction",
		"title": "Sagrada Familia",
		"location": {"name": "Sagrada Familia", "address": "Barcelona", "coordinates": {"lat": 41.4036, "lng": 2.1744}},
		"timing": {"start": "09:00", "end": "11:00", "duration_min": 120},
		"cost": 26.5,
		"locked": true,
		"booking_ref": "BK-1234"
	}`)

	node, err := NormalizeNode(raw)
	require.NoError(t, err)
	assert.Equal(t, "n1", node.ID)
	assert.Equal(t, KindAttraction, node.Kind)
	assert.Equal(t, "Sagrada Familia", node.Title)
	require.NotNil(t, node.Location.Coordinates)
	assert.InDelta(t, 41.4036, node.Location.Coordinates.Lat, 0.0001)
	assert.Equal(t, 120, node.Timing.DurationMin)
	assert.InDelta(t, 26.5, node.Cost, 0.001)
	assert.True(t, node.Locked)
	assert.Equal(t, "BK-1234", node.BookingRef)
}

func TestNormalizeNodeLegacyShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want func(t *testing.T, node Node)
	}{
		{
			name: "nodeType instead of type",
			raw:  `{"id":"n1","nodeType":"meal","title":"Lunch"}`,
			want: func(t *testing.T, node Node) {
				assert.Equal(t, KindMeal, node.Kind)
			},
		},
		{
			name: "name instead of title",
			raw:  `{"id":"n1","type":"transit","name":"Airport transfer"}`,
			want: func(t *testing.T, node Node) {
				assert.Equal(t, "Airport transfer", node.Title)
			},
		},
		{
			name: "coordinates as pair",
			raw:  `{"id":"n1","type":"accommodation","title":"Hotel","location":{"coordinates":[48.8566, 2.3522]}}`,
			want: func(t *testing.T, node Node) {
				require.NotNil(t, node.Location.Coordinates)
				assert.InDelta(t, 48.8566, node.Location.Coordinates.Lat, 0.0001)
				assert.InDelta(t, 2.3522, node.Location.Coordinates.Lng, 0.0001)
			},
		},
		{
			name: "duration as string with suffix",
			raw:  `{"id":"n1","type":"meal","title":"Dinner","timing":{"duration":"90m"}}`,
			want: func(t *testing.T, node Node) {
				assert.Equal(t, 90, node.Timing.DurationMin)
			},
		},
		{
			name: "duration as bare number",
			raw:  `{"id":"n1","type":"meal","title":"Dinner","timing":{"duration":45}}`,
			want: func(t *testing.T, node Node) {
				assert.Equal(t, 45, node.Timing.DurationMin)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := NormalizeNode(json.RawMessage(tt.raw))
			require.NoError(t, err)
			tt.want(t, node)
		})
	}
}

func TestNormalizeNodeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing id", `{"type":"meal","title":"Lunch"}`},
		{"unknown kind", `{"id":"n1","type":"teleport","title":"???"}`},
		{"no kind at all", `{"id":"n1","title":"Mystery"}`},
		{"malformed coordinates", `{"id":"n1","type":"meal","title":"x","location":{"coordinates":[1]}}`},
		{"not json", `{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeNode(json.RawMessage(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestItineraryDecodeNormalizesNodes(t *testing.T) {
	raw := []byte(`{
		"itinerary_id": "it_1",
		"version": 3,
		"days": [{
			"day_number": 1,
			"nodes": [
				{"id": "n1", "nodeType": "meal", "name": "Lunch", "location": {"coordinates": [48.85, 2.35]}},
				{"id": "n2", "type": "attraction", "title": "Louvre"}
			]
		}]
	}`)

	var it Itinerary
	require.NoError(t, json.Unmarshal(raw, &it))
	require.Len(t, it.Days, 1)
	require.Len(t, it.Days[0].Nodes, 2)

	legacy := it.Days[0].Nodes[0]
	assert.Equal(t, KindMeal, legacy.Kind)
	assert.Equal(t, "Lunch", legacy.Title)
	require.NotNil(t, legacy.Location.Coordinates)
	assert.InDelta(t, 48.85, legacy.Location.Coordinates.Lat, 0.0001)

	assert.Equal(t, KindAttraction, it.Days[0].Nodes[1].Kind)
}

func TestItineraryDecodeRejectsUnknownKind(t *testing.T) {
	raw := []byte(`{"itinerary_id":"it_1","version":1,"days":[{"day_number":1,"nodes":[{"id":"n1","type":"teleport"}]}]}`)
	var it Itinerary
	assert.Error(t, json.Unmarshal(raw, &it))
}

func TestChangeSetClone(t *testing.T) {
	node := &Node{ID: "n9", Kind: KindMeal, Title: "Dinner"}
	cs := &ChangeSet{
		Scope: ScopeDay,
		Day:   2,
		Operations: []ChangeOperation{
			{Type: OpInsert, Node: node, Fields: map[string]any{"slot": "evening"}},
		},
	}

	clone := cs.Clone()
	clone.Operations[0].Node.Title = "Breakfast"
	clone.Operations[0].Fields["slot"] = "morning"

	assert.Equal(t, "Dinner", cs.Operations[0].Node.Title)
	assert.Equal(t, "evening", cs.Operations[0].Fields["slot"])
}

func TestDiffEmpty(t *testing.T) {
	assert.True(t, (&Diff{}).Empty())
	assert.True(t, (*Diff)(nil).Empty())
	assert.False(t, (&Diff{Added: []EntityRef{{ID: "n1"}}}).Empty())
}
