package syncqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripforge/itinerary-engine/internal/model"
)

func TestDetectConflict(t *testing.T) {
	now := time.Now()

	local := model.Node{ID: "n1", Kind: model.KindMeal, Title: "Lunch at Petit Bistro"}
	same := model.Node{ID: "n1", Kind: model.KindMeal, Title: "Lunch at Petit Bistro"}
	changed := model.Node{ID: "n1", Kind: model.KindMeal, Title: "Dinner at Petit Bistro"}

	assert.Nil(t, DetectConflict("n1", local, same, now), "structurally equal values are not a conflict")

	conflict := DetectConflict("n1", local, changed, now)
	require.NotNil(t, conflict)
	assert.Equal(t, "n1", conflict.NodeID)
	assert.Equal(t, now, conflict.DetectedAt)
	assert.Contains(t, string(conflict.Local), "Lunch")
	assert.Contains(t, string(conflict.Remote), "Dinner")
}

func TestDetectConflictMapOrderInsensitive(t *testing.T) {
	local := map[string]any{"a": 1, "b": 2}
	remote := map[string]any{"b": 2, "a": 1}
	assert.Nil(t, DetectConflict("", local, remote, time.Now()),
		"canonical JSON comparison must ignore map iteration order")
}

func TestDetectConflictUnserializable(t *testing.T) {
	assert.Nil(t, DetectConflict("n1", func() {}, "x", time.Now()),
		"unserializable input is not reported as a conflict")
}
