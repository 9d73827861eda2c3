package geocell

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellForPointStable(t *testing.T) {
	a := CellForPoint(42.2945, -83.713, DefaultResolution)
	b := CellForPoint(42.2945, -83.713, DefaultResolution)
	assert.Equal(t, a, b)

	// Far-apart points land in different cells.
	c := CellForPoint(40.0, -75.0, DefaultResolution)
	assert.NotEqual(t, a, c)
}

func TestCellIDEmbedsResolution(t *testing.T) {
	id := CellForPoint(10, 20, 5)
	assert.True(t, strings.HasPrefix(string(id), "5:"))
	assert.NotEqual(t, id, CellForPoint(10, 20, 6))
}

func TestCellsForBboxContainsInteriorPoints(t *testing.T) {
	b := Bbox{MinLat: 41.5, MinLon: -84.5, MaxLat: 43.0, MaxLon: -82.5}
	cells := CellsForBbox(b, DefaultResolution)
	require.NotEmpty(t, cells)

	// Every sampled interior point's cell is in the cover.
	for lat := b.MinLat; lat <= b.MaxLat; lat += 0.1 {
		for lon := b.MinLon; lon <= b.MaxLon; lon += 0.1 {
			cell := CellForPoint(lat, lon, DefaultResolution)
			_, ok := cells[cell]
			assert.True(t, ok, "cell %s for (%f,%f) missing from cover", cell, lat, lon)
		}
	}
}

func TestCellsForBboxDisjointViewports(t *testing.T) {
	left := CellsForBbox(Bbox{MinLat: 10, MinLon: 10, MaxLat: 11, MaxLon: 11}, DefaultResolution)
	right := CellsForBbox(Bbox{MinLat: 10, MinLon: 40, MaxLat: 11, MaxLon: 41}, DefaultResolution)
	for cell := range left {
		_, shared := right[cell]
		assert.False(t, shared, "distant viewports must not share cell %s", cell)
	}
}

func TestCellsForBboxInvalid(t *testing.T) {
	assert.Empty(t, CellsForBbox(Bbox{MinLat: 5, MinLon: 5, MaxLat: 4, MaxLon: 6}, DefaultResolution))
	assert.Empty(t, CellsForBbox(Bbox{MinLat: -95, MinLon: 0, MaxLat: 0, MaxLon: 1}, DefaultResolution))
}

func TestBboxValid(t *testing.T) {
	assert.True(t, Bbox{MinLat: -90, MinLon: -180, MaxLat: 90, MaxLon: 180}.Valid())
	assert.False(t, Bbox{MinLat: 0, MinLon: 0, MaxLat: 0, MaxLon: 0}.Valid())
}
