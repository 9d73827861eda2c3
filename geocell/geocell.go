// Package geocell implements the hierarchical hexagonal index used to shard
// realtime updates by geography. Cells are pointy-top hexagons laid out on
// the lat/lon plane in axial coordinates; each resolution step halves the
// hexagon size, and every id embeds its resolution so mixed-resolution ids
// never collide.
//
// The index trades the geodesic exactness of a spherical grid for a closed
// form both sides of the wire can compute; viewports small enough to matter
// are small enough for planar hexes.
package geocell

import (
	"fmt"
	"math"
)

// DefaultResolution matches the resolution the dashboard front-end indexes
// at; both sides must agree or subscriptions silently miss events.
const DefaultResolution = 7

// baseSize is the resolution-0 circumradius in degrees.
const baseSize = 45.0

const sqrt3 = 1.7320508075688772

// CellID identifies one hexagonal cell at a fixed resolution.
type CellID string

// Bbox is a geographic bounding box in decimal degrees.
type Bbox struct {
	MinLat float64 `json:"minLat"`
	MinLon float64 `json:"minLon"`
	MaxLat float64 `json:"maxLat"`
	MaxLon float64 `json:"maxLon"`
}

// Valid reports whether the box is ordered and within WGS84 bounds.
func (b Bbox) Valid() bool {
	return b.MinLat >= -90 && b.MaxLat <= 90 &&
		b.MinLon >= -180 && b.MaxLon <= 180 &&
		b.MinLat < b.MaxLat && b.MinLon < b.MaxLon
}

// size returns the hexagon circumradius in degrees at the given resolution.
func size(res int) float64 {
	return baseSize / math.Pow(2, float64(res))
}

// CellForPoint returns the cell containing (lat, lon) at resolution res.
func CellForPoint(lat, lon float64, res int) CellID {
	q, r := axialForPoint(lat, lon, size(res))
	return CellID(fmt.Sprintf("%d:%d:%d", res, q, r))
}

// CellsForBbox returns every cell at resolution res that can intersect the
// box (the cover may include a one-cell fringe past the edges; it never
// misses a cell whose hexagon touches the box).
func CellsForBbox(b Bbox, res int) map[CellID]struct{} {
	cells := make(map[CellID]struct{})
	if !b.Valid() {
		return cells
	}
	s := size(res)

	// Any hex intersecting the box has its center within one circumradius
	// of it, so enumerating centers over the padded box covers everything.
	rMin := int(math.Floor((b.MinLat - s) / (1.5 * s)))
	rMax := int(math.Ceil((b.MaxLat + s) / (1.5 * s)))
	for r := rMin; r <= rMax; r++ {
		// Row offset: x = s*sqrt3*(q + r/2)
		qMin := int(math.Floor((b.MinLon-s)/(s*sqrt3) - float64(r)/2))
		qMax := int(math.Ceil((b.MaxLon+s)/(s*sqrt3) - float64(r)/2))
		for q := qMin; q <= qMax; q++ {
			cells[CellID(fmt.Sprintf("%d:%d:%d", res, q, r))] = struct{}{}
		}
	}
	return cells
}

// axialForPoint converts a point to rounded axial hex coordinates for
// pointy-top hexes of circumradius s.
func axialForPoint(lat, lon float64, s float64) (int, int) {
	qf := (sqrt3/3*lon - lat/3) / s
	rf := (2.0 / 3.0 * lat) / s
	return axialRound(qf, rf)
}

// axialRound rounds fractional axial coordinates via cube rounding.
func axialRound(qf, rf float64) (int, int) {
	sf := -qf - rf
	q := math.Round(qf)
	r := math.Round(rf)
	sv := math.Round(sf)

	dq := math.Abs(q - qf)
	dr := math.Abs(r - rf)
	ds := math.Abs(sv - sf)

	switch {
	case dq > dr && dq > ds:
		q = -r - sv
	case dr > ds:
		r = -q - sv
	}
	return int(q), int(r)
}
