package roads

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// DefaultExtendPoints is how many road vertices a congestion segment grows by on each end
const DefaultExtendPoints = 3

// Extender snaps short congestion polylines onto the road network and
// lengthens them along the matched road
type Extender struct {
	network *Network
}

// NewExtender creates an extender over the given network, which may be nil
func NewExtender(network *Network) *Extender {
	return &Extender{network: network}
}

// Extend returns the stretch of the road nearest to the geometry's midpoint
// that covers the geometry, grown by extendPoints vertices on each end and
// clamped to the road. Geometries with fewer than two points, or an empty
// network, are returned unchanged.
func (e *Extender) Extend(geometry orb.LineString, extendPoints int) orb.LineString {
	if len(geometry) < 2 || e.network.Len() == 0 {
		return geometry
	}

	road := e.nearestRoad(geometry[len(geometry)/2])
	if road == nil {
		return geometry
	}

	lo, hi, reversed := extendIndices(road, geometry, extendPoints)

	out := make(orb.LineString, hi-lo+1)
	copy(out, road[lo:hi+1])
	if reversed {
		out.Reverse()
	}
	return out
}

// nearestRoad scans every road; the bounding-box index is not precise
// enough for picking the geometry to splice
func (e *Extender) nearestRoad(pt orb.Point) orb.LineString {
	minDist := math.Inf(1)
	var best orb.LineString
	for i := range e.network.segments {
		line := e.network.segments[i].Geometry
		if d := planar.DistanceFrom(line, pt); d < minDist {
			minDist = d
			best = line
		}
	}
	return best
}

// extendIndices returns the inclusive vertex range [lo, hi] of road to keep.
// reversed is set when the geometry runs against the road's vertex order.
func extendIndices(road, geometry orb.LineString, extendPoints int) (lo, hi int, reversed bool) {
	if extendPoints < 0 {
		extendPoints = 0
	}

	start := closestVertex(road, geometry[0])
	end := closestVertex(road, geometry[len(geometry)-1])
	if start > end {
		start, end = end, start
		reversed = true
	}

	lo = start - extendPoints
	if lo < 0 {
		lo = 0
	}
	hi = end + extendPoints
	if hi > len(road)-1 || hi < end { // hi < end on overflow
		hi = len(road) - 1
	}
	return lo, hi, reversed
}

func closestVertex(road orb.LineString, pt orb.Point) int {
	best := 0
	minDist := math.Inf(1)
	for i, v := range road {
		if d := planar.DistanceSquared(v, pt); d < minDist {
			minDist = d
			best = i
		}
	}
	return best
}
