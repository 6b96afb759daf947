package roads

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Distances are planar degrees, roughly 111km per degree. The constants are
// applied uniformly regardless of latitude.
const (
	// MatchThreshold (~33m) is the strict upper bound for trusting the road network name
	MatchThreshold = 0.0003
	// WarnThreshold (~55m) marks a point as a matching anomaly
	WarnThreshold = 0.0005

	DefaultCandidateCount = 5
	UnknownRoad           = "Unknown Road"

	metersPerDegree = 111_320.0
)

// Match is the outcome of reconciling one point with the road network
type Match struct {
	Name     string
	Distance float64 // degrees to the closest candidate, +Inf when there was none

	RoadName     string // closest network road, "" when none was usable
	Intersection string
	ProviderName string

	// Near is set when the network name was trusted (Distance < MatchThreshold)
	Near bool
	// Anomaly is set when the point is farther than WarnThreshold from any road
	Anomaly bool
}

// DistanceMeters converts Distance to an approximate metric value for logs
func (m Match) DistanceMeters() float64 {
	return m.Distance * metersPerDegree
}

// Matcher reconciles provider locations with the road network
type Matcher struct {
	network      *Network
	candidates   int
	searchRadius float64
}

// MatcherOption customizes a Matcher
type MatcherOption func(*Matcher)

// WithCandidateCount sets how many bounding-box candidates are refined
func WithCandidateCount(k int) MatcherOption {
	return func(m *Matcher) {
		if k > 0 {
			m.candidates = k
		}
	}
}

// WithSearchRadius bounds, in degrees, how far a road may be and still lend
// its name to the fallback branch. Zero disables the bound.
func WithSearchRadius(deg float64) MatcherOption {
	return func(m *Matcher) {
		if deg >= 0 {
			m.searchRadius = deg
		}
	}
}

// NewMatcher creates a matcher over the given network, which may be nil
func NewMatcher(network *Network, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		network:    network,
		candidates: DefaultCandidateCount,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match returns the canonical road name for pt. The description is the
// provider's free text and may be empty.
func (m *Matcher) Match(pt orb.Point, description string) Match {
	res := Match{Distance: math.Inf(1)}

	var best *Segment
	for _, c := range m.network.NearestCandidates(pt, m.candidates) {
		if d := planar.DistanceFrom(c.Geometry, pt); d < res.Distance {
			res.Distance = d
			best = c
		}
	}

	if description != "" {
		res.Intersection = ExtractIntersection(description)
		res.ProviderName = ExtractProviderRoadName(description)
	}

	switch {
	case best == nil:
		res.Name = UnknownRoad

	case res.Distance < MatchThreshold:
		res.Near = true
		res.RoadName = best.Name
		res.Name = best.Name
		if res.Intersection != "" && !strings.Contains(res.Intersection, best.Name) {
			res.Name = fmt.Sprintf("%s at %s", best.Name, res.Intersection)
		}

	default:
		if m.searchRadius == 0 || res.Distance <= m.searchRadius {
			res.RoadName = best.Name
		}
		switch {
		case res.ProviderName != "":
			res.Name = res.ProviderName
		case res.RoadName != "":
			res.Name = res.RoadName
		default:
			res.Name = UnknownRoad
		}
	}

	res.Anomaly = res.Distance > WarnThreshold
	return res
}
