package roads

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/gjson"
	"github.com/tidwall/rtree"
)

// Segment is a named road polyline from the static road network
type Segment struct {
	ID       int64          `json:"osm_id"`
	Name     string         `json:"name"`
	Geometry orb.LineString `json:"geometry"`
}

// DatasetError reports a missing or malformed road network dataset
type DatasetError struct {
	Path  string
	Index int // offending segment, -1 when the whole dataset is at fault
	Err   error
}

func (e *DatasetError) Error() string {
	var b strings.Builder
	b.WriteString("road dataset")
	if e.Path != "" {
		b.WriteString(" " + e.Path)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, " segment %d", e.Index)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *DatasetError) Unwrap() error {
	return e.Err
}

// Network indexes road segments by bounding box. It is immutable after
// construction, so concurrent reads need no locking.
type Network struct {
	segments []Segment
	tree     rtree.RTreeG[int]
}

// LoadFile reads a road dataset from disk
func LoadFile(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DatasetError{Path: path, Index: -1, Err: err}
	}

	n, err := Parse(data)
	if err != nil {
		var de *DatasetError
		if errors.As(err, &de) {
			de.Path = path
		}
		return nil, err
	}
	return n, nil
}

// Parse decodes either the extractor's JSON array format or a GeoJSON
// FeatureCollection of LineString features
func Parse(data []byte) (*Network, error) {
	if !gjson.ValidBytes(data) {
		return nil, &DatasetError{Index: -1, Err: errors.New("invalid JSON")}
	}

	var (
		segments []Segment
		err      error
	)
	if gjson.GetBytes(data, "type").String() == "FeatureCollection" {
		segments, err = parseGeoJSON(data)
	} else {
		segments, err = parseSegmentArray(data)
	}
	if err != nil {
		return nil, err
	}

	return NewNetwork(segments)
}

type rawSegment struct {
	OSMID    int64       `json:"osm_id"`
	Name     string      `json:"name"`
	Geometry [][]float64 `json:"geometry"`
}

func parseSegmentArray(data []byte) ([]Segment, error) {
	var raw []rawSegment
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &DatasetError{Index: -1, Err: fmt.Errorf("failed to decode segments: %w", err)}
	}

	segments := make([]Segment, 0, len(raw))
	for i, r := range raw {
		line := make(orb.LineString, 0, len(r.Geometry))
		for _, c := range r.Geometry {
			if len(c) < 2 {
				return nil, &DatasetError{Index: i, Err: fmt.Errorf("coordinate %v needs longitude and latitude", c)}
			}
			line = append(line, orb.Point{c[0], c[1]})
		}
		segments = append(segments, Segment{ID: r.OSMID, Name: r.Name, Geometry: line})
	}
	return segments, nil
}

func parseGeoJSON(data []byte) ([]Segment, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, &DatasetError{Index: -1, Err: fmt.Errorf("failed to decode feature collection: %w", err)}
	}

	var segments []Segment
	for i, f := range fc.Features {
		name := f.Properties.MustString("name", "")
		id := int64(f.Properties.MustInt("osm_id", 0))

		switch g := f.Geometry.(type) {
		case orb.LineString:
			segments = append(segments, Segment{ID: id, Name: name, Geometry: g})
		case orb.MultiLineString:
			for _, ls := range g {
				segments = append(segments, Segment{ID: id, Name: name, Geometry: ls})
			}
		case nil:
			return nil, &DatasetError{Index: i, Err: errors.New("missing geometry")}
		default:
			return nil, &DatasetError{Index: i, Err: fmt.Errorf("unsupported geometry type %s", f.Geometry.GeoJSONType())}
		}
	}
	return segments, nil
}

// NewNetwork validates the segments and builds the spatial index. Any
// invalid segment fails the whole load.
func NewNetwork(segments []Segment) (*Network, error) {
	n := &Network{segments: make([]Segment, len(segments))}

	for i, s := range segments {
		if err := validateSegment(s); err != nil {
			return nil, &DatasetError{Index: i, Err: err}
		}
		s.Name = strings.TrimSpace(s.Name)
		n.segments[i] = s

		b := s.Geometry.Bound()
		n.tree.Insert([2]float64{b.Min[0], b.Min[1]}, [2]float64{b.Max[0], b.Max[1]}, i)
	}

	return n, nil
}

func validateSegment(s Segment) error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("missing name")
	}
	if len(s.Geometry) < 2 {
		return fmt.Errorf("geometry of %q has %d points, need at least 2", s.Name, len(s.Geometry))
	}
	for _, p := range s.Geometry {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			return fmt.Errorf("geometry of %q has a non-finite coordinate", s.Name)
		}
	}
	return nil
}

// Len returns the number of indexed segments
func (n *Network) Len() int {
	if n == nil {
		return 0
	}
	return len(n.segments)
}

// Segments returns a copy of the indexed segments
func (n *Network) Segments() []Segment {
	if n == nil {
		return nil
	}
	out := make([]Segment, len(n.segments))
	copy(out, n.segments)
	return out
}

// NearestCandidates returns up to k segments whose bounding boxes are closest
// to pt, in ascending box distance. Box distance is only a pre-filter: the
// closest box does not necessarily hold the closest line.
func (n *Network) NearestCandidates(pt orb.Point, k int) []*Segment {
	if n == nil || k <= 0 || len(n.segments) == 0 {
		return nil
	}

	target := [2]float64{pt[0], pt[1]}
	out := make([]*Segment, 0, k)
	n.tree.Nearby(
		rtree.BoxDist[float64, int](target, target, nil),
		func(_, _ [2]float64, idx int, _ float64) bool {
			out = append(out, &n.segments[idx])
			return len(out) < k
		},
	)
	return out
}
