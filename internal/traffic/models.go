package traffic

import (
	"time"

	"github.com/paulmach/orb"
)

// Source identifies an independently refreshed provider feed
type Source string

const (
	SourceFlow      Source = "flow"
	SourceIncidents Source = "incidents"
)

// Sources lists every feed in refresh order
var Sources = []Source{SourceFlow, SourceIncidents}

// ParseSource validates a source name
func ParseSource(s string) (Source, error) {
	for _, src := range Sources {
		if string(src) == s {
			return src, nil
		}
	}
	return "", ErrUnknownSource
}

// RawRecord is one provider observation before enrichment. It only lives
// for a single pipeline pass.
type RawRecord struct {
	Source Source

	// RoadDescription is the provider's location description
	RoadDescription string
	// Description is free text, e.g. "Accident at Geary Blvd - right lane blocked"
	Description string
	// Shape is lon/lat ordered; its first point is the record's position
	Shape orb.LineString

	Speed      float64
	FreeFlow   float64
	JamFactor  float64
	Confidence float64

	IncidentID   string
	IncidentType string
	Criticality  string
	RoadClosed   bool
	StartTime    time.Time
	EndTime      time.Time
}

// Position returns the record's point, false when the provider sent no shape
func (r RawRecord) Position() (orb.Point, bool) {
	if len(r.Shape) == 0 {
		return orb.Point{}, false
	}
	return r.Shape[0], true
}

// FlowRecord is an enriched traffic flow observation
type FlowRecord struct {
	ID         int64          `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	RoadName   string         `json:"road_name"`
	Speed      float64        `json:"speed"`
	FreeFlow   float64        `json:"free_flow"`
	JamFactor  float64        `json:"congestion_level"`
	Confidence float64        `json:"confidence"`
	Lat        float64        `json:"latitude"`
	Lon        float64        `json:"longitude"`
	Geometry   orb.LineString `json:"geometry,omitempty"`
}

// IncidentRecord is an enriched traffic incident
type IncidentRecord struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	ExternalID  string    `json:"external_id,omitempty"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Criticality string    `json:"criticality,omitempty"`
	RoadClosed  bool      `json:"road_closed"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	RoadName    string    `json:"road_name"`
}
