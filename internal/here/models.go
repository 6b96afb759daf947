package here

import (
	"time"

	"github.com/paulmach/orb"
)

// FlowResult is one entry of the v7 flow response
type FlowResult struct {
	// Description is the provider's road description, usually a road name
	Description string
	// Shape is the location polyline in lon/lat order, nil when the provider sent none
	Shape orb.LineString

	Speed          float64 // m/s
	SpeedUncapped  float64
	FreeFlow       float64
	JamFactor      float64 // 0 (free flow) to 10 (road closed)
	Confidence     float64
	Traversability string
}

// IncidentResult is one entry of the v7 incidents response
type IncidentResult struct {
	ID                  string
	Type                string
	Description         string
	Criticality         string
	RoadClosed          bool
	StartTime           time.Time
	EndTime             time.Time
	LocationDescription string
	Shape               orb.LineString
}
