package traffic

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/yegors/co-traffic/internal/roads"
	"github.com/yegors/co-traffic/pkg/logger"
)

// Transformer enriches raw provider records with canonical road names and,
// for flow, geometry extended along the matched road
type Transformer struct {
	matcher      *roads.Matcher
	extender     *roads.Extender
	extendPoints int
	logger       *logger.Logger
}

// NewTransformer creates a transformer. extendPoints below zero is treated as zero.
func NewTransformer(matcher *roads.Matcher, extender *roads.Extender, extendPoints int, logger *logger.Logger) *Transformer {
	if extendPoints < 0 {
		extendPoints = 0
	}
	return &Transformer{
		matcher:      matcher,
		extender:     extender,
		extendPoints: extendPoints,
		logger:       logger.Named("transform"),
	}
}

// Flows enriches flow records. Records without a position are dropped.
func (t *Transformer) Flows(raws []RawRecord, ts time.Time) []FlowRecord {
	records := make([]FlowRecord, 0, len(raws))
	for _, raw := range raws {
		pt, ok := raw.Position()
		if !ok {
			t.logger.Warn("Skipping flow record without shape",
				logger.String("description", raw.RoadDescription))
			continue
		}

		records = append(records, FlowRecord{
			Timestamp:  ts,
			RoadName:   t.resolveName(pt, raw.Description, raw.RoadDescription),
			Speed:      raw.Speed,
			FreeFlow:   raw.FreeFlow,
			JamFactor:  raw.JamFactor,
			Confidence: raw.Confidence,
			Lat:        pt.Lat(),
			Lon:        pt.Lon(),
			Geometry:   t.extender.Extend(raw.Shape, t.extendPoints),
		})
	}
	return records
}

// Incidents enriches incident records. Records without a position are dropped.
func (t *Transformer) Incidents(raws []RawRecord, ts time.Time) []IncidentRecord {
	records := make([]IncidentRecord, 0, len(raws))
	for _, raw := range raws {
		pt, ok := raw.Position()
		if !ok {
			t.logger.Warn("Skipping incident without shape",
				logger.String("incident_id", raw.IncidentID),
				logger.String("description", raw.Description))
			continue
		}

		records = append(records, IncidentRecord{
			Timestamp:   ts,
			ExternalID:  raw.IncidentID,
			Type:        raw.IncidentType,
			Description: raw.Description,
			Criticality: raw.Criticality,
			RoadClosed:  raw.RoadClosed,
			StartTime:   raw.StartTime,
			EndTime:     raw.EndTime,
			Lat:         pt.Lat(),
			Lon:         pt.Lon(),
			RoadName:    t.resolveName(pt, raw.Description, raw.RoadDescription),
		})
	}
	return records
}

// ResolveName matches a single point, used when re-enriching stored incidents
func (t *Transformer) ResolveName(pt orb.Point, description, locationDescription string) string {
	return t.resolveName(pt, description, locationDescription)
}

func (t *Transformer) resolveName(pt orb.Point, description, locationDescription string) string {
	m := t.matcher.Match(pt, description)
	if m.Anomaly {
		t.logger.Warn("Point is far from the road network",
			logger.Float64("lat", pt.Lat()),
			logger.Float64("lon", pt.Lon()),
			logger.Float64("distance_deg", m.Distance),
			logger.Float64("distance_m", m.DistanceMeters()),
			logger.String("resolved", m.Name),
		)
	}

	if m.Name == roads.UnknownRoad && locationDescription != "" {
		return locationDescription
	}
	return m.Name
}
