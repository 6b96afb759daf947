package traffic

import (
	"context"
	"time"

	"github.com/paulmach/orb"
)

// Store persists enriched records. Each insert is all-or-nothing, as is a
// delete-by-cutoff.
type Store interface {
	InsertFlows(ctx context.Context, records []FlowRecord) error
	InsertIncidents(ctx context.Context, records []IncidentRecord) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// FlowQuery filters stored flow records. Zero values disable a filter.
type FlowQuery struct {
	Since    time.Time
	BBox     *orb.Bound
	RoadName string // substring match
	Limit    int
}

// IncidentQuery filters stored incidents. Zero values disable a filter.
type IncidentQuery struct {
	Since time.Time
	BBox  *orb.Bound
	Type  string
	Limit int
}

// Reader serves stored records to the query surface
type Reader interface {
	ListFlows(ctx context.Context, q FlowQuery) ([]FlowRecord, error)
	ListIncidents(ctx context.Context, q IncidentQuery) ([]IncidentRecord, error)
	RoadNames(ctx context.Context, since time.Time) ([]string, error)
}
