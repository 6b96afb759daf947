package traffic

import (
	"context"
	"fmt"

	"github.com/yegors/co-traffic/internal/here"
)

// Fetcher retrieves raw provider records for one source within a bbox
type Fetcher interface {
	Fetch(ctx context.Context, source Source, bbox string) ([]RawRecord, error)
}

type hereAPI interface {
	FetchFlow(ctx context.Context, bbox string) ([]here.FlowResult, error)
	FetchIncidents(ctx context.Context, bbox string) ([]here.IncidentResult, error)
}

// HereFetcher adapts the HERE client to Fetcher
type HereFetcher struct {
	client hereAPI
}

// NewHereFetcher creates a Fetcher backed by the HERE client
func NewHereFetcher(client *here.Client) *HereFetcher {
	return &HereFetcher{client: client}
}

// Fetch implements Fetcher
func (f *HereFetcher) Fetch(ctx context.Context, source Source, bbox string) ([]RawRecord, error) {
	switch source {
	case SourceFlow:
		flows, err := f.client.FetchFlow(ctx, bbox)
		if err != nil {
			return nil, err
		}
		records := make([]RawRecord, 0, len(flows))
		for _, fl := range flows {
			records = append(records, RawRecord{
				Source:          SourceFlow,
				RoadDescription: fl.Description,
				Description:     fl.Description,
				Shape:           fl.Shape,
				Speed:           fl.Speed,
				FreeFlow:        fl.FreeFlow,
				JamFactor:       fl.JamFactor,
				Confidence:      fl.Confidence,
			})
		}
		return records, nil

	case SourceIncidents:
		incidents, err := f.client.FetchIncidents(ctx, bbox)
		if err != nil {
			return nil, err
		}
		records := make([]RawRecord, 0, len(incidents))
		for _, in := range incidents {
			records = append(records, RawRecord{
				Source:          SourceIncidents,
				RoadDescription: in.LocationDescription,
				Description:     in.Description,
				Shape:           in.Shape,
				IncidentID:      in.ID,
				IncidentType:    in.Type,
				Criticality:     in.Criticality,
				RoadClosed:      in.RoadClosed,
				StartTime:       in.StartTime,
				EndTime:         in.EndTime,
			})
		}
		return records, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
}
