package sqlite

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/yegors/co-traffic/internal/traffic"
	"github.com/yegors/co-traffic/pkg/logger"
)

func newTestStorage(t *testing.T) *TrafficStorage {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage, err := NewTrafficStorage(db, logger.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return storage
}

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func flow(road string, lon, lat float64, age time.Duration) traffic.FlowRecord {
	return traffic.FlowRecord{
		Timestamp:  baseTime.Add(-age),
		RoadName:   road,
		Speed:      8.5,
		FreeFlow:   13,
		JamFactor:  4.2,
		Confidence: 0.9,
		Lat:        lat,
		Lon:        lon,
		Geometry:   orb.LineString{{lon, lat}, {lon + 0.001, lat}},
	}
}

func incident(kind, road string, age time.Duration) traffic.IncidentRecord {
	return traffic.IncidentRecord{
		Timestamp:   baseTime.Add(-age),
		ExternalID:  "inc-" + road,
		Type:        kind,
		Description: "Accident at " + road + " - lane blocked",
		RoadClosed:  true,
		StartTime:   baseTime.Add(-age - time.Hour),
		Lat:         37.78,
		Lon:         -122.41,
		RoadName:    road,
	}
}

func TestInsertAndListFlows(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	records := []traffic.FlowRecord{
		flow("Market St", -122.41, 37.77, time.Hour),
		flow("Mission St", -122.42, 37.76, 0),
		flow("Bay Bridge", -122.30, 37.80, 2*time.Hour),
	}
	records[2].Geometry = nil
	if err := s.InsertFlows(ctx, records); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all, err := s.ListFlows(ctx, traffic.FlowQuery{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 flows, got %d", len(all))
	}
	if all[0].RoadName != "Mission St" || all[2].RoadName != "Bay Bridge" {
		t.Fatalf("expected newest first, got %s, %s, %s", all[0].RoadName, all[1].RoadName, all[2].RoadName)
	}
	if !all[1].Timestamp.Equal(records[0].Timestamp) || !all[1].Geometry.Equal(records[0].Geometry) {
		t.Fatalf("unexpected round trip: %+v", all[1])
	}
	if all[2].Geometry != nil {
		t.Fatalf("expected no geometry, got %v", all[2].Geometry)
	}

	tests := []struct {
		name     string
		query    traffic.FlowQuery
		expected []string
	}{
		{"since", traffic.FlowQuery{Since: baseTime.Add(-90 * time.Minute)}, []string{"Mission St", "Market St"}},
		{"road name substring", traffic.FlowQuery{RoadName: "Bridge"}, []string{"Bay Bridge"}},
		{"bbox", traffic.FlowQuery{BBox: &orb.Bound{Min: orb.Point{-122.52, 37.70}, Max: orb.Point{-122.35, 37.83}}}, []string{"Mission St", "Market St"}},
		{"limit", traffic.FlowQuery{Limit: 1}, []string{"Mission St"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListFlows(ctx, tt.query)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.expected) {
				t.Fatalf("expected %d flows, got %d", len(tt.expected), len(got))
			}
			for i, name := range tt.expected {
				if got[i].RoadName != name {
					t.Fatalf("expected %s at %d, got %s", name, i, got[i].RoadName)
				}
			}
		})
	}
}

func TestInsertAndListIncidents(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	records := []traffic.IncidentRecord{
		incident("accident", "Geary Blvd", time.Hour),
		incident("construction", "Fell St", 0),
	}
	records[1].ExternalID = ""
	if err := s.InsertIncidents(ctx, records); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.ListIncidents(ctx, traffic.IncidentQuery{Type: "accident"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(got))
	}
	r := got[0]
	if r.RoadName != "Geary Blvd" || !r.RoadClosed || r.ExternalID != "inc-Geary Blvd" {
		t.Fatalf("unexpected incident: %+v", r)
	}
	if !r.StartTime.Equal(records[0].StartTime) || !r.EndTime.IsZero() {
		t.Fatalf("unexpected times: %s, %s", r.StartTime, r.EndTime)
	}

	all, err := s.ListAllIncidents(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 || all[0].RoadName != "Geary Blvd" || all[1].ExternalID != "" {
		t.Fatalf("unexpected incidents: %+v", all)
	}

	if err := s.UpdateIncidentRoadName(ctx, all[1].ID, "Fell St at Octavia Blvd"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.UpdateIncidentRoadName(ctx, 9999, "Nowhere"); err == nil {
		t.Fatal("expected error for a missing incident")
	}

	got, err = s.ListIncidents(ctx, traffic.IncidentQuery{Since: baseTime.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].RoadName != "Fell St at Octavia Blvd" {
		t.Fatalf("unexpected incidents: %+v", got)
	}
}

func TestRoadNames(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.InsertFlows(ctx, []traffic.FlowRecord{
		flow("Mission St", -122.42, 37.76, 0),
		flow("Market St", -122.41, 37.77, 0),
		flow("Market St", -122.40, 37.77, time.Minute),
		flow("Old Road", -122.40, 37.77, 48*time.Hour),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names, err := s.RoadNames(ctx, baseTime.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 2 || names[0] != "Market St" || names[1] != "Mission St" {
		t.Fatalf("unexpected road names: %v", names)
	}
}

func TestDeleteOlderThanIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.InsertFlows(ctx, []traffic.FlowRecord{
		flow("Market St", -122.41, 37.77, 25*time.Hour),
		flow("Mission St", -122.42, 37.76, time.Hour),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.InsertIncidents(ctx, []traffic.IncidentRecord{
		incident("accident", "Geary Blvd", 30*time.Hour),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cutoff := baseTime.Add(-24 * time.Hour)
	deleted, err := s.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted rows, got %d", deleted)
	}

	deleted, err = s.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected second cleanup to delete nothing, got %d", deleted)
	}

	remaining, err := s.ListFlows(ctx, traffic.FlowQuery{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remaining) != 1 || remaining[0].RoadName != "Mission St" {
		t.Fatalf("unexpected remaining flows: %+v", remaining)
	}
}

func TestInsertFlowsIsAtomic(t *testing.T) {
	s := newTestStorage(t)

	// A NaN coordinate cannot be stored, failing the second insert
	bad := flow("Broken", -122.41, math.NaN(), 0)
	err := s.InsertFlows(context.Background(), []traffic.FlowRecord{
		flow("Market St", -122.41, 37.77, 0),
		bad,
	})
	if err == nil {
		t.Fatal("expected constraint error")
	}

	got, err := s.ListFlows(context.Background(), traffic.FlowQuery{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected the whole batch to be rolled back, got %d rows", len(got))
	}
}

func TestTimestampsOrderAsText(t *testing.T) {
	a := formatTime(time.Date(2025, 6, 1, 7, 0, 0, 0, time.FixedZone("PDT", -7*3600)))
	b := formatTime(time.Date(2025, 6, 1, 15, 0, 0, 500_000_000, time.UTC))
	if !(a < b) {
		t.Fatalf("expected %s < %s", a, b)
	}
	parsed, err := parseTime(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !parsed.Equal(time.Date(2025, 6, 1, 15, 0, 0, 500_000_000, time.UTC)) {
		t.Fatalf("unexpected parsed time: %s", parsed)
	}
}
