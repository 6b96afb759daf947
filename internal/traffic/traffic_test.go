package traffic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yegors/co-traffic/internal/roads"
	"github.com/yegors/co-traffic/pkg/logger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeFetcher struct {
	calls atomic.Int32
	fetch func(ctx context.Context, source Source) ([]RawRecord, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, source Source, _ string) ([]RawRecord, error) {
	f.calls.Add(1)
	return f.fetch(ctx, source)
}

type fakeStore struct {
	mu        sync.Mutex
	flows     []FlowRecord
	incidents []IncidentRecord
	cutoffs   []time.Time
	insertErr error
	deleteErr error
}

func (s *fakeStore) InsertFlows(_ context.Context, records []FlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.flows = append(s.flows, records...)
	return nil
}

func (s *fakeStore) InsertIncidents(_ context.Context, records []IncidentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.incidents = append(s.incidents, records...)
	return nil
}

func (s *fakeStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	s.cutoffs = append(s.cutoffs, cutoff)

	var deleted int64
	kept := s.flows[:0]
	for _, f := range s.flows {
		if f.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, f)
	}
	s.flows = kept
	return deleted, nil
}

func (s *fakeStore) flowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}

// marketStreet runs east along lat 37.77 with vertices 0.001 deg apart
func marketStreet() roads.Segment {
	line := make(orb.LineString, 9)
	for i := range line {
		line[i] = orb.Point{-122.420 + 0.001*float64(i), 37.77}
	}
	return roads.Segment{ID: 1, Name: "Market St", Geometry: line}
}

func newTestTransformer(t *testing.T, log *logger.Logger) *Transformer {
	t.Helper()
	network, err := roads.NewNetwork([]roads.Segment{marketStreet()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return NewTransformer(
		roads.NewMatcher(network, roads.WithSearchRadius(0.01)),
		roads.NewExtender(network),
		roads.DefaultExtendPoints,
		log,
	)
}

func sampleRecords(source Source) []RawRecord {
	road := marketStreet().Geometry
	if source == SourceIncidents {
		return []RawRecord{{
			Source:          SourceIncidents,
			RoadDescription: "Market St",
			Description:     "Accident at Geary Blvd - right lane blocked",
			Shape:           orb.LineString{road[2]},
			IncidentID:      "inc-1",
			IncidentType:    "accident",
		}}
	}
	return []RawRecord{{
		Source:          SourceFlow,
		RoadDescription: "Market St",
		Description:     "Market St",
		Shape:           orb.LineString{road[4], road[5]},
		Speed:           8.3,
		JamFactor:       4.2,
	}}
}

func newTestOrchestrator(t *testing.T, fetcher Fetcher, store Store, clock *fakeClock) *Orchestrator {
	t.Helper()
	return NewOrchestrator(fetcher, store, newTestTransformer(t, logger.NewNop()), Options{
		BBox:           "-122.52,37.70,-122.35,37.83",
		CacheWindow:    30 * time.Minute,
		FallbackWindow: 5 * time.Hour,
		CleanupWindow:  24 * time.Hour,
		Now:            clock.Now,
	}, logger.NewNop())
}

func staticFetcher() *fakeFetcher {
	return &fakeFetcher{fetch: func(_ context.Context, source Source) ([]RawRecord, error) {
		return sampleRecords(source), nil
	}}
}

func TestEnsureFreshRefreshesOnceWithinWindow(t *testing.T) {
	clock := newFakeClock()
	fetcher := staticFetcher()
	store := &fakeStore{}
	o := newTestOrchestrator(t, fetcher, store, clock)

	outcome, err := o.EnsureFresh(context.Background(), SourceFlow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeRefreshed {
		t.Fatalf("expected refreshed, got %s", outcome)
	}

	clock.Advance(29 * time.Minute)
	outcome, err = o.EnsureFresh(context.Background(), SourceFlow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeFresh {
		t.Fatalf("expected fresh, got %s", outcome)
	}
	if fetcher.calls.Load() != 1 {
		t.Fatalf("expected 1 fetch, got %d", fetcher.calls.Load())
	}

	status, err := o.RefreshStatus(SourceFlow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Stale || status.InProgress || status.LastSuccess.IsZero() {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.CacheWindow != 30*time.Minute || status.FallbackWindow != 5*time.Hour {
		t.Fatalf("unexpected windows: %+v", status)
	}
}

func TestEnsureFreshRefreshesAfterCacheWindow(t *testing.T) {
	clock := newFakeClock()
	fetcher := staticFetcher()
	store := &fakeStore{}
	o := newTestOrchestrator(t, fetcher, store, clock)

	if _, err := o.EnsureFresh(context.Background(), SourceFlow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, _ := o.RefreshStatus(SourceFlow)

	clock.Advance(31 * time.Minute)
	outcome, err := o.EnsureFresh(context.Background(), SourceFlow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeRefreshed {
		t.Fatalf("expected refreshed, got %s", outcome)
	}

	second, _ := o.RefreshStatus(SourceFlow)
	if !second.LastSuccess.After(first.LastSuccess) {
		t.Fatalf("last success did not advance: %s -> %s", first.LastSuccess, second.LastSuccess)
	}
	if store.flowCount() != 2 {
		t.Fatalf("expected 2 stored flows, got %d", store.flowCount())
	}
}

func TestEnsureFreshIsSingleFlight(t *testing.T) {
	clock := newFakeClock()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	fetcher := &fakeFetcher{fetch: func(_ context.Context, source Source) ([]RawRecord, error) {
		close(entered)
		<-unblock
		return sampleRecords(source), nil
	}}
	o := newTestOrchestrator(t, fetcher, &fakeStore{}, clock)

	type result struct {
		outcome Outcome
		err     error
	}
	first := make(chan result, 1)
	go func() {
		outcome, err := o.EnsureFresh(context.Background(), SourceFlow)
		first <- result{outcome, err}
	}()
	<-entered

	var wg sync.WaitGroup
	var busy atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := o.EnsureFresh(context.Background(), SourceFlow)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if outcome == OutcomeBusy {
				busy.Add(1)
			}
		}()
	}
	wg.Wait()

	if busy.Load() != 10 {
		t.Fatalf("expected 10 busy outcomes, got %d", busy.Load())
	}
	status, _ := o.RefreshStatus(SourceFlow)
	if !status.InProgress {
		t.Fatal("expected refresh in progress")
	}

	close(unblock)
	res := <-first
	if res.err != nil || res.outcome != OutcomeRefreshed {
		t.Fatalf("unexpected first result: %s, %v", res.outcome, res.err)
	}
	if fetcher.calls.Load() != 1 {
		t.Fatalf("expected 1 fetch, got %d", fetcher.calls.Load())
	}
}

func TestSourcesRefreshIndependently(t *testing.T) {
	clock := newFakeClock()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	fetcher := &fakeFetcher{fetch: func(_ context.Context, source Source) ([]RawRecord, error) {
		if source == SourceFlow {
			close(entered)
			<-unblock
		}
		return sampleRecords(source), nil
	}}
	store := &fakeStore{}
	o := newTestOrchestrator(t, fetcher, store, clock)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.EnsureFresh(context.Background(), SourceFlow)
	}()
	<-entered

	outcome, err := o.EnsureFresh(context.Background(), SourceIncidents)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeRefreshed {
		t.Fatalf("incidents must not wait on flow, got %s", outcome)
	}

	close(unblock)
	<-done
}

func TestFetchFailureLeavesStateUnchanged(t *testing.T) {
	clock := newFakeClock()
	fetchErr := errors.New("connection refused")
	fetcher := &fakeFetcher{fetch: func(context.Context, Source) ([]RawRecord, error) {
		return nil, fetchErr
	}}
	o := newTestOrchestrator(t, fetcher, &fakeStore{}, clock)

	_, err := o.EnsureFresh(context.Background(), SourceFlow)
	var refreshErr *RefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("expected RefreshError, got %v", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || !errors.Is(err, fetchErr) {
		t.Fatalf("expected wrapped FetchError, got %v", err)
	}

	status, _ := o.RefreshStatus(SourceFlow)
	if !status.LastSuccess.IsZero() || status.InProgress {
		t.Fatalf("unexpected status after failure: %+v", status)
	}

	if _, err := o.EnsureFresh(context.Background(), SourceFlow); err == nil {
		t.Fatal("expected the next trigger to retry and fail again")
	}
	if fetcher.calls.Load() != 2 {
		t.Fatalf("expected 2 fetches, got %d", fetcher.calls.Load())
	}
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{insertErr: errors.New("disk full")}
	o := newTestOrchestrator(t, staticFetcher(), store, clock)

	_, err := o.EnsureFresh(context.Background(), SourceIncidents)
	var pe *PersistError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistError, got %v", err)
	}
	if pe.Records != 1 || pe.Source != SourceIncidents {
		t.Fatalf("unexpected persist error: %+v", pe)
	}

	status, _ := o.RefreshStatus(SourceIncidents)
	if !status.LastSuccess.IsZero() || !status.Stale {
		t.Fatalf("unexpected status after failure: %+v", status)
	}
}

func TestNoDataKeepsSourceStale(t *testing.T) {
	clock := newFakeClock()
	fetcher := &fakeFetcher{fetch: func(context.Context, Source) ([]RawRecord, error) {
		return nil, nil
	}}
	o := newTestOrchestrator(t, fetcher, &fakeStore{}, clock)

	outcome, err := o.EnsureFresh(context.Background(), SourceFlow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeNoData {
		t.Fatalf("expected no_data, got %s", outcome)
	}
	if !o.IsStale(SourceFlow, time.Hour) {
		t.Fatal("expected source to stay stale")
	}
}

func TestRecordsWithoutShapeAreSkipped(t *testing.T) {
	clock := newFakeClock()
	fetcher := &fakeFetcher{fetch: func(context.Context, Source) ([]RawRecord, error) {
		return []RawRecord{{Source: SourceFlow, RoadDescription: "Nowhere"}}, nil
	}}
	store := &fakeStore{}
	o := newTestOrchestrator(t, fetcher, store, clock)

	outcome, err := o.EnsureFresh(context.Background(), SourceFlow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeNoData {
		t.Fatalf("expected no_data, got %s", outcome)
	}
	if store.flowCount() != 0 {
		t.Fatalf("expected nothing stored, got %d", store.flowCount())
	}
}

func TestRefreshSurvivesCallerCancellation(t *testing.T) {
	clock := newFakeClock()
	fetcher := &fakeFetcher{fetch: func(ctx context.Context, source Source) ([]RawRecord, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return sampleRecords(source), nil
	}}
	o := newTestOrchestrator(t, fetcher, &fakeStore{}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := o.TriggerRefresh(ctx, SourceFlow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeRefreshed {
		t.Fatalf("expected refreshed, got %s", outcome)
	}
}

func TestPipelinePanicIsReported(t *testing.T) {
	clock := newFakeClock()
	fetcher := &fakeFetcher{fetch: func(context.Context, Source) ([]RawRecord, error) {
		panic("boom")
	}}
	o := newTestOrchestrator(t, fetcher, &fakeStore{}, clock)

	_, err := o.TriggerRefresh(context.Background(), SourceFlow)
	var refreshErr *RefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("expected RefreshError, got %v", err)
	}
	if status, _ := o.RefreshStatus(SourceFlow); status.InProgress {
		t.Fatal("claim must be released after a panic")
	}
}

func TestTriggerRefreshIgnoresWindow(t *testing.T) {
	clock := newFakeClock()
	fetcher := staticFetcher()
	o := newTestOrchestrator(t, fetcher, &fakeStore{}, clock)

	for i := 0; i < 2; i++ {
		outcome, err := o.TriggerRefresh(context.Background(), SourceFlow)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome != OutcomeRefreshed {
			t.Fatalf("expected refreshed, got %s", outcome)
		}
	}
	if fetcher.calls.Load() != 2 {
		t.Fatalf("expected 2 fetches, got %d", fetcher.calls.Load())
	}
}

func TestRefreshAll(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{}
	o := newTestOrchestrator(t, staticFetcher(), store, clock)

	outcomes, err := o.RefreshAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, src := range Sources {
		if outcomes[src] != OutcomeRefreshed {
			t.Fatalf("expected %s refreshed, got %s", src, outcomes[src])
		}
	}
	if len(store.flows) != 1 || len(store.incidents) != 1 {
		t.Fatalf("unexpected store contents: %d flows, %d incidents", len(store.flows), len(store.incidents))
	}
}

func TestUnknownSource(t *testing.T) {
	o := newTestOrchestrator(t, staticFetcher(), &fakeStore{}, newFakeClock())

	if _, err := o.EnsureFresh(context.Background(), Source("weather")); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
	if _, err := ParseSource("weather"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
	if src, err := ParseSource("incidents"); err != nil || src != SourceIncidents {
		t.Fatalf("unexpected parse result: %s, %v", src, err)
	}
}

func TestCleanupIfDue(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{}
	o := newTestOrchestrator(t, staticFetcher(), store, clock)

	if _, err := o.EnsureFresh(context.Background(), SourceFlow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(25 * time.Hour)
	res, err := o.CleanupIfDue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeCleaned || res.Deleted != 1 {
		t.Fatalf("unexpected cleanup result: %+v", res)
	}
	if want := clock.Now().Add(-24 * time.Hour); !res.Cutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, res.Cutoff)
	}

	res, err = o.CleanupIfDue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeFresh {
		t.Fatalf("expected cleanup to be skipped, got %s", res.Outcome)
	}

	res, err = o.TriggerCleanup(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeCleaned || res.Deleted != 0 {
		t.Fatalf("expected an idempotent second cleanup, got %+v", res)
	}
}

func TestCleanupFailureRetriesNextTime(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{deleteErr: errors.New("database is locked")}
	o := newTestOrchestrator(t, staticFetcher(), store, clock)

	if _, err := o.CleanupIfDue(context.Background()); err == nil {
		t.Fatal("expected cleanup error")
	}
	status := o.CleanupStatus()
	if !status.LastCleanup.IsZero() || !status.Due || status.InProgress {
		t.Fatalf("unexpected status after failure: %+v", status)
	}

	store.mu.Lock()
	store.deleteErr = nil
	store.mu.Unlock()

	res, err := o.CleanupIfDue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeCleaned {
		t.Fatalf("expected cleanup to run, got %s", res.Outcome)
	}
	if status := o.CleanupStatus(); status.LastCleanup.IsZero() || status.Due {
		t.Fatalf("unexpected status after success: %+v", status)
	}
}

func TestTransformFlowMatchesAndExtends(t *testing.T) {
	tr := newTestTransformer(t, logger.NewNop())
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	records := tr.Flows(sampleRecords(SourceFlow), ts)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	rec := records[0]
	if rec.RoadName != "Market St" {
		t.Fatalf("unexpected road name: %q", rec.RoadName)
	}
	road := marketStreet().Geometry
	if rec.Lat != road[4].Lat() || rec.Lon != road[4].Lon() {
		t.Fatalf("unexpected position: %f,%f", rec.Lat, rec.Lon)
	}
	if !rec.Geometry.Equal(road[1:9]) {
		t.Fatalf("unexpected extended geometry: %v", rec.Geometry)
	}
	if !rec.Timestamp.Equal(ts) {
		t.Fatalf("unexpected timestamp: %s", rec.Timestamp)
	}
}

func TestTransformIncidentNames(t *testing.T) {
	tr := newTestTransformer(t, logger.NewNop())
	onRoad := marketStreet().Geometry[2]

	tests := []struct {
		name     string
		raw      RawRecord
		expected string
	}{
		{
			name: "near road with intersection",
			raw: RawRecord{
				Description: "Accident at Geary Blvd - right lane blocked",
				Shape:       orb.LineString{onRoad},
			},
			expected: "Market St at Geary Blvd",
		},
		{
			name: "far away uses provider name",
			raw: RawRecord{
				Description: "Stalled vehicle at Bay Bridge - eastbound",
				Shape:       orb.LineString{{-122.0, 38.0}},
			},
			expected: "Bay Bridge",
		},
		{
			name: "far away without provider name uses location description",
			raw: RawRecord{
				RoadDescription: "I-80",
				Description:     "Road works",
				Shape:           orb.LineString{{-122.0, 38.0}},
			},
			expected: "I-80",
		},
		{
			name: "far away with nothing to go on",
			raw: RawRecord{
				Description: "Road works",
				Shape:       orb.LineString{{-122.0, 38.0}},
			},
			expected: roads.UnknownRoad,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := tr.Incidents([]RawRecord{tt.raw}, time.Now())
			if len(records) != 1 {
				t.Fatalf("expected 1 record, got %d", len(records))
			}
			if records[0].RoadName != tt.expected {
				t.Fatalf("expected %q, got %q", tt.expected, records[0].RoadName)
			}
		})
	}
}

func TestTransformLogsMatchingAnomaly(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	tr := newTestTransformer(t, logger.FromZap(zap.New(core)))

	far := RawRecord{Description: "Road works", Shape: orb.LineString{{-122.0, 38.0}}}
	near := RawRecord{Description: "Road works", Shape: orb.LineString{marketStreet().Geometry[3]}}

	records := tr.Incidents([]RawRecord{far, near}, time.Now())
	if len(records) != 2 {
		t.Fatalf("anomalous records must still be kept, got %d", len(records))
	}

	anomalies := logs.FilterMessage("Point is far from the road network")
	if anomalies.Len() != 1 {
		t.Fatalf("expected 1 anomaly warning, got %d", anomalies.Len())
	}
	fields := anomalies.All()[0].ContextMap()
	if fields["lat"] != 38.0 || fields["lon"] != -122.0 {
		t.Fatalf("unexpected anomaly fields: %v", fields)
	}
}
