package traffic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yegors/co-traffic/pkg/logger"
)

// Outcome reports what a refresh or cleanup request did
type Outcome string

const (
	// OutcomeFresh means the data was within the window and nothing ran
	OutcomeFresh Outcome = "fresh"
	// OutcomeBusy means another run for the same source was in progress
	OutcomeBusy Outcome = "busy"
	// OutcomeNoData means the provider returned nothing usable
	OutcomeNoData Outcome = "no_data"
	// OutcomeRefreshed means records were persisted
	OutcomeRefreshed Outcome = "refreshed"
	// OutcomeCleaned means a retention cleanup ran
	OutcomeCleaned Outcome = "cleaned"
)

// RefreshState tracks one source. lastSuccess only advances after a batch
// was fully persisted; running is the single-flight claim.
type RefreshState struct {
	mu          sync.Mutex
	running     bool
	lastSuccess time.Time
}

// claim takes the single-flight slot if the state is stale relative to
// window. A zero window forces the claim.
func (s *RefreshState) claim(now time.Time, window time.Duration) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if window > 0 && !s.lastSuccess.IsZero() && now.Sub(s.lastSuccess) <= window {
		return OutcomeFresh
	}
	if s.running {
		return OutcomeBusy
	}
	s.running = true
	return ""
}

// release frees the slot; a non-zero completed time records a success
func (s *RefreshState) release(completed time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	if !completed.IsZero() {
		s.lastSuccess = completed
	}
}

func (s *RefreshState) snapshot() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccess, s.running
}

// RefreshStatus is a point-in-time view of one source
type RefreshStatus struct {
	Source      Source
	LastSuccess time.Time // zero when never refreshed
	InProgress  bool
	Stale       bool // relative to the cache window

	CacheWindow    time.Duration
	FallbackWindow time.Duration
}

// CleanupStatus is a point-in-time view of retention cleanup
type CleanupStatus struct {
	LastCleanup time.Time
	InProgress  bool
	Due         bool
	Window      time.Duration
}

// CleanupResult describes one cleanup request
type CleanupResult struct {
	Outcome Outcome
	Cutoff  time.Time
	Deleted int64
}

// Options configures the orchestrator windows
type Options struct {
	BBox           string
	CacheWindow    time.Duration
	FallbackWindow time.Duration
	CleanupWindow  time.Duration
	// Now overrides the clock, mainly for tests
	Now func() time.Time
}

// Orchestrator drives extract, transform and load per source and guarantees
// at most one concurrent run per source and one concurrent cleanup
type Orchestrator struct {
	fetcher     Fetcher
	store       Store
	transformer *Transformer
	logger      *logger.Logger

	bbox           string
	cacheWindow    time.Duration
	fallbackWindow time.Duration
	cleanupWindow  time.Duration
	now            func() time.Time

	states  map[Source]*RefreshState
	cleanup struct {
		sync.Mutex
		running     bool
		lastCleanup time.Time
	}
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(fetcher Fetcher, store Store, transformer *Transformer, opts Options, logger *logger.Logger) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	o := &Orchestrator{
		fetcher:        fetcher,
		store:          store,
		transformer:    transformer,
		logger:         logger.Named("orchestrator"),
		bbox:           opts.BBox,
		cacheWindow:    opts.CacheWindow,
		fallbackWindow: opts.FallbackWindow,
		cleanupWindow:  opts.CleanupWindow,
		now:            now,
		states:         make(map[Source]*RefreshState, len(Sources)),
	}
	for _, src := range Sources {
		o.states[src] = &RefreshState{}
	}
	return o
}

// EnsureFresh refreshes source if its data is older than the cache window.
// Requests that find a run in progress return OutcomeBusy without waiting.
func (o *Orchestrator) EnsureFresh(ctx context.Context, source Source) (Outcome, error) {
	return o.EnsureFreshWithin(ctx, source, o.cacheWindow)
}

// EnsureFreshWithin is EnsureFresh with an explicit window
func (o *Orchestrator) EnsureFreshWithin(ctx context.Context, source Source, window time.Duration) (Outcome, error) {
	if window <= 0 {
		return "", fmt.Errorf("invalid freshness window: %s", window)
	}
	return o.refresh(ctx, source, window)
}

// TriggerRefresh runs the pipeline for source regardless of freshness,
// still honoring single-flight
func (o *Orchestrator) TriggerRefresh(ctx context.Context, source Source) (Outcome, error) {
	return o.refresh(ctx, source, 0)
}

// RefreshAll triggers every source concurrently and returns the first error
func (o *Orchestrator) RefreshAll(ctx context.Context) (map[Source]Outcome, error) {
	outcomes := make([]Outcome, len(Sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range Sources {
		i, src := i, src
		g.Go(func() error {
			outcome, err := o.TriggerRefresh(gctx, src)
			outcomes[i] = outcome
			return err
		})
	}
	err := g.Wait()

	result := make(map[Source]Outcome, len(Sources))
	for i, src := range Sources {
		result[src] = outcomes[i]
	}
	return result, err
}

// IsStale reports whether source has not succeeded within window
func (o *Orchestrator) IsStale(source Source, window time.Duration) bool {
	state, ok := o.states[source]
	if !ok {
		return true
	}
	last, _ := state.snapshot()
	return last.IsZero() || o.now().Sub(last) > window
}

// RefreshStatus returns the current state of source
func (o *Orchestrator) RefreshStatus(source Source) (RefreshStatus, error) {
	state, ok := o.states[source]
	if !ok {
		return RefreshStatus{}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	last, running := state.snapshot()
	return RefreshStatus{
		Source:      source,
		LastSuccess: last,
		InProgress:  running,
		Stale:       last.IsZero() || o.now().Sub(last) > o.cacheWindow,

		CacheWindow:    o.cacheWindow,
		FallbackWindow: o.fallbackWindow,
	}, nil
}

// FallbackWindow is the staleness bound used by the background sweeper
func (o *Orchestrator) FallbackWindow() time.Duration {
	return o.fallbackWindow
}

func (o *Orchestrator) refresh(ctx context.Context, source Source, window time.Duration) (Outcome, error) {
	state, ok := o.states[source]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	if outcome := state.claim(o.now(), window); outcome != "" {
		o.logger.Debug("Refresh not needed",
			logger.String("source", string(source)),
			logger.String("outcome", string(outcome)))
		return outcome, nil
	}

	var completed time.Time
	defer func() { state.release(completed) }()

	// A caller going away must not abandon a claimed run half way
	outcome, err := o.run(context.WithoutCancel(ctx), source)
	if err != nil {
		return "", err
	}
	if outcome == OutcomeRefreshed {
		completed = o.now()
	}
	return outcome, nil
}

func (o *Orchestrator) run(ctx context.Context, source Source) (outcome Outcome, err error) {
	runID := uuid.NewString()
	log := o.logger.WithSource(string(source)).WithRun(runID)
	start := o.now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Pipeline panicked", logger.Any("panic", r))
			outcome, err = "", &RefreshError{Source: source, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	log.Info("Starting refresh", logger.String("bbox", o.bbox))

	raws, err := o.fetcher.Fetch(ctx, source, o.bbox)
	if err != nil {
		log.Error("Failed to fetch records", logger.Error(err))
		return "", &RefreshError{Source: source, Err: &FetchError{Source: source, Err: err}}
	}
	if len(raws) == 0 {
		log.Info("Provider returned no records")
		return OutcomeNoData, nil
	}

	var stored int
	switch source {
	case SourceFlow:
		records := o.transformer.Flows(raws, start)
		if len(records) == 0 {
			log.Warn("No usable flow records", logger.Int("fetched", len(raws)))
			return OutcomeNoData, nil
		}
		if err := o.store.InsertFlows(ctx, records); err != nil {
			log.Error("Failed to store flow records", logger.Error(err))
			return "", &RefreshError{Source: source, Err: &PersistError{Source: source, Records: len(records), Err: err}}
		}
		stored = len(records)

	case SourceIncidents:
		records := o.transformer.Incidents(raws, start)
		if len(records) == 0 {
			log.Warn("No usable incidents", logger.Int("fetched", len(raws)))
			return OutcomeNoData, nil
		}
		if err := o.store.InsertIncidents(ctx, records); err != nil {
			log.Error("Failed to store incidents", logger.Error(err))
			return "", &RefreshError{Source: source, Err: &PersistError{Source: source, Records: len(records), Err: err}}
		}
		stored = len(records)
	}

	log.Info("Refresh completed",
		logger.Int("fetched", len(raws)),
		logger.Int("stored", stored),
		logger.Duration("duration", o.now().Sub(start)),
	)
	return OutcomeRefreshed, nil
}

// CleanupIfDue deletes records older than the cleanup window when the last
// cleanup is older than that window
func (o *Orchestrator) CleanupIfDue(ctx context.Context) (CleanupResult, error) {
	return o.runCleanup(ctx, false)
}

// TriggerCleanup deletes expired records now, still honoring single-flight
func (o *Orchestrator) TriggerCleanup(ctx context.Context) (CleanupResult, error) {
	return o.runCleanup(ctx, true)
}

// CleanupStatus returns the current cleanup state
func (o *Orchestrator) CleanupStatus() CleanupStatus {
	o.cleanup.Lock()
	defer o.cleanup.Unlock()
	return CleanupStatus{
		LastCleanup: o.cleanup.lastCleanup,
		InProgress:  o.cleanup.running,
		Due:         o.cleanupDue(o.now()),
		Window:      o.cleanupWindow,
	}
}

// cleanupDue must be called with the cleanup lock held
func (o *Orchestrator) cleanupDue(now time.Time) bool {
	return o.cleanup.lastCleanup.IsZero() || now.Sub(o.cleanup.lastCleanup) > o.cleanupWindow
}

func (o *Orchestrator) runCleanup(ctx context.Context, force bool) (CleanupResult, error) {
	now := o.now()

	o.cleanup.Lock()
	if !force && !o.cleanupDue(now) {
		o.cleanup.Unlock()
		return CleanupResult{Outcome: OutcomeFresh}, nil
	}
	if o.cleanup.running {
		o.cleanup.Unlock()
		return CleanupResult{Outcome: OutcomeBusy}, nil
	}
	o.cleanup.running = true
	o.cleanup.Unlock()

	var completed time.Time
	defer func() {
		o.cleanup.Lock()
		o.cleanup.running = false
		if !completed.IsZero() {
			o.cleanup.lastCleanup = completed
		}
		o.cleanup.Unlock()
	}()

	cutoff := now.Add(-o.cleanupWindow)
	log := o.logger.WithRun(uuid.NewString())
	log.Info("Starting cleanup", logger.Time("cutoff", cutoff))

	deleted, err := o.store.DeleteOlderThan(context.WithoutCancel(ctx), cutoff)
	if err != nil {
		log.Error("Cleanup failed", logger.Error(err))
		return CleanupResult{}, fmt.Errorf("failed to delete records older than %s: %w", cutoff.Format(time.RFC3339), err)
	}

	completed = o.now()
	log.Info("Cleanup completed", logger.Int64("deleted", deleted))
	return CleanupResult{Outcome: OutcomeCleaned, Cutoff: cutoff, Deleted: deleted}, nil
}
