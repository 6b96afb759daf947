package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/paulmach/orb"

	"github.com/yegors/co-traffic/internal/config"
	"github.com/yegors/co-traffic/internal/traffic"
	"github.com/yegors/co-traffic/pkg/logger"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxHours     = 24 * 7
)

// Refresher is the part of the orchestrator the handlers drive
type Refresher interface {
	EnsureFresh(ctx context.Context, source traffic.Source) (traffic.Outcome, error)
	TriggerRefresh(ctx context.Context, source traffic.Source) (traffic.Outcome, error)
	RefreshAll(ctx context.Context) (map[traffic.Source]traffic.Outcome, error)
	RefreshStatus(source traffic.Source) (traffic.RefreshStatus, error)
	TriggerCleanup(ctx context.Context) (traffic.CleanupResult, error)
	CleanupStatus() traffic.CleanupStatus
}

// Handler serves the traffic query surface
type Handler struct {
	refresher Refresher
	reader    traffic.Reader
	config    *config.Config
	logger    *logger.Logger
	now       func() time.Time
}

// NewHandler creates a new handler
func NewHandler(refresher Refresher, reader traffic.Reader, config *config.Config, logger *logger.Logger) *Handler {
	return &Handler{
		refresher: refresher,
		reader:    reader,
		config:    config,
		logger:    logger.Named("api-handler"),
		now:       time.Now,
	}
}

// listResponse wraps query results. Stale is set when the refresh that
// preceded the read failed and stored data was served instead.
type listResponse struct {
	Count   int    `json:"count"`
	Data    any    `json:"data"`
	Refresh string `json:"refresh"`
	Stale   bool   `json:"stale"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GetHealth reports liveness
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"region":    h.config.Region.Name,
		"timestamp": h.now().UTC(),
	})
}

// GetFlow returns recent flow records, refreshing them first when stale
func (h *Handler) GetFlow(w http.ResponseWriter, r *http.Request) {
	var q traffic.FlowQuery
	var err error
	if q.Limit, err = intParam(r, "limit", defaultLimit, 1, maxLimit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hours, err := intParam(r, "hours", 1, 1, maxHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.BBox, err = bboxParam(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.Since = h.now().Add(-time.Duration(hours) * time.Hour)
	q.RoadName = r.URL.Query().Get("road_name")

	refresh, stale := h.ensureFresh(r, traffic.SourceFlow)

	records, err := h.reader.ListFlows(r.Context(), q)
	if err != nil {
		h.logger.Error("Failed to list flows", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read traffic flow")
		return
	}
	if records == nil {
		records = []traffic.FlowRecord{}
	}

	writeJSON(w, http.StatusOK, listResponse{Count: len(records), Data: records, Refresh: refresh, Stale: stale})
}

// GetIncidents returns recent incidents, refreshing them first when stale
func (h *Handler) GetIncidents(w http.ResponseWriter, r *http.Request) {
	var q traffic.IncidentQuery
	var err error
	if q.Limit, err = intParam(r, "limit", defaultLimit, 1, maxLimit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hours, err := intParam(r, "hours", 24, 1, maxHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.BBox, err = bboxParam(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.Since = h.now().Add(-time.Duration(hours) * time.Hour)
	q.Type = r.URL.Query().Get("incident_type")

	refresh, stale := h.ensureFresh(r, traffic.SourceIncidents)

	records, err := h.reader.ListIncidents(r.Context(), q)
	if err != nil {
		h.logger.Error("Failed to list incidents", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read traffic incidents")
		return
	}
	if records == nil {
		records = []traffic.IncidentRecord{}
	}

	writeJSON(w, http.StatusOK, listResponse{Count: len(records), Data: records, Refresh: refresh, Stale: stale})
}

// GetRoads returns the distinct road names seen in recent flow data
func (h *Handler) GetRoads(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", 24, 1, maxHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	names, err := h.reader.RoadNames(r.Context(), h.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		h.logger.Error("Failed to list road names", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read road names")
		return
	}
	if names == nil {
		names = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"count": len(names), "roads": names})
}

type sourceStatus struct {
	LastSuccess *time.Time `json:"last_success"`
	InProgress  bool       `json:"in_progress"`
	Stale       bool       `json:"stale"`

	CacheWindowSeconds    float64 `json:"cache_window_seconds"`
	FallbackWindowSeconds float64 `json:"fallback_window_seconds"`
}

type cleanupStatus struct {
	LastCleanup   *time.Time `json:"last_cleanup"`
	InProgress    bool       `json:"in_progress"`
	Due           bool       `json:"due"`
	WindowSeconds float64    `json:"window_seconds"`
}

// GetETLStatus reports refresh state per source and cleanup state
func (h *Handler) GetETLStatus(w http.ResponseWriter, r *http.Request) {
	sources := make(map[traffic.Source]sourceStatus, len(traffic.Sources))
	for _, src := range traffic.Sources {
		st, err := h.refresher.RefreshStatus(src)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		sources[src] = sourceStatus{
			LastSuccess: timePtr(st.LastSuccess),
			InProgress:  st.InProgress,
			Stale:       st.Stale,

			CacheWindowSeconds:    st.CacheWindow.Seconds(),
			FallbackWindowSeconds: st.FallbackWindow.Seconds(),
		}
	}

	cs := h.refresher.CleanupStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": sources,
		"cleanup": cleanupStatus{
			LastCleanup:   timePtr(cs.LastCleanup),
			InProgress:    cs.InProgress,
			Due:           cs.Due,
			WindowSeconds: cs.Window.Seconds(),
		},
	})
}

// TriggerETL forces a refresh of ?source=, or of every source when absent
func (h *Handler) TriggerETL(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("source")
	if name == "" {
		outcomes, err := h.refresher.RefreshAll(r.Context())
		if err != nil {
			h.logger.Error("Triggered refresh failed",
				logger.String("request_id", middleware.GetReqID(r.Context())),
				logger.Error(err))
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
		return
	}

	source, err := traffic.ParseSource(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", name))
		return
	}

	outcome, err := h.refresher.TriggerRefresh(r.Context(), source)
	if err != nil {
		h.logger.Error("Triggered refresh failed",
			logger.String("source", name),
			logger.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": map[traffic.Source]traffic.Outcome{source: outcome}})
}

// TriggerCleanup deletes expired records now
func (h *Handler) TriggerCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := h.refresher.TriggerCleanup(r.Context())
	if err != nil {
		h.logger.Error("Triggered cleanup failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body := map[string]any{"outcome": res.Outcome, "deleted": res.Deleted}
	if !res.Cutoff.IsZero() {
		body["cutoff"] = res.Cutoff.UTC()
	}
	writeJSON(w, http.StatusOK, body)
}

// ensureFresh never fails the read; a failed refresh marks the response stale
func (h *Handler) ensureFresh(r *http.Request, source traffic.Source) (string, bool) {
	outcome, err := h.refresher.EnsureFresh(r.Context(), source)
	if err != nil {
		h.logger.Warn("Serving stored data after failed refresh",
			logger.String("source", string(source)),
			logger.String("request_id", middleware.GetReqID(r.Context())),
			logger.Error(err))
		return "failed", true
	}
	return string(outcome), false
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, lo, hi)
	}
	return v, nil
}

func bboxParam(r *http.Request) (*orb.Bound, error) {
	raw := r.URL.Query().Get("bbox")
	if raw == "" {
		return nil, nil
	}
	b, err := config.ParseBBox(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid bbox: %w", err)
	}
	return &b, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
