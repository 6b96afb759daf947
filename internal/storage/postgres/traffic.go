package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/yegors/co-traffic/internal/traffic"
	"github.com/yegors/co-traffic/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS traffic_flow (
	id BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	road_name TEXT NOT NULL,
	speed DOUBLE PRECISION,
	free_flow DOUBLE PRECISION,
	congestion_level DOUBLE PRECISION,
	confidence DOUBLE PRECISION,
	latitude DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL,
	geometry JSONB
);
CREATE INDEX IF NOT EXISTS idx_traffic_flow_timestamp ON traffic_flow(timestamp);
CREATE INDEX IF NOT EXISTS idx_traffic_flow_road_name ON traffic_flow(road_name);

CREATE TABLE IF NOT EXISTS traffic_incident (
	id BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	external_id TEXT,
	type TEXT NOT NULL,
	description TEXT NOT NULL,
	criticality TEXT,
	road_closed BOOLEAN NOT NULL DEFAULT FALSE,
	start_time TIMESTAMPTZ,
	end_time TIMESTAMPTZ,
	lat DOUBLE PRECISION NOT NULL,
	lon DOUBLE PRECISION NOT NULL,
	road_name TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_traffic_incident_timestamp ON traffic_incident(timestamp);
CREATE INDEX IF NOT EXISTS idx_traffic_incident_type ON traffic_incident(type);
`

// TrafficRepository stores enriched records in PostgreSQL
type TrafficRepository struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

var (
	_ traffic.Store  = (*TrafficRepository)(nil)
	_ traffic.Reader = (*TrafficRepository)(nil)
)

// Connect opens a pool and makes sure the schema exists
func Connect(ctx context.Context, databaseURL string, logger *logger.Logger) (*TrafficRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}

	repo := NewTrafficRepository(pool, logger)
	if err := repo.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// NewTrafficRepository wraps an existing pool
func NewTrafficRepository(pool *pgxpool.Pool, logger *logger.Logger) *TrafficRepository {
	return &TrafficRepository{
		pool:   pool,
		logger: logger.Named("pg-traffic"),
	}
}

// Migrate creates tables and indexes if they do not exist
func (r *TrafficRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: failed to create schema: %w", err)
	}
	return nil
}

// Health checks database connectivity
func (r *TrafficRepository) Health(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: health check failed: %w", err)
	}
	return nil
}

// Close releases the pool
func (r *TrafficRepository) Close() error {
	r.pool.Close()
	return nil
}

// InsertFlows stores a batch of flow records in one transaction
func (r *TrafficRepository) InsertFlows(ctx context.Context, records []traffic.FlowRecord) error {
	batch := &pgx.Batch{}
	for i, rec := range records {
		geometry, err := encodeGeometry(rec.Geometry)
		if err != nil {
			return fmt.Errorf("postgres: failed to encode geometry of flow %d: %w", i, err)
		}
		batch.Queue(`
			INSERT INTO traffic_flow (
				timestamp, road_name, speed, free_flow, congestion_level,
				confidence, latitude, longitude, geometry
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.Timestamp, rec.RoadName, rec.Speed, rec.FreeFlow, rec.JamFactor,
			rec.Confidence, rec.Lat, rec.Lon, geometry,
		)
	}

	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("postgres: failed to save flows: %w", err)
	}
	r.logger.Debug("Stored flow records", logger.Int("count", len(records)))
	return nil
}

// InsertIncidents stores a batch of incidents in one transaction
func (r *TrafficRepository) InsertIncidents(ctx context.Context, records []traffic.IncidentRecord) error {
	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
			INSERT INTO traffic_incident (
				timestamp, external_id, type, description, criticality,
				road_closed, start_time, end_time, lat, lon, road_name
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			rec.Timestamp, nullable(rec.ExternalID), rec.Type, rec.Description, nullable(rec.Criticality),
			rec.RoadClosed, nullableTime(rec.StartTime), nullableTime(rec.EndTime), rec.Lat, rec.Lon, rec.RoadName,
		)
	}

	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("postgres: failed to save incidents: %w", err)
	}
	r.logger.Debug("Stored incidents", logger.Int("count", len(records)))
	return nil
}

func (r *TrafficRepository) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

// DeleteOlderThan removes flow and incident records older than cutoff
func (r *TrafficRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, table := range []string{"traffic_flow", "traffic_incident"} {
			tag, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE timestamp < $1`, cutoff)
			if err != nil {
				return fmt.Errorf("failed to delete from %s: %w", table, err)
			}
			r.logger.Debug("Deleted expired rows",
				logger.String("table", table),
				logger.Int64("count", tag.RowsAffected()))
			total += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup failed: %w", err)
	}
	return total, nil
}

// ListFlows returns flow records matching q, newest first
func (r *TrafficRepository) ListFlows(ctx context.Context, q traffic.FlowQuery) ([]traffic.FlowRecord, error) {
	query, args := flowQuery(q)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query flows: %w", err)
	}
	defer rows.Close()

	var results []traffic.FlowRecord
	for rows.Next() {
		var rec traffic.FlowRecord
		var geometry []byte
		if err := rows.Scan(
			&rec.ID, &rec.Timestamp, &rec.RoadName, &rec.Speed, &rec.FreeFlow,
			&rec.JamFactor, &rec.Confidence, &rec.Lat, &rec.Lon, &geometry,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan flow row: %w", err)
		}
		if len(geometry) > 0 {
			if rec.Geometry, err = decodeGeometry(geometry); err != nil {
				return nil, fmt.Errorf("postgres: failed to decode geometry of flow %d: %w", rec.ID, err)
			}
		}
		results = append(results, rec)
	}

	return results, rows.Err()
}

// ListIncidents returns incidents matching q, newest first
func (r *TrafficRepository) ListIncidents(ctx context.Context, q traffic.IncidentQuery) ([]traffic.IncidentRecord, error) {
	query, args := incidentQuery(q)
	return r.queryIncidents(ctx, query, args...)
}

// ListAllIncidents returns every stored incident in insertion order
func (r *TrafficRepository) ListAllIncidents(ctx context.Context) ([]traffic.IncidentRecord, error) {
	return r.queryIncidents(ctx, incidentSelect+` ORDER BY id`)
}

// UpdateIncidentRoadName replaces the matched road name of one incident
func (r *TrafficRepository) UpdateIncidentRoadName(ctx context.Context, id int64, roadName string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE traffic_incident SET road_name = $1 WHERE id = $2`, roadName, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to update incident road name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: incident %d not found", id)
	}
	return nil
}

// RoadNames returns the distinct road names of flow records since the given time
func (r *TrafficRepository) RoadNames(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT road_name FROM traffic_flow WHERE timestamp >= $1 ORDER BY road_name`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query road names: %w", err)
	}

	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan road names: %w", err)
	}
	return names, nil
}

const incidentSelect = `
	SELECT id, timestamp, external_id, type, description, criticality,
		   road_closed, start_time, end_time, lat, lon, road_name
	FROM traffic_incident`

func (r *TrafficRepository) queryIncidents(ctx context.Context, query string, args ...any) ([]traffic.IncidentRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query incidents: %w", err)
	}
	defer rows.Close()

	var results []traffic.IncidentRecord
	for rows.Next() {
		var rec traffic.IncidentRecord
		var externalID, criticality *string
		var startTime, endTime *time.Time
		if err := rows.Scan(
			&rec.ID, &rec.Timestamp, &externalID, &rec.Type, &rec.Description, &criticality,
			&rec.RoadClosed, &startTime, &endTime, &rec.Lat, &rec.Lon, &rec.RoadName,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan incident row: %w", err)
		}
		if externalID != nil {
			rec.ExternalID = *externalID
		}
		if criticality != nil {
			rec.Criticality = *criticality
		}
		if startTime != nil {
			rec.StartTime = *startTime
		}
		if endTime != nil {
			rec.EndTime = *endTime
		}
		results = append(results, rec)
	}

	return results, rows.Err()
}

// conditions accumulates a WHERE clause with numbered placeholders
type conditions struct {
	clauses []string
	args    []any
}

func (c *conditions) add(clause string, args ...any) {
	for _, arg := range args {
		c.args = append(c.args, arg)
		clause = strings.Replace(clause, "?", "$"+strconv.Itoa(len(c.args)), 1)
	}
	c.clauses = append(c.clauses, clause)
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

func (c *conditions) limit(n int) string {
	if n <= 0 {
		return ""
	}
	c.args = append(c.args, n)
	return " LIMIT $" + strconv.Itoa(len(c.args))
}

func flowQuery(q traffic.FlowQuery) (string, []any) {
	var c conditions
	if !q.Since.IsZero() {
		c.add("timestamp >= ?", q.Since)
	}
	if q.BBox != nil {
		c.add("longitude BETWEEN ? AND ?", q.BBox.Min.Lon(), q.BBox.Max.Lon())
		c.add("latitude BETWEEN ? AND ?", q.BBox.Min.Lat(), q.BBox.Max.Lat())
	}
	if q.RoadName != "" {
		c.add("road_name ILIKE ?", "%"+q.RoadName+"%")
	}

	query := `
	SELECT id, timestamp, road_name, speed, free_flow, congestion_level,
		   confidence, latitude, longitude, geometry
	FROM traffic_flow` + c.where() + ` ORDER BY timestamp DESC, id DESC`
	query += c.limit(q.Limit)
	return query, c.args
}

func incidentQuery(q traffic.IncidentQuery) (string, []any) {
	var c conditions
	if !q.Since.IsZero() {
		c.add("timestamp >= ?", q.Since)
	}
	if q.BBox != nil {
		c.add("lon BETWEEN ? AND ?", q.BBox.Min.Lon(), q.BBox.Max.Lon())
		c.add("lat BETWEEN ? AND ?", q.BBox.Min.Lat(), q.BBox.Max.Lat())
	}
	if q.Type != "" {
		c.add("type = ?", q.Type)
	}

	query := incidentSelect + c.where() + ` ORDER BY timestamp DESC, id DESC`
	query += c.limit(q.Limit)
	return query, c.args
}

// Handle empty values as NULL for nullable columns
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func encodeGeometry(ls orb.LineString) (any, error) {
	if len(ls) == 0 {
		return nil, nil
	}
	data, err := geojson.NewGeometry(ls).MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeGeometry(data []byte) (orb.LineString, error) {
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, err
	}
	ls, ok := g.Geometry().(orb.LineString)
	if !ok {
		return nil, errors.New("stored geometry is not a LineString")
	}
	return ls, nil
}
