package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	_ "modernc.org/sqlite"

	"github.com/yegors/co-traffic/internal/traffic"
	"github.com/yegors/co-traffic/pkg/logger"
)

// Fixed-width UTC layout so timestamps compare correctly as text
const timeLayout = "2006-01-02T15:04:05.000Z"

// Open opens the database at path. A single connection serializes writers
// and keeps ":memory:" databases shared.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	return db, nil
}

// TrafficStorage handles storage of enriched flow and incident records
type TrafficStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

var (
	_ traffic.Store  = (*TrafficStorage)(nil)
	_ traffic.Reader = (*TrafficStorage)(nil)
)

// NewTrafficStorage creates a new SQLite traffic storage
func NewTrafficStorage(db *sql.DB, logger *logger.Logger) (*TrafficStorage, error) {
	storage := &TrafficStorage{
		db:     db,
		logger: logger.Named("sqlite-traffic"),
	}

	if err := storage.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize traffic storage: %w", err)
	}

	return storage, nil
}

// Close closes the underlying database
func (s *TrafficStorage) Close() error {
	return s.db.Close()
}

// initDB initializes the database tables
func (s *TrafficStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS traffic_flow (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			road_name TEXT NOT NULL,
			speed REAL,
			free_flow REAL,
			congestion_level REAL,
			confidence REAL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			geometry TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create traffic_flow table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS traffic_incident (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			external_id TEXT,
			type TEXT NOT NULL,
			description TEXT NOT NULL,
			criticality TEXT,
			road_closed INTEGER NOT NULL DEFAULT 0,
			start_time TEXT,
			end_time TEXT,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			road_name TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create traffic_incident table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_traffic_flow_timestamp ON traffic_flow(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_traffic_flow_road_name ON traffic_flow(road_name)`,
		`CREATE INDEX IF NOT EXISTS idx_traffic_incident_timestamp ON traffic_incident(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_traffic_incident_type ON traffic_incident(type)`,
	}

	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create traffic index: %w", err)
		}
	}

	return nil
}

// InsertFlows stores a batch of flow records in one transaction
func (s *TrafficStorage) InsertFlows(ctx context.Context, records []traffic.FlowRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO traffic_flow
		(timestamp, road_name, speed, free_flow, congestion_level, confidence, latitude, longitude, geometry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare flow insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range records {
		geometry, err := encodeGeometry(r.Geometry)
		if err != nil {
			return fmt.Errorf("failed to encode geometry of flow %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx,
			formatTime(r.Timestamp),
			r.RoadName,
			r.Speed,
			r.FreeFlow,
			r.JamFactor,
			r.Confidence,
			r.Lat,
			r.Lon,
			geometry,
		); err != nil {
			return fmt.Errorf("failed to insert flow %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flows: %w", err)
	}

	s.logger.Debug("Stored flow records", logger.Int("count", len(records)))
	return nil
}

// InsertIncidents stores a batch of incidents in one transaction
func (s *TrafficStorage) InsertIncidents(ctx context.Context, records []traffic.IncidentRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO traffic_incident
		(timestamp, external_id, type, description, criticality, road_closed, start_time, end_time, lat, lon, road_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare incident insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range records {
		if _, err := stmt.ExecContext(ctx,
			formatTime(r.Timestamp),
			nullString(r.ExternalID),
			r.Type,
			r.Description,
			nullString(r.Criticality),
			r.RoadClosed,
			nullTime(r.StartTime),
			nullTime(r.EndTime),
			r.Lat,
			r.Lon,
			r.RoadName,
		); err != nil {
			return fmt.Errorf("failed to insert incident %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit incidents: %w", err)
	}

	s.logger.Debug("Stored incidents", logger.Int("count", len(records)))
	return nil
}

// DeleteOlderThan removes flow and incident records older than cutoff
func (s *TrafficStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"traffic_flow", "traffic_incident"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE timestamp < ?`, formatTime(cutoff))
		if err != nil {
			return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to count deleted rows: %w", err)
		}
		s.logger.Debug("Deleted expired rows", logger.String("table", table), logger.Int64("count", n))
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return total, nil
}

// ListFlows returns flow records matching q, newest first
func (s *TrafficStorage) ListFlows(ctx context.Context, q traffic.FlowQuery) ([]traffic.FlowRecord, error) {
	var where []string
	var args []any
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(q.Since))
	}
	if q.BBox != nil {
		where = append(where, "longitude BETWEEN ? AND ? AND latitude BETWEEN ? AND ?")
		args = append(args, q.BBox.Min.Lon(), q.BBox.Max.Lon(), q.BBox.Min.Lat(), q.BBox.Max.Lat())
	}
	if q.RoadName != "" {
		where = append(where, "road_name LIKE ?")
		args = append(args, "%"+q.RoadName+"%")
	}

	query := `SELECT id, timestamp, road_name, speed, free_flow, congestion_level, confidence, latitude, longitude, geometry
		FROM traffic_flow` + whereClause(where) + ` ORDER BY timestamp DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var records []traffic.FlowRecord
	for rows.Next() {
		var r traffic.FlowRecord
		var timestamp string
		var geometry sql.NullString

		if err := rows.Scan(
			&r.ID,
			&timestamp,
			&r.RoadName,
			&r.Speed,
			&r.FreeFlow,
			&r.JamFactor,
			&r.Confidence,
			&r.Lat,
			&r.Lon,
			&geometry,
		); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		if r.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}
		if geometry.Valid {
			if r.Geometry, err = decodeGeometry(geometry.String); err != nil {
				return nil, fmt.Errorf("failed to decode geometry of flow %d: %w", r.ID, err)
			}
		}

		records = append(records, r)
	}

	return records, rows.Err()
}

// ListIncidents returns incidents matching q, newest first
func (s *TrafficStorage) ListIncidents(ctx context.Context, q traffic.IncidentQuery) ([]traffic.IncidentRecord, error) {
	var where []string
	var args []any
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(q.Since))
	}
	if q.BBox != nil {
		where = append(where, "lon BETWEEN ? AND ? AND lat BETWEEN ? AND ?")
		args = append(args, q.BBox.Min.Lon(), q.BBox.Max.Lon(), q.BBox.Min.Lat(), q.BBox.Max.Lat())
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}

	query := incidentColumns + whereClause(where) + ` ORDER BY timestamp DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	return scanIncidentRows(rows)
}

// ListAllIncidents returns every stored incident in insertion order
func (s *TrafficStorage) ListAllIncidents(ctx context.Context) ([]traffic.IncidentRecord, error) {
	rows, err := s.db.QueryContext(ctx, incidentColumns+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	return scanIncidentRows(rows)
}

// UpdateIncidentRoadName replaces the matched road name of one incident
func (s *TrafficStorage) UpdateIncidentRoadName(ctx context.Context, id int64, roadName string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE traffic_incident
		SET road_name = ?
		WHERE id = ?`,
		roadName,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update incident road name: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("incident %d not found", id)
	}
	return nil
}

// RoadNames returns the distinct road names of flow records since the given time
func (s *TrafficStorage) RoadNames(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT road_name
		FROM traffic_flow
		WHERE timestamp >= ?
		ORDER BY road_name`,
		formatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query road names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan road name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

const incidentColumns = `SELECT id, timestamp, external_id, type, description, criticality, road_closed, start_time, end_time, lat, lon, road_name
		FROM traffic_incident`

// scanIncidentRows scans database rows into IncidentRecord structs
func scanIncidentRows(rows *sql.Rows) ([]traffic.IncidentRecord, error) {
	var records []traffic.IncidentRecord
	for rows.Next() {
		var r traffic.IncidentRecord
		var timestamp string
		var externalID, criticality, startTime, endTime sql.NullString

		if err := rows.Scan(
			&r.ID,
			&timestamp,
			&externalID,
			&r.Type,
			&r.Description,
			&criticality,
			&r.RoadClosed,
			&startTime,
			&endTime,
			&r.Lat,
			&r.Lon,
			&r.RoadName,
		); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}

		var err error
		if r.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}
		if startTime.Valid {
			if r.StartTime, err = parseTime(startTime.String); err != nil {
				return nil, err
			}
		}
		if endTime.Valid {
			if r.EndTime, err = parseTime(endTime.String); err != nil {
				return nil, err
			}
		}
		r.ExternalID = externalID.String
		r.Criticality = criticality.String

		records = append(records, r)
	}

	return records, rows.Err()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeGeometry(ls orb.LineString) (sql.NullString, error) {
	if len(ls) == 0 {
		return sql.NullString{}, nil
	}
	data, err := geojson.NewGeometry(ls).MarshalJSON()
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeGeometry(s string) (orb.LineString, error) {
	g, err := geojson.UnmarshalGeometry([]byte(s))
	if err != nil {
		return nil, err
	}
	ls, ok := g.Geometry().(orb.LineString)
	if !ok {
		return nil, fmt.Errorf("unexpected geometry type %T", g.Geometry())
	}
	return ls, nil
}
