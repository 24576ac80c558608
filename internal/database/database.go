package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"hazardwatch/internal/risk"
	"hazardwatch/internal/state"
)

// Database handles SQLite database operations. It doubles as the state
// document store and keeps the unbounded detection history.
type Database struct {
	db *sql.DB
}

// DetectionRecord is one row of the detection history
type DetectionRecord struct {
	risk.Detection
	SnapshotKey string `json:"snapshot_key,omitempty"`
}

// HistoryFilter narrows ListDetections
type HistoryFilter struct {
	CameraID string
	Category risk.Category
	Since    time.Time
	Limit    int
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the database is reachable
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate runs database migrations
func (d *Database) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			camera_name TEXT,
			category TEXT NOT NULL,
			severity TEXT NOT NULL,
			dimension TEXT,
			label TEXT,
			confidence REAL,
			description TEXT,
			snapshot_key TEXT,
			timestamp_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_camera_time ON detections(camera_id, timestamp_ms DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_time ON detections(timestamp_ms DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Get implements state.Store
func (d *Database) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := d.db.QueryRowContext(ctx, "SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return value, nil
}

// Put implements state.Store
func (d *Database) Put(ctx context.Context, key string, value []byte) error {
	query := `INSERT INTO app_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`

	if _, err := d.db.ExecContext(ctx, query, key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to save state %s: %w", key, err)
	}
	return nil
}

// SaveDetection appends a detection to the history. Saving the same ID twice
// only updates the snapshot key.
func (d *Database) SaveDetection(ctx context.Context, rec DetectionRecord) error {
	query := `INSERT INTO detections
		(id, camera_id, camera_name, category, severity, dimension, label, confidence, description, snapshot_key, timestamp_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			snapshot_key = COALESCE(NULLIF(excluded.snapshot_key, ''), detections.snapshot_key)`

	_, err := d.db.ExecContext(ctx, query, rec.ID, rec.CameraID, rec.CameraName, string(rec.Category),
		string(rec.Severity), string(rec.Dimension), rec.Label, rec.Confidence, rec.Description,
		rec.SnapshotKey, rec.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save detection: %w", err)
	}
	return nil
}

// ListDetections returns history rows, newest first
func (d *Database) ListDetections(ctx context.Context, f HistoryFilter) ([]DetectionRecord, error) {
	query := `SELECT id, camera_id, camera_name, category, severity, dimension, label,
		confidence, description, snapshot_key, timestamp_ms
		FROM detections WHERE 1=1`
	args := []interface{}{}

	if f.CameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, f.CameraID)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, string(f.Category))
	}
	if !f.Since.IsZero() {
		query += " AND timestamp_ms >= ?"
		args = append(args, f.Since.UnixMilli())
	}

	query += " ORDER BY timestamp_ms DESC, rowid DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	var out []DetectionRecord
	for rows.Next() {
		var (
			rec                                 DetectionRecord
			name, dim, label, desc, snapshotKey sql.NullString
			category, severity                  string
			confidence                          sql.NullFloat64
			tsMillis                            int64
		)
		if err := rows.Scan(&rec.ID, &rec.CameraID, &name, &category, &severity, &dim, &label,
			&confidence, &desc, &snapshotKey, &tsMillis); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		rec.CameraName = name.String
		rec.Category = risk.Category(category)
		rec.Severity = risk.Severity(severity)
		rec.Dimension = risk.Dimension(dim.String)
		rec.Label = label.String
		rec.Confidence = float32(confidence.Float64)
		rec.Description = desc.String
		rec.SnapshotKey = snapshotKey.String
		rec.Timestamp = time.UnixMilli(tsMillis).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteDetectionsBefore deletes history older than the specified time
func (d *Database) DeleteDetectionsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM detections WHERE timestamp_ms < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old detections: %w", err)
	}
	return result.RowsAffected()
}

var _ state.Store = (*Database)(nil)
