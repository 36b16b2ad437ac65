package repos

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Bootstrap creates the archive tables if missing and applies additive
// column migrations so rows written by older builds survive upgrades.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
			camera_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			snapshot_url TEXT NOT NULL DEFAULT '',
			source_url TEXT NOT NULL DEFAULT '',
			corridor TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS vlm_logs (
			id BIGSERIAL PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			captured_at TIMESTAMPTZ,
			camera_id TEXT NOT NULL,
			camera_name TEXT NOT NULL DEFAULT '',
			corridor TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL DEFAULT '',
			observed_direction TEXT,
			traffic_state TEXT,
			incidents_json TEXT,
			notes TEXT,
			overall_confidence DOUBLE PRECISION,
			image_path TEXT,
			vlm_model TEXT NOT NULL DEFAULT '',
			raw_response TEXT,
			error TEXT,
			skipped_reason TEXT,
			frame_hash TEXT,
			last_seen_at TIMESTAMPTZ,
			last_processed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS incident_events (
			id BIGSERIAL PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			captured_at TIMESTAMPTZ,
			camera_id TEXT NOT NULL,
			camera_name TEXT NOT NULL DEFAULT '',
			corridor TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL DEFAULT '',
			observed_direction TEXT,
			traffic_state TEXT,
			incident_type TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			overall_confidence DOUBLE PRECISION,
			image_path TEXT,
			vlm_model TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS hourly_snapshots (
			id BIGSERIAL PRIMARY KEY,
			camera_id TEXT NOT NULL,
			camera_name TEXT NOT NULL DEFAULT '',
			corridor TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL DEFAULT '',
			hour_bucket TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			captured_at TIMESTAMPTZ,
			image_path TEXT NOT NULL DEFAULT '',
			frame_hash TEXT,
			traffic_state TEXT,
			incident_count INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			error TEXT,
			skipped_reason TEXT,
			UNIQUE (camera_id, hour_bucket)
		)`,
		// Columns added after the first release; no-ops on fresh databases.
		`ALTER TABLE cameras ADD COLUMN IF NOT EXISTS source_url TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE vlm_logs ADD COLUMN IF NOT EXISTS frame_hash TEXT`,
		`ALTER TABLE vlm_logs ADD COLUMN IF NOT EXISTS last_seen_at TIMESTAMPTZ`,
		`ALTER TABLE vlm_logs ADD COLUMN IF NOT EXISTS last_processed_at TIMESTAMPTZ`,
		`CREATE INDEX IF NOT EXISTS idx_vlm_logs_camera ON vlm_logs (camera_id)`,
		`CREATE INDEX IF NOT EXISTS idx_vlm_logs_created ON vlm_logs (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_incident_events_camera_created ON incident_events (camera_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_hourly_snapshots_camera_hour ON hourly_snapshots (camera_id, hour_bucket)`,
		`CREATE INDEX IF NOT EXISTS idx_hourly_snapshots_hour ON hourly_snapshots (hour_bucket)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
