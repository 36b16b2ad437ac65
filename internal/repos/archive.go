package repos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"highway-vlm-monitor/internal/models"
)

type ArchiveRepo struct {
	pool *pgxpool.Pool
}

func NewArchiveRepo(pool *pgxpool.Pool) *ArchiveRepo {
	return &ArchiveRepo{pool: pool}
}

// SyncCameras upserts the roster and prunes cameras that are no longer in
// it, so the cameras table always mirrors the roster file.
func (r *ArchiveRepo) SyncCameras(ctx context.Context, cameras []models.Camera) error {
	if len(cameras) == 0 {
		return nil
	}
	now := time.Now().UTC()
	ids := make([]string, 0, len(cameras))
	for _, camera := range cameras {
		if camera.CameraID == "" {
			continue
		}
		ids = append(ids, camera.CameraID)
		_, err := r.pool.Exec(ctx, `
			INSERT INTO cameras (camera_id, name, snapshot_url, source_url, corridor, direction, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (camera_id) DO UPDATE SET
				name = EXCLUDED.name,
				snapshot_url = EXCLUDED.snapshot_url,
				source_url = EXCLUDED.source_url,
				corridor = EXCLUDED.corridor,
				direction = EXCLUDED.direction,
				updated_at = EXCLUDED.updated_at
		`, camera.CameraID, camera.Name, camera.SnapshotURL, camera.SourceURL, camera.Corridor, camera.Direction, now)
		if err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM cameras WHERE camera_id <> ALL($1)`, ids)
	return err
}

func (r *ArchiveRepo) InsertLog(ctx context.Context, entry models.LogEntry) (int64, error) {
	incidentsJSON, err := marshalIncidents(entry.Incidents)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.pool.QueryRow(ctx, `
		INSERT INTO vlm_logs (
			created_at, captured_at, camera_id, camera_name, corridor, direction,
			observed_direction, traffic_state, incidents_json, notes, overall_confidence,
			image_path, vlm_model, raw_response, error, skipped_reason,
			frame_hash, last_seen_at, last_processed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19
		)
		RETURNING id
	`, entry.CreatedAt, entry.CapturedAt, entry.CameraID, entry.CameraName, entry.Corridor, entry.Direction,
		entry.ObservedDirection, nullIfEmpty(string(entry.TrafficState)), incidentsJSON, entry.Notes, entry.OverallConfidence,
		entry.ImagePath, entry.VLMModel, entry.RawResponse, entry.Error, entry.SkippedReason,
		entry.FrameHash, entry.LastSeenAt, entry.LastProcessedAt).
		Scan(&id)
	return id, err
}

func (r *ArchiveRepo) InsertIncidentEvent(ctx context.Context, event models.IncidentEvent) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO incident_events (
			created_at, captured_at, camera_id, camera_name, corridor, direction,
			observed_direction, traffic_state, incident_type, severity, description,
			notes, overall_confidence, image_path, vlm_model
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		RETURNING id
	`, event.CreatedAt, event.CapturedAt, event.CameraID, event.CameraName, event.Corridor, event.Direction,
		event.ObservedDirection, nullIfEmpty(string(event.TrafficState)), event.IncidentType, string(event.Severity), event.Description,
		event.Notes, event.OverallConfidence, event.ImagePath, event.VLMModel).
		Scan(&id)
	return id, err
}

// InsertHourlySnapshot inserts the first row per (camera, hour); later rows
// in the same hour are silently discarded.
func (r *ArchiveRepo) InsertHourlySnapshot(ctx context.Context, snapshot models.HourlySnapshot) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO hourly_snapshots (
			camera_id, camera_name, corridor, direction, hour_bucket, created_at,
			captured_at, image_path, frame_hash, traffic_state, incident_count,
			status, summary, error, skipped_reason
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		ON CONFLICT (camera_id, hour_bucket) DO NOTHING
	`, snapshot.CameraID, snapshot.CameraName, snapshot.Corridor, snapshot.Direction, snapshot.HourBucket, snapshot.CreatedAt,
		snapshot.CapturedAt, snapshot.ImagePath, snapshot.FrameHash, nullIfEmpty(string(snapshot.TrafficState)), snapshot.IncidentCount,
		snapshot.Status, snapshot.Summary, snapshot.Error, snapshot.SkippedReason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func marshalIncidents(incidents []models.Incident) (*string, error) {
	if incidents == nil {
		return nil, nil
	}
	b, err := json.Marshal(incidents)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
