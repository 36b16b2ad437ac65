package repos

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"

	"highway-vlm-monitor/internal/models"
	"highway-vlm-monitor/shared/redact"
)

const logColumns = `id, created_at, captured_at, camera_id, camera_name, corridor, direction,
	observed_direction, traffic_state, incidents_json, notes, overall_confidence,
	image_path, vlm_model, raw_response, error, skipped_reason,
	frame_hash, last_seen_at, last_processed_at`

func (r *ArchiveRepo) ListCameras(ctx context.Context) ([]models.Camera, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT camera_id, name, snapshot_url, source_url, corridor, direction, updated_at
		FROM cameras
		ORDER BY camera_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cameras := make([]models.Camera, 0, 16)
	for rows.Next() {
		var c models.Camera
		if err := rows.Scan(&c.CameraID, &c.Name, &c.SnapshotURL, &c.SourceURL, &c.Corridor, &c.Direction, &c.UpdatedAt); err != nil {
			return nil, err
		}
		cameras = append(cameras, c)
	}
	return cameras, rows.Err()
}

// LatestLog returns the newest log row, optionally scoped to one camera.
// A nil entry with nil error means the archive is empty.
func (r *ArchiveRepo) LatestLog(ctx context.Context, cameraID string) (*models.LogEntry, error) {
	query := `SELECT ` + logColumns + ` FROM vlm_logs`
	args := []any{}
	if cameraID != "" {
		query += ` WHERE camera_id = $1`
		args = append(args, cameraID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	entry, err := scanLogRow(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *ArchiveRepo) ListLogs(ctx context.Context, cameraID string, limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + logColumns + ` FROM vlm_logs`
	args := []any{}
	if cameraID != "" {
		query += ` WHERE camera_id = $1`
		args = append(args, cameraID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + itoa(len(args)+1)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.LogEntry, 0, limit)
	for rows.Next() {
		entry, err := scanLogRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *ArchiveRepo) ListIncidentEvents(ctx context.Context, cameraID string, limit int) ([]models.IncidentEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT id, created_at, captured_at, camera_id, camera_name, corridor, direction,
			observed_direction, traffic_state, incident_type, severity, description,
			notes, overall_confidence, image_path, vlm_model
		FROM incident_events`
	args := []any{}
	if cameraID != "" {
		query += ` WHERE camera_id = $1`
		args = append(args, cameraID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + itoa(len(args)+1)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.IncidentEvent, 0, limit)
	for rows.Next() {
		var e models.IncidentEvent
		var trafficState, severity *string
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.CapturedAt, &e.CameraID, &e.CameraName, &e.Corridor, &e.Direction,
			&e.ObservedDirection, &trafficState, &e.IncidentType, &severity, &e.Description,
			&e.Notes, &e.OverallConfidence, &e.ImagePath, &e.VLMModel); err != nil {
			return nil, err
		}
		if trafficState != nil {
			e.TrafficState = models.TrafficState(*trafficState)
		}
		if severity != nil {
			e.Severity = models.Severity(*severity)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *ArchiveRepo) ListHourlySnapshots(ctx context.Context, cameraID string, limit int) ([]models.HourlySnapshot, error) {
	if limit <= 0 {
		limit = 336
	}
	query := `
		SELECT id, camera_id, camera_name, corridor, direction, hour_bucket, created_at,
			captured_at, image_path, frame_hash, traffic_state, incident_count,
			status, summary, error, skipped_reason
		FROM hourly_snapshots`
	args := []any{}
	if cameraID != "" {
		query += ` WHERE camera_id = $1`
		args = append(args, cameraID)
	}
	query += ` ORDER BY hour_bucket DESC, id DESC LIMIT $` + itoa(len(args)+1)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]models.HourlySnapshot, 0, limit)
	for rows.Next() {
		var s models.HourlySnapshot
		var trafficState *string
		if err := rows.Scan(&s.ID, &s.CameraID, &s.CameraName, &s.Corridor, &s.Direction, &s.HourBucket, &s.CreatedAt,
			&s.CapturedAt, &s.ImagePath, &s.FrameHash, &trafficState, &s.IncidentCount,
			&s.Status, &s.Summary, &s.Error, &s.SkippedReason); err != nil {
			return nil, err
		}
		if trafficState != nil {
			s.TrafficState = models.TrafficState(*trafficState)
		}
		redactPtr(s.Error)
		redactPtr(s.SkippedReason)
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

func (r *ArchiveRepo) ArchiveOverview(ctx context.Context, cameraID string) (models.ArchiveOverview, error) {
	overview := models.ArchiveOverview{CameraID: cameraID}
	var (
		incidentWhere string
		hourlyWhere   string
		args          []any
	)
	if cameraID != "" {
		incidentWhere = ` WHERE camera_id = $1`
		hourlyWhere = ` WHERE camera_id = $1`
		args = append(args, cameraID)
	}
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*), MAX(created_at) FROM incident_events`+incidentWhere, args...).
		Scan(&overview.IncidentTotal, &overview.LatestIncidentAt)
	if err != nil {
		return overview, err
	}
	err = r.pool.QueryRow(ctx, `SELECT COUNT(*), MAX(hour_bucket) FROM hourly_snapshots`+hourlyWhere, args...).
		Scan(&overview.HourlyTotal, &overview.LatestHourBucket)
	return overview, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLogRow(row rowScanner) (models.LogEntry, error) {
	var (
		entry         models.LogEntry
		trafficState  *string
		incidentsJSON *string
	)
	err := row.Scan(&entry.ID, &entry.CreatedAt, &entry.CapturedAt, &entry.CameraID, &entry.CameraName, &entry.Corridor, &entry.Direction,
		&entry.ObservedDirection, &trafficState, &incidentsJSON, &entry.Notes, &entry.OverallConfidence,
		&entry.ImagePath, &entry.VLMModel, &entry.RawResponse, &entry.Error, &entry.SkippedReason,
		&entry.FrameHash, &entry.LastSeenAt, &entry.LastProcessedAt)
	if err != nil {
		return entry, err
	}
	if trafficState != nil {
		entry.TrafficState = models.TrafficState(*trafficState)
	}
	if incidentsJSON != nil {
		// Unparseable incident payloads read back as empty, not as errors.
		_ = json.Unmarshal([]byte(*incidentsJSON), &entry.Incidents)
	}
	redactPtr(entry.Error)
	redactPtr(entry.SkippedReason)
	return entry, nil
}

func redactPtr(s *string) {
	if s != nil {
		*s = redact.String(*s)
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
