package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"highway-vlm-monitor/internal/models"
	"highway-vlm-monitor/shared/events"
	"highway-vlm-monitor/shared/logx"
	"highway-vlm-monitor/shared/metricsx"
	"highway-vlm-monitor/shared/redact"
)

// RowStore is the durable side of the archive.
type RowStore interface {
	InsertLog(ctx context.Context, entry models.LogEntry) (int64, error)
	InsertIncidentEvent(ctx context.Context, event models.IncidentEvent) (int64, error)
	InsertHourlySnapshot(ctx context.Context, snapshot models.HourlySnapshot) (bool, error)
}

// EventProducer publishes envelopes onto the message bus.
type EventProducer interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// StatusCache keeps the latest per-camera status hot and fans out alert
// notifications for dashboards.
type StatusCache interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	PublishJSON(ctx context.Context, channel string, value any) error
}

// PointWriter records per-observation time-series points.
type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// Writer persists one LogEntry per due camera per tick and fans it out to
// the incident journal, incident event rows, the hourly archive, and the
// optional emitters. Only the LogEntry insert can fail the write; everything
// downstream is best-effort.
type Writer struct {
	store       RowStore
	logger      logx.Logger
	journalPath string
	producer    EventProducer
	cache       StatusCache
	points      PointWriter
}

func NewWriter(store RowStore, logger logx.Logger, journalPath string) *Writer {
	return &Writer{store: store, logger: logger, journalPath: journalPath}
}

func (w *Writer) WithProducer(p EventProducer) *Writer { w.producer = p; return w }
func (w *Writer) WithCache(c StatusCache) *Writer      { w.cache = c; return w }
func (w *Writer) WithPoints(p PointWriter) *Writer     { w.points = p; return w }

func (w *Writer) Write(ctx context.Context, entry models.LogEntry) error {
	redactEntry(&entry)

	id, err := w.store.InsertLog(ctx, entry)
	if err != nil {
		metricsx.IncArchiveWriteFailure("vlm_logs")
		return fmt.Errorf("insert log entry: %w", err)
	}
	entry.ID = id

	if len(entry.Incidents) > 0 {
		w.appendJournal(ctx, entry)
		w.writeIncidentEvents(ctx, entry)
	}
	w.writeHourlySnapshot(ctx, entry)
	w.publishEvents(ctx, entry)
	w.updateCache(ctx, entry)
	w.writePoint(ctx, entry)
	return nil
}

func redactEntry(entry *models.LogEntry) {
	if entry.Error != nil {
		*entry.Error = redact.String(*entry.Error)
	}
	if entry.SkippedReason != nil {
		*entry.SkippedReason = redact.String(*entry.SkippedReason)
	}
}

type journalLine struct {
	CreatedAt         time.Time         `json:"created_at"`
	CapturedAt        *time.Time        `json:"captured_at"`
	CameraID          string            `json:"camera_id"`
	CameraName        string            `json:"camera_name"`
	Corridor          string            `json:"corridor"`
	Direction         string            `json:"direction"`
	ObservedDirection *string           `json:"observed_direction"`
	TrafficState      string            `json:"traffic_state"`
	Incidents         []models.Incident `json:"incidents"`
	Notes             *string           `json:"notes"`
	OverallConfidence *float64          `json:"overall_confidence"`
	ImagePath         *string           `json:"image_path"`
	VLMModel          string            `json:"vlm_model"`
}

func (w *Writer) appendJournal(ctx context.Context, entry models.LogEntry) {
	if w.journalPath == "" {
		return
	}
	line, err := json.Marshal(journalLine{
		CreatedAt:         entry.CreatedAt,
		CapturedAt:        entry.CapturedAt,
		CameraID:          entry.CameraID,
		CameraName:        entry.CameraName,
		Corridor:          entry.Corridor,
		Direction:         entry.Direction,
		ObservedDirection: entry.ObservedDirection,
		TrafficState:      string(entry.TrafficState),
		Incidents:         entry.Incidents,
		Notes:             entry.Notes,
		OverallConfidence: entry.OverallConfidence,
		ImagePath:         entry.ImagePath,
		VLMModel:          entry.VLMModel,
	})
	if err != nil {
		return
	}
	if err := appendLine(w.journalPath, line); err != nil {
		metricsx.IncArchiveWriteFailure("incident_journal")
		w.logger.Warn(ctx, "incident_journal_append_failed", "failed to append incident journal",
			logx.Camera(entry.CameraID), logx.Err(err))
	}
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

func (w *Writer) writeIncidentEvents(ctx context.Context, entry models.LogEntry) {
	baseNotes := ""
	if entry.Notes != nil {
		baseNotes = strings.TrimSpace(*entry.Notes)
	}
	for _, incident := range entry.Incidents {
		eventNotes := baseNotes
		if eventNotes == "" {
			kind := strings.ReplaceAll(incident.Type, "_", " ")
			if kind == "" {
				kind = "incident"
			}
			level := string(incident.Severity)
			if level == "" {
				level = string(models.SeverityLow)
			}
			details := incident.Description
			if details == "" {
				details = "No detailed summary was provided by the model."
			}
			eventNotes = fmt.Sprintf("%s (%s): %s", kind, level, details)
		}
		_, err := w.store.InsertIncidentEvent(ctx, models.IncidentEvent{
			CreatedAt:         entry.CreatedAt,
			CapturedAt:        entry.CapturedAt,
			CameraID:          entry.CameraID,
			CameraName:        entry.CameraName,
			Corridor:          entry.Corridor,
			Direction:         entry.Direction,
			ObservedDirection: entry.ObservedDirection,
			TrafficState:      entry.TrafficState,
			IncidentType:      incident.Type,
			Severity:          incident.Severity,
			Description:       incident.Description,
			Notes:             eventNotes,
			OverallConfidence: entry.OverallConfidence,
			ImagePath:         entry.ImagePath,
			VLMModel:          entry.VLMModel,
		})
		if err != nil {
			metricsx.IncArchiveWriteFailure("incident_events")
			w.logger.Warn(ctx, "incident_event_write_failed", "failed to archive incident event",
				logx.Camera(entry.CameraID), logx.Err(err))
			continue
		}
		metricsx.IncIncidentDetected(string(incident.Severity))
	}
}

func (w *Writer) writeHourlySnapshot(ctx context.Context, entry models.LogEntry) {
	if entry.ImagePath == nil || entry.CameraID == "" || entry.CapturedAt == nil {
		return
	}
	bucket := HourBucket(entry)
	if bucket == nil {
		return
	}
	snapshot := models.HourlySnapshot{
		CameraID:      entry.CameraID,
		CameraName:    entry.CameraName,
		Corridor:      entry.Corridor,
		Direction:     entry.Direction,
		HourBucket:    *bucket,
		CreatedAt:     entry.CreatedAt,
		CapturedAt:    entry.CapturedAt,
		ImagePath:     *entry.ImagePath,
		FrameHash:     entry.FrameHash,
		TrafficState:  entry.TrafficState,
		IncidentCount: len(entry.Incidents),
		Status:        DeriveStatus(entry),
		Summary:       BuildHourlySummary(entry),
		Error:         entry.Error,
		SkippedReason: entry.SkippedReason,
	}
	if _, err := w.store.InsertHourlySnapshot(ctx, snapshot); err != nil {
		metricsx.IncArchiveWriteFailure("hourly_snapshots")
		w.logger.Warn(ctx, "hourly_snapshot_write_failed", "failed to archive hourly snapshot",
			logx.Camera(entry.CameraID), logx.Err(err))
	}
}

func (w *Writer) publishEvents(ctx context.Context, entry models.LogEntry) {
	if w.producer == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	envelope := events.NewEnvelope(entry.CameraID, events.EventTypeObservation, payload)
	value, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	if err := w.producer.Publish(ctx, events.TopicCameraObservations, []byte(entry.CameraID), value, nil); err != nil {
		metricsx.IncArchiveWriteFailure("kafka_observations")
		w.logger.Warn(ctx, "observation_publish_failed", "failed to publish observation event",
			logx.Camera(entry.CameraID), logx.Err(err))
	}
	if len(entry.Incidents) == 0 {
		return
	}
	incidentEnvelope := events.NewEnvelope(entry.CameraID, events.EventTypeIncident, payload)
	incidentValue, err := json.Marshal(incidentEnvelope)
	if err != nil {
		return
	}
	if err := w.producer.Publish(ctx, events.TopicTrafficIncidents, []byte(entry.CameraID), incidentValue, nil); err != nil {
		metricsx.IncArchiveWriteFailure("kafka_incidents")
		w.logger.Warn(ctx, "incident_publish_failed", "failed to publish incident event",
			logx.Camera(entry.CameraID), logx.Err(err))
	}
}

func (w *Writer) updateCache(ctx context.Context, entry models.LogEntry) {
	if w.cache == nil {
		return
	}
	key := events.KeyLatestStatusPrefix + entry.CameraID
	if err := w.cache.SetJSON(ctx, key, entry, 24*time.Hour); err != nil {
		metricsx.IncArchiveWriteFailure("redis_status")
		w.logger.Warn(ctx, "status_cache_update_failed", "failed to cache latest status",
			logx.Camera(entry.CameraID), logx.Err(err))
	}
	if len(entry.Incidents) == 0 {
		return
	}
	if err := w.cache.PublishJSON(ctx, events.ChannelIncidentAlerts, entry); err != nil {
		metricsx.IncArchiveWriteFailure("redis_alerts")
		w.logger.Warn(ctx, "incident_alert_publish_failed", "failed to publish incident alert",
			logx.Camera(entry.CameraID), logx.Err(err))
	}
}

// writePoint records one time-series point per analyzed frame.
func (w *Writer) writePoint(ctx context.Context, entry models.LogEntry) {
	if w.points == nil || entry.TrafficState == "" {
		return
	}
	ts := entry.CreatedAt
	if entry.CapturedAt != nil {
		ts = *entry.CapturedAt
	}
	confidence := 0.0
	if entry.OverallConfidence != nil {
		confidence = *entry.OverallConfidence
	}
	err := w.points.WritePoint(ctx, "traffic_observation",
		map[string]string{
			"camera_id":     entry.CameraID,
			"corridor":      entry.Corridor,
			"direction":     entry.Direction,
			"traffic_state": string(entry.TrafficState),
		},
		map[string]any{
			"overall_confidence": confidence,
			"incident_count":     len(entry.Incidents),
		}, ts)
	if err != nil {
		metricsx.IncInfluxWriteFailure()
		w.logger.Warn(ctx, "influx_write_failed", "failed to write traffic point",
			logx.Camera(entry.CameraID), logx.Err(err))
	}
}

// HourBucket derives the UTC hour this entry archives into: capture time
// when known, creation time otherwise.
func HourBucket(entry models.LogEntry) *time.Time {
	value := entry.CapturedAt
	if value == nil {
		if entry.CreatedAt.IsZero() {
			return nil
		}
		value = &entry.CreatedAt
	}
	bucket := value.UTC().Truncate(time.Hour)
	return &bucket
}

// DeriveStatus ranks the hour's conditions, most severe first.
func DeriveStatus(entry models.LogEntry) string {
	switch {
	case entry.Error != nil && *entry.Error != "":
		return models.StatusError
	case len(entry.Incidents) > 0:
		return models.StatusIncident
	case entry.SkippedReason != nil && *entry.SkippedReason != "":
		return models.StatusSkipped
	case entry.TrafficState != "":
		return models.StatusHealthy
	default:
		return models.StatusUnknown
	}
}

// BuildHourlySummary writes the operator-facing heartbeat line for the
// hourly archive row.
func BuildHourlySummary(entry models.LogEntry) string {
	cameraName := entry.CameraName
	if cameraName == "" {
		cameraName = entry.CameraID
	}
	if cameraName == "" {
		cameraName = "unknown camera"
	}
	createdAt := "unknown time"
	if !entry.CreatedAt.IsZero() {
		createdAt = entry.CreatedAt.UTC().Format(time.RFC3339)
	}
	notes := ""
	if entry.Notes != nil {
		notes = strings.TrimSpace(*entry.Notes)
	}
	trafficState := "unknown"
	if entry.TrafficState != "" {
		trafficState = strings.ReplaceAll(string(entry.TrafficState), "_", " ")
	}

	if entry.Error != nil && *entry.Error != "" {
		return fmt.Sprintf("Hourly heartbeat for %s at %s recorded an error while polling or analyzing this "+
			"camera: %s. The system remained active, but this interval should be reviewed for pipeline health.",
			cameraName, createdAt, *entry.Error)
	}
	if len(entry.Incidents) > 0 {
		types := make([]string, 0, len(entry.Incidents))
		for _, incident := range entry.Incidents {
			kind := strings.ReplaceAll(incident.Type, "_", " ")
			if kind == "" {
				kind = "incident"
			}
			types = append(types, kind)
		}
		label := strings.Join(types, ", ")
		if notes != "" {
			return fmt.Sprintf("Hourly heartbeat captured active incident conditions for %s with traffic state "+
				"%s: %s. Incident types observed in this frame include %s.", cameraName, trafficState, notes, label)
		}
		return fmt.Sprintf("Hourly heartbeat captured active incident conditions for %s with traffic state "+
			"%s. Incident types observed in this frame include %s.", cameraName, trafficState, label)
	}
	if notes != "" {
		return fmt.Sprintf("Hourly heartbeat confirms camera coverage for %s with traffic state %s. "+
			"Summary: %s", cameraName, trafficState, notes)
	}
	if entry.SkippedReason != nil && *entry.SkippedReason != "" {
		return fmt.Sprintf("Hourly heartbeat captured a frame for %s but detailed VLM analysis was skipped for this "+
			"interval due to %s; this still confirms the ingest pipeline was active.", cameraName, *entry.SkippedReason)
	}
	return fmt.Sprintf("Hourly heartbeat confirms %s was reachable and a frame was stored for this interval; "+
		"the pipeline appears operational for this camera.", cameraName)
}
