package models

import "time"

type TrafficState string

const (
	TrafficFree      TrafficState = "free"
	TrafficModerate  TrafficState = "moderate"
	TrafficHeavy     TrafficState = "heavy"
	TrafficStopAndGo TrafficState = "stop_and_go"
	TrafficUnknown   TrafficState = "unknown"
)

func (s TrafficState) Valid() bool {
	switch s {
	case TrafficFree, TrafficModerate, TrafficHeavy, TrafficStopAndGo, TrafficUnknown:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Skip reasons recorded on a LogEntry when a due camera did not reach the
// vision model. Order of evaluation matters and is owned by the scheduler.
const (
	SkipEmptySnapshot   = "empty_snapshot"
	SkipUnchangedFrame  = "unchanged_frame"
	SkipMinInterval     = "vlm_min_interval"
	SkipErrorCooldown   = "vlm_error_cooldown"
	SkipMaxCallsPerTick = "vlm_max_calls_per_run"
	SkipQuotaExceeded   = "vlm_quota_exceeded"
)

// Hourly snapshot status, most severe condition wins.
const (
	StatusError    = "error"
	StatusIncident = "incident"
	StatusSkipped  = "skipped"
	StatusHealthy  = "healthy"
	StatusUnknown  = "unknown"
)

type Camera struct {
	CameraID        string     `json:"camera_id"`
	Name            string     `json:"name"`
	SnapshotURL     string     `json:"snapshot_url"`
	SourceURL       string     `json:"source_url"`
	Corridor        string     `json:"corridor"`
	Direction       string     `json:"direction"`
	PollIntervalSec int        `json:"poll_interval_sec,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

type Incident struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// AnalysisResult is the normalized, validated outcome of one vision-model
// call over a single frame.
type AnalysisResult struct {
	ObservedDirection string       `json:"observed_direction"`
	TrafficState      TrafficState `json:"traffic_state"`
	Incidents         []Incident   `json:"incidents"`
	Notes             string       `json:"notes"`
	OverallConfidence float64      `json:"overall_confidence"`
}

// LogEntry is the per-tick archive row. Exactly one row exists for every
// camera found due on a tick, whether analyzed, skipped, or failed.
type LogEntry struct {
	ID                int64        `json:"id"`
	CreatedAt         time.Time    `json:"created_at"`
	CapturedAt        *time.Time   `json:"captured_at,omitempty"`
	CameraID          string       `json:"camera_id"`
	CameraName        string       `json:"camera_name"`
	Corridor          string       `json:"corridor"`
	Direction         string       `json:"direction"`
	ObservedDirection *string      `json:"observed_direction,omitempty"`
	TrafficState      TrafficState `json:"traffic_state,omitempty"`
	Incidents         []Incident   `json:"incidents"`
	Notes             *string      `json:"notes,omitempty"`
	OverallConfidence *float64     `json:"overall_confidence,omitempty"`
	ImagePath         *string      `json:"image_path,omitempty"`
	VLMModel          string       `json:"vlm_model"`
	RawResponse       *string      `json:"raw_response,omitempty"`
	Error             *string      `json:"error,omitempty"`
	SkippedReason     *string      `json:"skipped_reason,omitempty"`
	FrameHash         *string      `json:"frame_hash,omitempty"`
	LastSeenAt        *time.Time   `json:"last_seen_at,omitempty"`
	LastProcessedAt   *time.Time   `json:"last_processed_at,omitempty"`
}

// IncidentEvent is one denormalized row per incident, flattened from a
// LogEntry so incident history can be queried without unpacking JSON.
type IncidentEvent struct {
	ID                int64        `json:"id"`
	CreatedAt         time.Time    `json:"created_at"`
	CapturedAt        *time.Time   `json:"captured_at,omitempty"`
	CameraID          string       `json:"camera_id"`
	CameraName        string       `json:"camera_name"`
	Corridor          string       `json:"corridor"`
	Direction         string       `json:"direction"`
	ObservedDirection *string      `json:"observed_direction,omitempty"`
	TrafficState      TrafficState `json:"traffic_state,omitempty"`
	IncidentType      string       `json:"incident_type"`
	Severity          Severity     `json:"severity"`
	Description       string       `json:"description"`
	Notes             string       `json:"notes"`
	OverallConfidence *float64     `json:"overall_confidence,omitempty"`
	ImagePath         *string      `json:"image_path,omitempty"`
	VLMModel          string       `json:"vlm_model"`
}

// HourlySnapshot is the first archived frame per camera per UTC hour.
type HourlySnapshot struct {
	ID            int64        `json:"id"`
	CameraID      string       `json:"camera_id"`
	CameraName    string       `json:"camera_name"`
	Corridor      string       `json:"corridor"`
	Direction     string       `json:"direction"`
	HourBucket    time.Time    `json:"hour_bucket"`
	CreatedAt     time.Time    `json:"created_at"`
	CapturedAt    *time.Time   `json:"captured_at,omitempty"`
	ImagePath     string       `json:"image_path"`
	FrameHash     *string      `json:"frame_hash,omitempty"`
	TrafficState  TrafficState `json:"traffic_state,omitempty"`
	IncidentCount int          `json:"incident_count"`
	Status        string       `json:"status"`
	Summary       string       `json:"summary"`
	Error         *string      `json:"error,omitempty"`
	SkippedReason *string      `json:"skipped_reason,omitempty"`
}

// ArchiveOverview aggregates archive totals for the query surface.
type ArchiveOverview struct {
	CameraID         string     `json:"camera_id,omitempty"`
	IncidentTotal    int64      `json:"incident_total"`
	HourlyTotal      int64      `json:"hourly_total"`
	LatestIncidentAt *time.Time `json:"latest_incident_at,omitempty"`
	LatestHourBucket *time.Time `json:"latest_hour_bucket,omitempty"`
}

// CompactStamp renders a timestamp the way frame and raw-output filenames
// encode capture time.
func CompactStamp(t time.Time) string {
	return t.UTC().Format("20060102T150405") + "Z"
}

func StringPtr(s string) *string    { return &s }
func Float64Ptr(f float64) *float64 { return &f }
func TimePtr(t time.Time) *time.Time {
	return &t
}
