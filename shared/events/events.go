package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	CameraID   string          `json:"camera_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
}

func NewEnvelope(cameraID string, eventType string, payload json.RawMessage) Envelope {
	return Envelope{
		EventID:    uuid.New(),
		OccurredAt: time.Now().UTC(),
		CameraID:   cameraID,
		EventType:  eventType,
		Payload:    payload,
	}
}

const (
	TopicCameraObservations = "camera.observations"
	TopicTrafficIncidents   = "traffic.incidents"

	EventTypeObservation = "camera.observation.recorded"
	EventTypeIncident    = "traffic.incident.detected"

	// Redis pub/sub channel for dashboard alert fan-out.
	ChannelIncidentAlerts = "alerts:incidents"

	// Redis key prefix for the latest per-camera status cache.
	KeyLatestStatusPrefix = "camera:latest:"
)
