package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"highway-vlm-monitor/internal/models"
)

// Store persists fetched frames and raw model outputs to local disk so every
// archived row can point back at the exact evidence it was derived from.
type Store struct {
	framesDir string
	rawDir    string
}

func NewStore(framesDir string, rawDir string) *Store {
	return &Store{framesDir: framesDir, rawDir: rawDir}
}

func (s *Store) SaveFrame(cameraID string, image []byte, contentType string, capturedAt time.Time) (string, error) {
	if err := os.MkdirAll(s.framesDir, 0o755); err != nil {
		return "", fmt.Errorf("create frames dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.%s", cameraID, models.CompactStamp(capturedAt), extensionFromContentType(contentType))
	path := filepath.Join(s.framesDir, name)
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return "", fmt.Errorf("write frame: %w", err)
	}
	return path, nil
}

type rawOutput struct {
	CameraID     string                `json:"camera_id"`
	CapturedAt   string                `json:"captured_at"`
	Model        string                `json:"model"`
	ResponseText string                `json:"response_text"`
	Parsed       models.AnalysisResult `json:"parsed"`
}

// SaveRawOutput archives the untouched model response next to its normalized
// form, one JSON artifact per successful analysis call.
func (s *Store) SaveRawOutput(cameraID string, capturedAt time.Time, model string, responseText string, parsed models.AnalysisResult) (string, error) {
	if strings.TrimSpace(responseText) == "" {
		return "", nil
	}
	if err := os.MkdirAll(s.rawDir, 0o755); err != nil {
		return "", fmt.Errorf("create raw output dir: %w", err)
	}
	stamp := models.CompactStamp(capturedAt)
	path := filepath.Join(s.rawDir, fmt.Sprintf("%s_%s.json", cameraID, stamp))
	payload, err := json.MarshalIndent(rawOutput{
		CameraID:     cameraID,
		CapturedAt:   stamp,
		Model:        model,
		ResponseText: responseText,
		Parsed:       parsed,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write raw output: %w", err)
	}
	return path, nil
}

func extensionFromContentType(contentType string) string {
	lowered := strings.ToLower(contentType)
	switch {
	case strings.Contains(lowered, "png"):
		return "png"
	case strings.Contains(lowered, "jpeg"), strings.Contains(lowered, "jpg"):
		return "jpg"
	case strings.Contains(lowered, "gif"):
		return "gif"
	default:
		return "jpg"
	}
}
