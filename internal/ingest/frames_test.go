package ingest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"highway-vlm-monitor/internal/models"
)

func TestSaveFrameNamesByCameraAndCaptureTime(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "frames"), filepath.Join(dir, "raw"))
	capturedAt := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	path, err := store.SaveFrame("cam-9", []byte{0xff, 0xd8}, "image/jpeg; charset=binary", capturedAt)
	if err != nil {
		t.Fatalf("SaveFrame: %v", err)
	}
	if filepath.Base(path) != "cam-9_20260314T150926Z.jpg" {
		t.Fatalf("unexpected frame name: %s", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if len(data) != 2 || data[0] != 0xff {
		t.Fatalf("frame bytes corrupted: %v", data)
	}
}

func TestSaveFrameExtensionFallback(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, dir)
	path, err := store.SaveFrame("cam-9", []byte("x"), "application/octet-stream", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("SaveFrame: %v", err)
	}
	if filepath.Ext(path) != ".jpg" {
		t.Fatalf("expected .jpg fallback, got %s", filepath.Ext(path))
	}
}

func TestSaveRawOutput(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, filepath.Join(dir, "raw"))
	capturedAt := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	result := models.AnalysisResult{
		ObservedDirection: "EB",
		TrafficState:      models.TrafficFree,
		OverallConfidence: 0.9,
	}

	path, err := store.SaveRawOutput("cam-9", capturedAt, "gpt-4o-mini", `{"traffic_state":"free"}`, result)
	if err != nil {
		t.Fatalf("SaveRawOutput: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read raw output: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("raw output is not json: %v", err)
	}
	if decoded["camera_id"] != "cam-9" || decoded["model"] != "gpt-4o-mini" {
		t.Fatalf("unexpected payload: %v", decoded)
	}
	if decoded["captured_at"] != "20260314T150926Z" {
		t.Fatalf("unexpected captured_at: %v", decoded["captured_at"])
	}
}

func TestSaveRawOutputSkipsEmptyText(t *testing.T) {
	store := NewStore(t.TempDir(), t.TempDir())
	path, err := store.SaveRawOutput("cam-9", time.Now(), "m", "  ", models.AnalysisResult{})
	if err != nil {
		t.Fatalf("SaveRawOutput: %v", err)
	}
	if path != "" {
		t.Fatalf("expected no artifact, got %s", path)
	}
}
