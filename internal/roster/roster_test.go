package roster

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParsesEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cameras.yaml")
	payload := `
- camera_id: cam-101
  name: "I-80 at Exit 12"
  snapshot_url: https://cams.example.com/101.jpg
  corridor: I-80
  direction: E
  poll_interval_sec: 60
- camera_id: "  cam-102 "
  name: I-80 at Exit 14
  direction: W
- name: missing id, dropped
`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	cameras, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cameras) != 2 {
		t.Fatalf("expected 2 cameras, got %d", len(cameras))
	}
	if cameras[0].CameraID != "cam-101" || cameras[0].PollIntervalSec != 60 {
		t.Fatalf("unexpected first camera: %#v", cameras[0])
	}
	if cameras[1].CameraID != "cam-102" {
		t.Fatalf("expected trimmed id, got %q", cameras[1].CameraID)
	}
	if cameras[1].PollIntervalSec != 0 {
		t.Fatalf("expected zero poll interval, got %d", cameras[1].PollIntervalSec)
	}
}

func TestLoadMissingFileIsEmptyRoster(t *testing.T) {
	cameras, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cameras) != 0 {
		t.Fatalf("expected empty roster, got %d", len(cameras))
	}
}

func TestLoadBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cameras.yaml")
	if err := os.WriteFile(path, []byte("{not yaml list"), 0o644); err != nil {
		t.Fatalf("write roster: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
