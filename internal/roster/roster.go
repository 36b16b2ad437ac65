package roster

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"highway-vlm-monitor/internal/models"
)

type entry struct {
	CameraID        string `yaml:"camera_id"`
	Name            string `yaml:"name"`
	SnapshotURL     string `yaml:"snapshot_url"`
	SourceURL       string `yaml:"source_url"`
	Corridor        string `yaml:"corridor"`
	Direction       string `yaml:"direction"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
}

// Load reads the camera roster. A missing file is an empty roster, not an
// error, so the worker keeps ticking while cameras are being provisioned.
// Entries without a camera_id are dropped.
func Load(path string) ([]models.Camera, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read camera roster: %w", err)
	}

	var entries []entry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse camera roster: %w", err)
	}

	cameras := make([]models.Camera, 0, len(entries))
	for _, e := range entries {
		id := strings.TrimSpace(e.CameraID)
		if id == "" {
			continue
		}
		cameras = append(cameras, models.Camera{
			CameraID:        id,
			Name:            strings.TrimSpace(e.Name),
			SnapshotURL:     strings.TrimSpace(e.SnapshotURL),
			SourceURL:       strings.TrimSpace(e.SourceURL),
			Corridor:        strings.TrimSpace(e.Corridor),
			Direction:       strings.TrimSpace(e.Direction),
			PollIntervalSec: e.PollIntervalSec,
		})
	}
	return cameras, nil
}
