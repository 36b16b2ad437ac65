package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"highway-vlm-monitor/internal/models"
	"highway-vlm-monitor/shared/logx"
)

type fakeFetcher struct {
	frames map[string][]byte
	errs   map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, camera models.Camera) ([]byte, string, error) {
	if err := f.errs[camera.CameraID]; err != nil {
		return nil, "", err
	}
	return f.frames[camera.CameraID], "image/jpeg", nil
}

type fakeAnalyzer struct {
	result models.AnalysisResult
	err    error
	calls  []string
}

func (a *fakeAnalyzer) Analyze(_ context.Context, camera models.Camera, _ []byte, _ string, _ time.Time) (models.AnalysisResult, string, error) {
	a.calls = append(a.calls, camera.CameraID)
	if a.err != nil {
		return models.AnalysisResult{}, "", a.err
	}
	return a.result, `{"raw":"text"}`, nil
}

func (a *fakeAnalyzer) Model() string { return "test-model" }

type fakeFrames struct {
	saved int
	raw   int
}

func (f *fakeFrames) SaveFrame(cameraID string, _ []byte, _ string, capturedAt time.Time) (string, error) {
	f.saved++
	return fmt.Sprintf("frames/%s_%s.jpg", cameraID, models.CompactStamp(capturedAt)), nil
}

func (f *fakeFrames) SaveRawOutput(string, time.Time, string, string, models.AnalysisResult) (string, error) {
	f.raw++
	return "raw.json", nil
}

type fakeSink struct {
	entries []models.LogEntry
}

func (s *fakeSink) Write(_ context.Context, entry models.LogEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

type fixture struct {
	sched    *Scheduler
	fetcher  *fakeFetcher
	analyzer *fakeAnalyzer
	frames   *fakeFrames
	sink     *fakeSink
	now      *time.Time
	cameras  []models.Camera
}

func newFixture(t *testing.T, cfg Config, cameras []models.Camera) *fixture {
	t.Helper()
	f := &fixture{
		fetcher:  &fakeFetcher{frames: map[string][]byte{}, errs: map[string]error{}},
		analyzer: &fakeAnalyzer{result: models.AnalysisResult{
			ObservedDirection: "EB",
			TrafficState:      models.TrafficFree,
			Incidents:         []models.Incident{},
			Notes:             "steady flow across all lanes",
			OverallConfidence: 0.9,
		}},
		frames:  &fakeFrames{},
		sink:    &fakeSink{},
		cameras: cameras,
	}
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.now = &start
	f.sched = New(cfg,
		func() ([]models.Camera, error) { return f.cameras, nil },
		nil, f.fetcher, f.analyzer, f.frames, f.sink,
		logx.New("scheduler-test", "test", "", "error"),
	).WithClock(func() time.Time { return *f.now })
	return f
}

func (f *fixture) advance(d time.Duration) {
	next := f.now.Add(d)
	*f.now = next
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	if err := f.sched.RunTick(context.Background()); err != nil {
		t.Fatalf("RunTick: %v", err)
	}
}

func lastEntry(t *testing.T, sink *fakeSink) models.LogEntry {
	t.Helper()
	if len(sink.entries) == 0 {
		t.Fatal("no entries written")
	}
	return sink.entries[len(sink.entries)-1]
}

func skipReason(entry models.LogEntry) string {
	if entry.SkippedReason == nil {
		return ""
	}
	return *entry.SkippedReason
}

func TestTickAnalyzesDueCamera(t *testing.T) {
	cameras := []models.Camera{{CameraID: "cam-1", Direction: "E"}}
	f := newFixture(t, Config{PollInterval: 30 * time.Second, MaxCallsPerTick: 1}, cameras)
	f.fetcher.frames["cam-1"] = []byte("frame-a")

	f.tick(t)

	if len(f.sink.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(f.sink.entries))
	}
	entry := f.sink.entries[0]
	if entry.TrafficState != models.TrafficFree || entry.SkippedReason != nil || entry.Error != nil {
		t.Fatalf("unexpected entry: %#v", entry)
	}
	if entry.RawResponse == nil || *entry.RawResponse == "" {
		t.Fatal("raw response not recorded")
	}
	if entry.FrameHash == nil || entry.ImagePath == nil || entry.CapturedAt == nil {
		t.Fatalf("frame metadata missing: %#v", entry)
	}
	if entry.LastProcessedAt == nil {
		t.Fatal("last_processed_at not recorded")
	}
	if f.frames.raw != 1 {
		t.Fatalf("raw output artifacts = %d, want 1", f.frames.raw)
	}
}

func TestNotDueCameraProducesNoRow(t *testing.T) {
	cameras := []models.Camera{{CameraID: "cam-1"}}
	f := newFixture(t, Config{PollInterval: 30 * time.Second, MaxCallsPerTick: 1}, cameras)
	f.fetcher.frames["cam-1"] = []byte("frame-a")

	f.tick(t)
	f.advance(5 * time.Second)
	f.tick(t)

	if len(f.sink.entries) != 1 {
		t.Fatalf("not-due camera must not write a row: got %d entries", len(f.sink.entries))
	}
}

func TestFetchFailureWritesErrorRow(t *testing.T) {
	cameras := []models.Camera{{CameraID: "cam-1"}}
	f := newFixture(t, Config{PollInterval: 30 * time.Second, MaxCallsPerTick: 1}, cameras)
	f.fetcher.errs["cam-1"] = errors.New("HTTP 503 fetching snapshot")

	f.tick(t)

	entry := lastEntry(t, f.sink)
	if entry.Error == nil || skipReason(entry) != "" {
		t.Fatalf("expected error row, got %#v", entry)
	}
	if got := *entry.Error; got != "snapshot_failed: HTTP 503 fetching snapshot" {
		t.Fatalf("unexpected error: %q", got)
	}
	if len(f.analyzer.calls) != 0 {
		t.Fatal("analyzer must not run after fetch failure")
	}
}

func TestFetchFailureReusesLastImagePath(t *testing.T) {
	cameras := []models.Camera{{CameraID: "cam-1"}}
	f := newFixture(t, Config{PollInterval: 30 * time.Second, MaxCallsPerTick: 1}, cameras)
	f.fetcher.frames["cam-1"] = []byte("frame-a")

	f.tick(t)
	firstPath := *lastEntry(t, f.sink).ImagePath

	f.advance(31 * time.Second)
	f.fetcher.errs["cam-1"] = errors.New("timeout")
	f.tick(t)

	entry := lastEntry(t, f.sink)
	if entry.ImagePath == nil || *entry.ImagePath != firstPath {
		t.Fatalf("error row should reuse last stored path %q, got %v", firstPath, entry.ImagePath)
	}
}

func TestEmptySnapshotSkip(t *testing.T) {
	cameras := []models.Camera{{CameraID: "cam-1"}}
	f := newFixture(t, Config{PollInterval: 30 * time.Second, MaxCallsPerTick: 1}, cameras)
	f.fetcher.frames["cam-1"] = []byte{}

	f.tick(t)

	entry := lastEntry(t, f.sink)
	if skipReason(entry) != models.SkipEmptySnapshot {
		t.Fatalf("skip reason = %q, want empty_snapshot", skipReason(entry))
	}
	if entry.FrameHash != nil {
		t.Fatal("empty snapshot must not record a frame hash")
	}
}

func TestUnchangedFrameSkip(t *testing.T) {
	cameras := []models.Camera{{CameraID: "cam-1"}}
	f := newFixture(t, Config{PollInterval: 30 * time.Second, MaxCallsPerTick: 1}, cameras)
	f.fetcher.frames["cam-1"] = []byte("frame-a")

	f.tick(t)
	f.advance(31 * time.Second)
	f.tick(t)

	entry := lastEntry(t, f.sink)
	if skipReason(entry) != models.SkipUnchangedFrame {
		t.Fatalf("skip reason = %q, want unchanged_frame", skipReason(entry))
	}
	// the frame was still seen and stored
	if entry.FrameHash == nil || entry.ImagePath == nil || entry.CapturedAt == nil {
		t.Fatalf("skip row missing frame metadata: %#v", entry)
	}
	if entry.LastSeenAt == nil || !entry.LastSeenAt.After(*entry.LastProcessedAt) {
		t.Fatal("last_seen_at should advance past last_processed_at on unchanged frames")
	}
	if len(f.analyzer.calls) != 1 {
		t.Fatalf("analyzer calls = %d, want 1", len(f.analyzer.calls))
	}
}

func TestMinIntervalSkip(t *testing.T) {
	cameras := []models.Camera{{CameraID: "cam-1"}}
	f := newFixture(t, Config{PollInterval: 30 * time.Second, MinVLMInterval: 5 * time.Minute, MaxCallsPerTick: 1}, cameras)
	f.fetcher.frames["cam-1"] = []byte("frame-a")

	f.tick(t)
	f.advance(31 * time.Second)
	f.fetcher.frames["cam-1"] = []byte("frame-b")
	f.tick(t)

	entry := lastEntry(t, f.sink)
	if skipReason(entry) != models.SkipMinInterval {
		t.Fatalf("skip reason = %q, want vlm_min_interval", skipReason(entry))
	}

	f.advance(5 * time.Minute)
	f.fetcher.frames["cam-1"] = []byte("frame-c")
	f.tick(t)
	if got := skipReason(lastEntry(t, f.sink)); got != "" {
		t.Fatalf("camera should analyze after interval elapses, got skip %q", got)
	}
}

func TestErrorCooldownSkip(t *testing.T) {
	cameras := []models.Camera{{CameraID: "cam-1"}}
	f := newFixture(t, Config{PollInterval: 10 * time.Second, ErrorCooldown: time.Minute, MaxCallsPerTick: 1}, cameras)
	f.fetcher.frames["cam-1"] = []byte("frame-a")
	f.analyzer.err = errors.New("HTTP 500: transient")

	f.tick(t)
	if entry := lastEntry(t, f.sink); entry.Error == nil {
		t.Fatalf("expected error row, got %#v", entry)
	}

	f.advance(11 * time.Second)
	f.fetcher.frames["cam-1"] = []byte("frame-b")
	f.analyzer.err = nil
	f.tick(t)

	entry := lastEntry(t, f.sink)
	if skipReason(entry) != models.SkipErrorCooldown {
		t.Fatalf("skip reason = %q, want vlm_error_cooldown", skipReason(entry))
	}
}

func TestMaxCallsPerTick(t *testing.T) {
	cameras := []models.Camera{{CameraID: "cam-1"}, {CameraID: "cam-2"}}
	f := newFixture(t, Config{PollInterval: 30 * time.Second, MaxCallsPerTick: 1}, cameras)
	f.fetcher.frames["cam-1"] = []byte("frame-a")
	f.fetcher.frames["cam-2"] = []byte("frame-b")

	f.tick(t)

	if len(f.sink.entries) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(f.sink.entries))
	}
	if len(f.analyzer.calls) != 1 {
		t.Fatalf("analyzer calls = %d, want 1", len(f.analyzer.calls))
	}
	var skips int
	for _, entry := range f.sink.entries {
		if skipReason(entry) == models.SkipMaxCallsPerTick {
			skips++
		}
	}
	if skips != 1 {
		t.Fatalf("expected exactly 1 vlm_max_calls_per_run skip, got %d", skips)
	}
}

func TestQuotaErrorRecordedAsSkip(t *testing.T) {
	cameras := []models.Camera{{CameraID: "cam-1"}}
	f := newFixture(t, Config{PollInterval: 30 * time.Second, MaxCallsPerTick: 1}, cameras)
	f.fetcher.frames["cam-1"] = []byte("frame-a")
	f.analyzer.err = errors.New("HTTP 429: insufficient_quota")

	f.tick(t)

	entry := lastEntry(t, f.sink)
	if skipReason(entry) != models.SkipQuotaExceeded {
		t.Fatalf("skip reason = %q, want vlm_quota_exceeded", skipReason(entry))
	}
	if entry.Error != nil {
		t.Fatalf("quota exhaustion must not be recorded as an error: %v", *entry.Error)
	}
}

func TestQuotaErrorStillCoolsDown(t *testing.T) {
	cameras := []models.Camera{{CameraID: "cam-1"}}
	f := newFixture(t, Config{PollInterval: 10 * time.Second, ErrorCooldown: time.Minute, MaxCallsPerTick: 1}, cameras)
	f.fetcher.frames["cam-1"] = []byte("frame-a")
	f.analyzer.err = errors.New("You exceeded your current quota")

	f.tick(t)
	f.advance(11 * time.Second)
	f.fetcher.frames["cam-1"] = []byte("frame-b")
	f.analyzer.err = nil
	f.tick(t)

	if got := skipReason(lastEntry(t, f.sink)); got != models.SkipErrorCooldown {
		t.Fatalf("quota failures should start the cooldown, got %q", got)
	}
}

func TestFairnessNeverProcessedFirst(t *testing.T) {
	cameras := []models.Camera{{CameraID: "cam-old"}, {CameraID: "cam-new"}}
	f := newFixture(t, Config{PollInterval: 10 * time.Second, MaxCallsPerTick: 1}, cameras)
	f.fetcher.frames["cam-old"] = []byte("frame-a")
	f.fetcher.frames["cam-new"] = []byte("frame-b")

	// first tick: cam-old analyzes (listed first), cam-new hits the call cap
	f.tick(t)
	if f.analyzer.calls[0] != "cam-old" {
		t.Fatalf("first call went to %s", f.analyzer.calls[0])
	}

	// second tick: cam-new has never been processed, so it goes first
	f.advance(11 * time.Second)
	f.fetcher.frames["cam-old"] = []byte("frame-c")
	f.fetcher.frames["cam-new"] = []byte("frame-d")
	f.tick(t)
	if f.analyzer.calls[1] != "cam-new" {
		t.Fatalf("second call went to %s, want cam-new", f.analyzer.calls[1])
	}
}

func TestPerCameraPollIntervalOverride(t *testing.T) {
	cameras := []models.Camera{{CameraID: "cam-slow", PollIntervalSec: 120}}
	f := newFixture(t, Config{PollInterval: 10 * time.Second, MaxCallsPerTick: 1}, cameras)
	f.fetcher.frames["cam-slow"] = []byte("frame-a")

	f.tick(t)
	f.advance(60 * time.Second)
	f.tick(t)

	if len(f.sink.entries) != 1 {
		t.Fatalf("camera with 120s interval polled twice in 60s: %d entries", len(f.sink.entries))
	}
}

func TestRosterErrorFailsTick(t *testing.T) {
	f := newFixture(t, Config{PollInterval: time.Second}, nil)
	f.sched.roster = func() ([]models.Camera, error) { return nil, errors.New("yaml broken") }
	if err := f.sched.RunTick(context.Background()); err == nil {
		t.Fatal("expected roster error to fail the tick")
	}
}
