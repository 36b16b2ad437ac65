package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"highway-vlm-monitor/internal/models"
	"highway-vlm-monitor/internal/vlm"
	"highway-vlm-monitor/shared/logx"
	"highway-vlm-monitor/shared/metricsx"
	"highway-vlm-monitor/shared/redact"
)

type Fetcher interface {
	Fetch(ctx context.Context, camera models.Camera) ([]byte, string, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, camera models.Camera, image []byte, contentType string, capturedAt time.Time) (models.AnalysisResult, string, error)
	Model() string
}

type FrameStore interface {
	SaveFrame(cameraID string, image []byte, contentType string, capturedAt time.Time) (string, error)
	SaveRawOutput(cameraID string, capturedAt time.Time, model string, responseText string, parsed models.AnalysisResult) (string, error)
}

type Sink interface {
	Write(ctx context.Context, entry models.LogEntry) error
}

type CameraSyncer interface {
	SyncCameras(ctx context.Context, cameras []models.Camera) error
}

type Config struct {
	PollInterval    time.Duration
	MinVLMInterval  time.Duration
	ErrorCooldown   time.Duration
	MaxCallsPerTick int
}

// cameraState is the in-memory runtime state per camera. It is rebuilt from
// scratch on restart; the archive is the durable record.
type cameraState struct {
	lastSeenHash      string
	lastSeenAt        *time.Time
	lastProcessedHash string
	lastProcessedAt   *time.Time
	lastImagePath     string
	lastPolledAt      *time.Time
	lastErrorAt       *time.Time
}

// Scheduler drives the pipeline: one cooperative loop, cameras visited
// sequentially, exactly one archived LogEntry per camera found due.
type Scheduler struct {
	cfg      Config
	roster   func() ([]models.Camera, error)
	syncer   CameraSyncer
	fetcher  Fetcher
	analyzer Analyzer
	frames   FrameStore
	sink     Sink
	logger   logx.Logger
	now      func() time.Time
	states   map[string]*cameraState
}

func New(cfg Config, roster func() ([]models.Camera, error), syncer CameraSyncer, fetcher Fetcher, analyzer Analyzer, frames FrameStore, sink Sink, logger logx.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		roster:   roster,
		syncer:   syncer,
		fetcher:  fetcher,
		analyzer: analyzer,
		frames:   frames,
		sink:     sink,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		states:   make(map[string]*cameraState),
	}
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run ticks until the context is cancelled. The inter-tick sleep is fixed;
// a slow tick simply delays the next one.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if err := s.RunTick(ctx); err != nil {
			s.logger.Error(ctx, "tick_failed", "pipeline tick failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// RunTick re-reads the roster, syncs the camera table, and walks every due
// camera in fairness order: least recently processed first, never-processed
// cameras ahead of everyone.
func (s *Scheduler) RunTick(ctx context.Context) error {
	start := s.now()
	defer func() { metricsx.ObserveTickDuration(time.Since(start)) }()

	cameras, err := s.roster()
	if err != nil {
		return fmt.Errorf("load camera roster: %w", err)
	}
	if s.syncer != nil {
		if err := s.syncer.SyncCameras(ctx, cameras); err != nil {
			s.logger.Warn(ctx, "camera_sync_failed", "failed to sync camera table", logx.Err(err))
		}
	}

	entries := make([]*tickEntry, 0, len(cameras))
	for _, camera := range cameras {
		if camera.CameraID == "" {
			continue
		}
		state, ok := s.states[camera.CameraID]
		if !ok {
			state = &cameraState{}
			s.states[camera.CameraID] = state
		}
		entries = append(entries, &tickEntry{camera: camera, state: state})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return processedAtOrZero(entries[i].state).Before(processedAtOrZero(entries[j].state))
	})

	callsMade := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.processCamera(ctx, entry.camera, entry.state, &callsMade)
	}
	return nil
}

type tickEntry struct {
	camera models.Camera
	state  *cameraState
}

func processedAtOrZero(state *cameraState) time.Time {
	if state.lastProcessedAt == nil {
		return time.Time{}
	}
	return *state.lastProcessedAt
}

func (s *Scheduler) pollInterval(camera models.Camera) time.Duration {
	if camera.PollIntervalSec > 0 {
		return time.Duration(camera.PollIntervalSec) * time.Second
	}
	return s.cfg.PollInterval
}

func (s *Scheduler) isDue(state *cameraState, interval time.Duration) bool {
	if interval <= 0 {
		return true
	}
	if state.lastPolledAt == nil {
		return true
	}
	return s.now().Sub(*state.lastPolledAt) >= interval
}

func (s *Scheduler) processCamera(ctx context.Context, camera models.Camera, state *cameraState, callsMade *int) {
	if !s.isDue(state, s.pollInterval(camera)) {
		return
	}
	// Poll time advances before the fetch so a hung fetch cannot leave the
	// camera permanently due.
	state.lastPolledAt = models.TimePtr(s.now())

	entry := models.LogEntry{
		CreatedAt:       s.now(),
		CameraID:        camera.CameraID,
		CameraName:      camera.Name,
		Corridor:        camera.Corridor,
		Direction:       camera.Direction,
		VLMModel:        s.analyzer.Model(),
		LastSeenAt:      state.lastSeenAt,
		LastProcessedAt: state.lastProcessedAt,
	}

	image, contentType, err := s.fetcher.Fetch(ctx, camera)
	if err != nil {
		s.logger.Warn(ctx, "snapshot_failed", "snapshot fetch failed",
			logx.Camera(camera.CameraID), logx.Err(err))
		if state.lastImagePath != "" {
			entry.ImagePath = models.StringPtr(state.lastImagePath)
		}
		entry.Error = models.StringPtr(redact.String(fmt.Sprintf("snapshot_failed: %v", err)))
		s.writeEntry(ctx, entry)
		return
	}
	if len(image) == 0 {
		s.recordSkip(ctx, &entry, state, models.SkipEmptySnapshot)
		return
	}

	imageHash := hashFrame(image)
	state.lastSeenHash = imageHash
	state.lastSeenAt = models.TimePtr(s.now())
	entry.FrameHash = models.StringPtr(imageHash)
	entry.LastSeenAt = state.lastSeenAt

	capturedAt := s.now()
	imagePath, err := s.frames.SaveFrame(camera.CameraID, image, contentType, capturedAt)
	if err != nil {
		s.logger.Warn(ctx, "frame_store_failed", "failed to persist frame",
			logx.Camera(camera.CameraID), logx.Err(err))
	} else {
		state.lastImagePath = imagePath
	}
	entry.CapturedAt = models.TimePtr(capturedAt)
	if state.lastImagePath != "" {
		entry.ImagePath = models.StringPtr(state.lastImagePath)
	}

	if state.lastProcessedHash == imageHash {
		s.recordSkip(ctx, &entry, state, models.SkipUnchangedFrame)
		return
	}
	if s.cfg.MinVLMInterval > 0 && state.lastProcessedAt != nil &&
		s.now().Sub(*state.lastProcessedAt) < s.cfg.MinVLMInterval {
		s.recordSkip(ctx, &entry, state, models.SkipMinInterval)
		return
	}
	if s.cfg.ErrorCooldown > 0 && state.lastErrorAt != nil &&
		s.now().Sub(*state.lastErrorAt) < s.cfg.ErrorCooldown {
		s.recordSkip(ctx, &entry, state, models.SkipErrorCooldown)
		return
	}
	if s.cfg.MaxCallsPerTick > 0 && *callsMade >= s.cfg.MaxCallsPerTick {
		s.recordSkip(ctx, &entry, state, models.SkipMaxCallsPerTick)
		return
	}

	result, rawText, err := s.analyzer.Analyze(ctx, camera, image, contentType, capturedAt)
	if err != nil {
		s.logger.Warn(ctx, "vlm_call_failed", "vision model call failed",
			logx.Camera(camera.CameraID), logx.Err(err))
		state.lastErrorAt = models.TimePtr(s.now())
		if vlm.IsQuotaError(err) {
			entry.SkippedReason = models.StringPtr(models.SkipQuotaExceeded)
			metricsx.IncCameraSkip(models.SkipQuotaExceeded)
		} else {
			entry.Error = models.StringPtr(redact.String(fmt.Sprintf("vlm_failed: %v", err)))
		}
		s.writeEntry(ctx, entry)
		return
	}

	state.lastProcessedAt = models.TimePtr(s.now())
	state.lastProcessedHash = imageHash
	entry.LastProcessedAt = state.lastProcessedAt
	*callsMade++

	if _, err := s.frames.SaveRawOutput(camera.CameraID, capturedAt, s.analyzer.Model(), rawText, result); err != nil {
		s.logger.Warn(ctx, "raw_output_write_failed", "failed to persist raw model output",
			logx.Camera(camera.CameraID), logx.Err(err))
	}

	entry.ObservedDirection = models.StringPtr(result.ObservedDirection)
	entry.TrafficState = result.TrafficState
	entry.Incidents = result.Incidents
	entry.Notes = models.StringPtr(result.Notes)
	entry.OverallConfidence = models.Float64Ptr(result.OverallConfidence)
	entry.RawResponse = models.StringPtr(rawText)
	s.writeEntry(ctx, entry)
}

func (s *Scheduler) recordSkip(ctx context.Context, entry *models.LogEntry, state *cameraState, reason string) {
	if entry.ImagePath == nil && state.lastImagePath != "" {
		entry.ImagePath = models.StringPtr(state.lastImagePath)
	}
	entry.SkippedReason = models.StringPtr(reason)
	metricsx.IncCameraSkip(reason)
	s.writeEntry(ctx, *entry)
}

func (s *Scheduler) writeEntry(ctx context.Context, entry models.LogEntry) {
	if err := s.sink.Write(ctx, entry); err != nil {
		s.logger.Error(ctx, "archive_write_failed", "failed to archive log entry",
			logx.Camera(entry.CameraID), logx.Err(err))
	}
}

func hashFrame(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}
