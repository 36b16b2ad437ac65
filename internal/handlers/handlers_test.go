package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"highway-vlm-monitor/internal/models"
	"highway-vlm-monitor/shared/logx"
)

type fakeStore struct {
	cameras   []models.Camera
	latest    *models.LogEntry
	logs      []models.LogEntry
	incidents []models.IncidentEvent
	snapshots []models.HourlySnapshot
	overview  models.ArchiveOverview
	err       error

	gotCameraID string
	gotLimit    int
}

func (s *fakeStore) ListCameras(context.Context) ([]models.Camera, error) {
	return s.cameras, s.err
}

func (s *fakeStore) LatestLog(_ context.Context, cameraID string) (*models.LogEntry, error) {
	s.gotCameraID = cameraID
	return s.latest, s.err
}

func (s *fakeStore) ListLogs(_ context.Context, cameraID string, limit int) ([]models.LogEntry, error) {
	s.gotCameraID, s.gotLimit = cameraID, limit
	return s.logs, s.err
}

func (s *fakeStore) ListIncidentEvents(_ context.Context, cameraID string, limit int) ([]models.IncidentEvent, error) {
	s.gotCameraID, s.gotLimit = cameraID, limit
	return s.incidents, s.err
}

func (s *fakeStore) ListHourlySnapshots(_ context.Context, cameraID string, limit int) ([]models.HourlySnapshot, error) {
	s.gotCameraID, s.gotLimit = cameraID, limit
	return s.snapshots, s.err
}

func (s *fakeStore) ArchiveOverview(_ context.Context, cameraID string) (models.ArchiveOverview, error) {
	s.gotCameraID = cameraID
	return s.overview, s.err
}

type fakeCache struct {
	entries map[string]models.LogEntry
	err     error
	reads   int
}

func (c *fakeCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	c.reads++
	if c.err != nil {
		return false, c.err
	}
	entry, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	*dest.(*models.LogEntry) = entry
	return true, nil
}

func testLogger() logx.Logger {
	return logx.New("handlers-test", "test", "", "error")
}

func doRequest(h http.HandlerFunc, method string, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestCameras(t *testing.T) {
	store := &fakeStore{cameras: []models.Camera{{CameraID: "cam-1"}, {CameraID: "cam-2"}}}
	h := New(store, testLogger())

	rec := doRequest(h.Cameras, http.MethodGet, "/api/cameras")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"].(float64) != 2 {
		t.Fatalf("count = %v", body["count"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := New(&fakeStore{}, testLogger())
	rec := doRequest(h.Cameras, http.MethodPost, "/api/cameras")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestLatestStatusFromStore(t *testing.T) {
	entry := models.LogEntry{CameraID: "cam-1", TrafficState: models.TrafficHeavy}
	store := &fakeStore{latest: &entry}
	h := New(store, testLogger())

	rec := doRequest(h.LatestStatus, http.MethodGet, "/api/status/latest?camera_id=cam-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if store.gotCameraID != "cam-1" {
		t.Fatalf("camera_id filter = %q", store.gotCameraID)
	}
	body := decodeBody(t, rec)
	if body["traffic_state"] != "heavy" {
		t.Fatalf("traffic_state = %v", body["traffic_state"])
	}
}

func TestLatestStatusEmptyArchive(t *testing.T) {
	h := New(&fakeStore{}, testLogger())
	rec := doRequest(h.LatestStatus, http.MethodGet, "/api/status/latest")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestLatestStatusPrefersCache(t *testing.T) {
	store := &fakeStore{latest: &models.LogEntry{CameraID: "cam-1", TrafficState: models.TrafficFree}}
	cache := &fakeCache{entries: map[string]models.LogEntry{
		"camera:latest:cam-1": {CameraID: "cam-1", TrafficState: models.TrafficStopAndGo},
	}}
	h := New(store, testLogger()).WithCache(cache)

	rec := doRequest(h.LatestStatus, http.MethodGet, "/api/status/latest?camera_id=cam-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["traffic_state"] != "stop_and_go" {
		t.Fatalf("cache was not preferred: traffic_state = %v", body["traffic_state"])
	}
	if store.gotCameraID != "" {
		t.Fatal("store should not be queried on a cache hit")
	}
}

func TestLatestStatusCacheFailureFallsBack(t *testing.T) {
	store := &fakeStore{latest: &models.LogEntry{CameraID: "cam-1", TrafficState: models.TrafficFree}}
	cache := &fakeCache{err: errors.New("redis down")}
	h := New(store, testLogger()).WithCache(cache)

	rec := doRequest(h.LatestStatus, http.MethodGet, "/api/status/latest?camera_id=cam-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if store.gotCameraID != "cam-1" {
		t.Fatal("store fallback did not run")
	}
}

func TestLatestStatusSkipsCacheWithoutCameraID(t *testing.T) {
	store := &fakeStore{latest: &models.LogEntry{CameraID: "cam-1"}}
	cache := &fakeCache{}
	h := New(store, testLogger()).WithCache(cache)

	doRequest(h.LatestStatus, http.MethodGet, "/api/status/latest")
	if cache.reads != 0 {
		t.Fatal("fleet-wide latest must not read the per-camera cache")
	}
}

func TestLogsPassesFilterAndLimit(t *testing.T) {
	store := &fakeStore{logs: []models.LogEntry{{CameraID: "cam-1"}}}
	h := New(store, testLogger())

	rec := doRequest(h.Logs, http.MethodGet, "/api/logs?camera_id=cam-1&limit=25")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if store.gotCameraID != "cam-1" || store.gotLimit != 25 {
		t.Fatalf("filter = %q, limit = %d", store.gotCameraID, store.gotLimit)
	}
}

func TestLogsRejectsBadLimit(t *testing.T) {
	h := New(&fakeStore{}, testLogger())
	for _, raw := range []string{"abc", "0", "-5"} {
		rec := doRequest(h.Logs, http.MethodGet, "/api/logs?limit="+raw)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("limit=%q: status = %d, want 400", raw, rec.Code)
		}
	}
}

func TestLogsClampsLimit(t *testing.T) {
	store := &fakeStore{}
	h := New(store, testLogger())
	doRequest(h.Logs, http.MethodGet, "/api/logs?limit=99999")
	if store.gotLimit != maxListLimit {
		t.Fatalf("limit = %d, want %d", store.gotLimit, maxListLimit)
	}
}

func TestIncidents(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{incidents: []models.IncidentEvent{
		{CameraID: "cam-1", CreatedAt: now, IncidentType: "crash", Severity: models.SeverityHigh},
	}}
	h := New(store, testLogger())

	rec := doRequest(h.Incidents, http.MethodGet, "/api/incidents")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"].(float64) != 1 {
		t.Fatalf("count = %v", body["count"])
	}
}

func TestOverview(t *testing.T) {
	store := &fakeStore{overview: models.ArchiveOverview{IncidentTotal: 7, HourlyTotal: 48}}
	h := New(store, testLogger())

	rec := doRequest(h.Overview, http.MethodGet, "/api/archive/overview?camera_id=cam-2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if store.gotCameraID != "cam-2" {
		t.Fatalf("camera_id filter = %q", store.gotCameraID)
	}
	body := decodeBody(t, rec)
	if body["incident_total"].(float64) != 7 {
		t.Fatalf("incident_total = %v", body["incident_total"])
	}
}

func TestStoreErrorIs500(t *testing.T) {
	h := New(&fakeStore{err: errors.New("db down")}, testLogger())
	rec := doRequest(h.HourlySnapshots, http.MethodGet, "/api/archive/hourly")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
