package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"highway-vlm-monitor/internal/models"
	"highway-vlm-monitor/shared/events"
	"highway-vlm-monitor/shared/httpx"
	"highway-vlm-monitor/shared/logx"
)

// ArchiveStore is the read surface over the traffic archive.
type ArchiveStore interface {
	ListCameras(ctx context.Context) ([]models.Camera, error)
	LatestLog(ctx context.Context, cameraID string) (*models.LogEntry, error)
	ListLogs(ctx context.Context, cameraID string, limit int) ([]models.LogEntry, error)
	ListIncidentEvents(ctx context.Context, cameraID string, limit int) ([]models.IncidentEvent, error)
	ListHourlySnapshots(ctx context.Context, cameraID string, limit int) ([]models.HourlySnapshot, error)
	ArchiveOverview(ctx context.Context, cameraID string) (models.ArchiveOverview, error)
}

// StatusCache serves the latest per-camera status without touching the
// database. Optional; the archive is the fallback.
type StatusCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
}

const maxListLimit = 1000

type Handler struct {
	store  ArchiveStore
	cache  StatusCache
	logger logx.Logger
}

func New(store ArchiveStore, logger logx.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) WithCache(c StatusCache) *Handler { h.cache = c; return h }

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/cameras", h.Cameras)
	mux.HandleFunc("/api/status/latest", h.LatestStatus)
	mux.HandleFunc("/api/logs", h.Logs)
	mux.HandleFunc("/api/incidents", h.Incidents)
	mux.HandleFunc("/api/archive/hourly", h.HourlySnapshots)
	mux.HandleFunc("/api/archive/overview", h.Overview)
}

func (h *Handler) Cameras(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	cameras, err := h.store.ListCameras(r.Context())
	if err != nil {
		h.internalError(w, r, "list cameras", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"cameras": cameras, "count": len(cameras)})
}

// LatestStatus returns the newest archive row, preferring the status cache
// when a single camera is requested.
func (h *Handler) LatestStatus(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	cameraID := strings.TrimSpace(r.URL.Query().Get("camera_id"))

	if h.cache != nil && cameraID != "" {
		var entry models.LogEntry
		found, err := h.cache.GetJSON(r.Context(), events.KeyLatestStatusPrefix+cameraID, &entry)
		if err != nil {
			h.logger.Warn(r.Context(), "status_cache_read_failed", "status cache read failed",
				logx.Camera(cameraID), logx.Err(err))
		} else if found {
			httpx.WriteJSON(w, http.StatusOK, entry)
			return
		}
	}

	entry, err := h.store.LatestLog(r.Context(), cameraID)
	if err != nil {
		h.internalError(w, r, "load latest status", err)
		return
	}
	if entry == nil {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no observations archived yet", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, entry)
}

func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	cameraID, limit, ok := listParams(w, r)
	if !ok {
		return
	}
	entries, err := h.store.ListLogs(r.Context(), cameraID, limit)
	if err != nil {
		h.internalError(w, r, "list logs", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"logs": entries, "count": len(entries)})
}

func (h *Handler) Incidents(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	cameraID, limit, ok := listParams(w, r)
	if !ok {
		return
	}
	incidents, err := h.store.ListIncidentEvents(r.Context(), cameraID, limit)
	if err != nil {
		h.internalError(w, r, "list incidents", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"incidents": incidents, "count": len(incidents)})
}

func (h *Handler) HourlySnapshots(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	cameraID, limit, ok := listParams(w, r)
	if !ok {
		return
	}
	snapshots, err := h.store.ListHourlySnapshots(r.Context(), cameraID, limit)
	if err != nil {
		h.internalError(w, r, "list hourly snapshots", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots, "count": len(snapshots)})
}

func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	cameraID := strings.TrimSpace(r.URL.Query().Get("camera_id"))
	overview, err := h.store.ArchiveOverview(r.Context(), cameraID)
	if err != nil {
		h.internalError(w, r, "load archive overview", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, overview)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(r.Context(), "query_failed", op+" failed",
		slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
		logx.Err(err))
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
		return false
	}
	return true
}

// listParams reads the shared camera_id/limit query parameters. A malformed
// limit is a client error, not a silent default.
func listParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	cameraID := strings.TrimSpace(r.URL.Query().Get("camera_id"))
	rawLimit := strings.TrimSpace(r.URL.Query().Get("limit"))
	if rawLimit == "" {
		return cameraID, 0, true
	}
	limit, err := strconv.Atoi(rawLimit)
	if err != nil || limit <= 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", nil)
		return "", 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return cameraID, limit, true
}
