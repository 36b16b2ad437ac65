package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"highway-vlm-monitor/internal/models"
	"highway-vlm-monitor/shared/config"
	"highway-vlm-monitor/shared/metricsx"
)

// SnapshotError is returned for every failed fetch so the scheduler can
// record a snapshot_failed log row with the reason intact.
type SnapshotError struct {
	CameraID string
	Reason   string
	Err      error
}

func (e *SnapshotError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// Resolver turns a camera's configured URL into raw frame bytes. Agencies
// publish snapshots as direct images, JSON metadata, or HTML viewer pages;
// the heuristics below are tried in that order.
type Resolver struct {
	client           *http.Client
	snapshotTemplate string
	metadataTemplate string
	customImageRegex *regexp.Regexp
}

var (
	imageExtRe   = regexp.MustCompile(`(?i)\.(?:jpg|jpeg|png|gif)(?:\?|$)`)
	htmlKeyRe    = regexp.MustCompile(`(?is)"(?:imageUrl|snapshotUrl|snapshot_url|image_url)"\s*:\s*"([^"]+)"`)
	htmlAssignRe = regexp.MustCompile(`(?is)(?:imageUrl|snapshotUrl|snapshot_url|image_url)\s*=\s*"([^"]+)"`)
	htmlSrcRe    = regexp.MustCompile(`(?i)src=['"]([^'"]+\.(?:jpg|jpeg|png))['"]`)
	htmlBareRe   = regexp.MustCompile(`(?i)https?://[^"'\s>]+?\.(?:jpg|jpeg|png)`)
)

func NewResolver(cfg config.Config) (*Resolver, error) {
	var custom *regexp.Regexp
	if strings.TrimSpace(cfg.ImageURLRegex) != "" {
		re, err := regexp.Compile("(?is)" + cfg.ImageURLRegex)
		if err != nil {
			return nil, fmt.Errorf("IMAGE_URL_REGEX: %w", err)
		}
		custom = re
	}
	return &Resolver{
		client: &http.Client{
			Timeout: time.Duration(cfg.SnapshotTimeoutSec) * time.Second,
		},
		snapshotTemplate: strings.TrimSpace(cfg.SnapshotURLTemplate),
		metadataTemplate: strings.TrimSpace(cfg.MetadataURLTemplate),
		customImageRegex: custom,
	}, nil
}

// Fetch resolves and downloads one frame. The returned content type is the
// server-reported one, uncleaned.
func (r *Resolver) Fetch(ctx context.Context, camera models.Camera) ([]byte, string, error) {
	start := time.Now()
	body, contentType, err := r.fetch(ctx, camera)
	metricsx.ObserveSnapshotFetchLatency(time.Since(start))
	if err != nil {
		metricsx.IncSnapshotFetch("error")
		return nil, "", err
	}
	metricsx.IncSnapshotFetch("ok")
	return body, contentType, nil
}

func (r *Resolver) fetch(ctx context.Context, camera models.Camera) ([]byte, string, error) {
	snapshotURL, err := r.buildSnapshotURL(camera)
	if err != nil {
		return nil, "", err
	}

	body, contentType, err := r.get(ctx, snapshotURL)
	if err != nil {
		return nil, "", &SnapshotError{CameraID: camera.CameraID, Reason: "snapshot_request_failed", Err: err}
	}

	lower := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(lower, "image/"):
		return body, contentType, nil

	case strings.Contains(lower, "application/json") || strings.Contains(lower, "text/json"):
		imageURL := extractImageURLFromPayload(decodeJSON(body), snapshotURL)
		if imageURL == "" {
			return nil, "", &SnapshotError{CameraID: camera.CameraID, Reason: "snapshot_metadata_missing_image_url"}
		}
		return r.getImage(ctx, camera.CameraID, imageURL)

	case isViewerURL(snapshotURL) || strings.Contains(lower, "text/html"):
		imageURL := r.extractImageURLFromHTML(string(body), snapshotURL)
		if imageURL == "" {
			imageURL = r.fetchMetadataImageURL(ctx, camera)
		}
		if imageURL == "" {
			imageURL = r.probeOriginMetadata(ctx, camera, snapshotURL)
		}
		if imageURL == "" {
			return nil, "", &SnapshotError{
				CameraID: camera.CameraID,
				Reason: "snapshot_url must be a direct image URL or metadata template; set SNAPSHOT_URL_TEMPLATE, " +
					"CAMERA_METADATA_URL_TEMPLATE, or IMAGE_URL_REGEX",
			}
		}
		return r.getImage(ctx, camera.CameraID, imageURL)

	case contentType != "":
		return nil, "", &SnapshotError{
			CameraID: camera.CameraID,
			Reason:   fmt.Sprintf("snapshot_not_image: content_type=%s", contentType),
		}
	}
	return body, contentType, nil
}

func (r *Resolver) buildSnapshotURL(camera models.Camera) (string, error) {
	if camera.SnapshotURL != "" {
		return camera.SnapshotURL, nil
	}
	if r.snapshotTemplate == "" {
		return "", &SnapshotError{
			CameraID: camera.CameraID,
			Reason:   "snapshot_url missing; set SNAPSHOT_URL_TEMPLATE or camera snapshot_url",
		}
	}
	if camera.CameraID == "" {
		return "", &SnapshotError{Reason: "camera_id is required to build snapshot URL"}
	}
	return strings.ReplaceAll(r.snapshotTemplate, "{camera_id}", camera.CameraID), nil
}

func (r *Resolver) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// getImage fetches a secondary URL discovered through metadata. Anything
// that is not an image here is a hard failure, not another redirect hop.
func (r *Resolver) getImage(ctx context.Context, cameraID string, imageURL string) ([]byte, string, error) {
	body, contentType, err := r.get(ctx, imageURL)
	if err != nil {
		return nil, "", &SnapshotError{CameraID: cameraID, Reason: "snapshot_image_request_failed", Err: err}
	}
	if contentType != "" && !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return nil, "", &SnapshotError{
			CameraID: cameraID,
			Reason:   fmt.Sprintf("snapshot_not_image: content_type=%s", contentType),
		}
	}
	return body, contentType, nil
}

func (r *Resolver) fetchMetadataImageURL(ctx context.Context, camera models.Camera) string {
	if r.metadataTemplate == "" || camera.CameraID == "" {
		return ""
	}
	metaURL := strings.ReplaceAll(r.metadataTemplate, "{camera_id}", camera.CameraID)
	body, _, err := r.get(ctx, metaURL)
	if err != nil {
		return ""
	}
	return extractImageURLFromPayload(decodeJSON(body), metaURL)
}

// probeOriginMetadata tries the metadata endpoints commonly exposed by
// traffic-camera portals, newest API version first.
func (r *Resolver) probeOriginMetadata(ctx context.Context, camera models.Camera, baseURL string) string {
	origin := baseOrigin(baseURL)
	if origin == "" || camera.CameraID == "" {
		return ""
	}
	id := camera.CameraID
	candidates := []string{
		origin + "/api/v2/cameras/" + id,
		origin + "/api/v1/cameras/" + id,
		origin + "/api/cameras/" + id,
		origin + "/api/v2/cameras?ids=" + id,
		origin + "/api/v1/cameras?ids=" + id,
		origin + "/api/cameras?ids=" + id,
		origin + "/api/v2/cameras?camera_ids=" + id,
		origin + "/api/v1/cameras?camera_ids=" + id,
		origin + "/api/cameras?camera_ids=" + id,
		origin + "/api/cameras?cameraId=" + id,
	}
	for _, candidate := range candidates {
		body, _, err := r.get(ctx, candidate)
		if err != nil {
			continue
		}
		payload := decodeJSON(body)
		if payload == nil {
			continue
		}
		if imageURL := extractImageURLFromPayload(payload, candidate); imageURL != "" {
			return imageURL
		}
	}
	return ""
}

func (r *Resolver) extractImageURLFromHTML(html string, baseURL string) string {
	if html == "" {
		return ""
	}
	patterns := make([]*regexp.Regexp, 0, 5)
	if r.customImageRegex != nil {
		patterns = append(patterns, r.customImageRegex)
	}
	patterns = append(patterns, htmlKeyRe, htmlAssignRe, htmlSrcRe, htmlBareRe)
	for _, pattern := range patterns {
		match := pattern.FindStringSubmatch(html)
		if match == nil {
			continue
		}
		candidate := match[0]
		if len(match) > 1 && match[1] != "" {
			candidate = match[1]
		}
		return resolveAgainst(baseURL, candidate)
	}
	return ""
}

func decodeJSON(body []byte) any {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	return payload
}

// extractImageURLFromPayload walks a decoded JSON document looking for the
// first string that plausibly points at an image.
func extractImageURLFromPayload(payload any, baseURL string) string {
	if payload == nil {
		return ""
	}
	stack := []any{payload}
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch v := item.(type) {
		case map[string]any:
			for key, value := range v {
				switch inner := value.(type) {
				case string:
					if looksLikeImageURL(inner, strings.ToLower(key)) {
						return resolveAgainst(baseURL, inner)
					}
				case map[string]any, []any:
					stack = append(stack, inner)
				}
			}
		case []any:
			for _, value := range v {
				if s, ok := value.(string); ok {
					if looksLikeImageURL(s, "") {
						return resolveAgainst(baseURL, s)
					}
					continue
				}
				stack = append(stack, value)
			}
		}
	}
	return ""
}

func looksLikeImageURL(value string, keyHint string) bool {
	if value == "" {
		return false
	}
	lowered := strings.ToLower(value)
	if imageExtRe.MatchString(lowered) {
		return !isViewerURL(lowered)
	}
	if !strings.HasPrefix(lowered, "http://") && !strings.HasPrefix(lowered, "https://") && !strings.HasPrefix(lowered, "/") {
		return false
	}
	if isViewerURL(lowered) {
		return false
	}
	if keyHint != "" && (strings.Contains(keyHint, "image") || strings.Contains(keyHint, "snapshot")) {
		return true
	}
	return strings.Contains(lowered, "image") || strings.Contains(lowered, "snapshot")
}

// Viewer pages link back to themselves; those URLs never serve image bytes.
func isViewerURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	lowered := strings.ToLower(rawURL)
	return strings.Contains(lowered, "list/cameras") ||
		strings.Contains(lowered, "#media/camera") ||
		strings.Contains(lowered, "/media/camera/")
}

func baseOrigin(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

func resolveAgainst(baseURL string, ref string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

// IsSnapshotError reports whether err carries snapshot resolution context.
func IsSnapshotError(err error) bool {
	var se *SnapshotError
	return errors.As(err, &se)
}
