package vlm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"highway-vlm-monitor/internal/models"
	"highway-vlm-monitor/shared/config"
	"highway-vlm-monitor/shared/metricsx"
)

// Client calls a vision model over the OpenAI-compatible chat-completions
// surface and turns one frame into a validated AnalysisResult.
type Client struct {
	httpClient *http.Client
	model      string
	baseURL    string
	apiKey     string
	maxRetries int
	maxTokens  int
}

func NewClient(cfg config.Config) (*Client, error) {
	if strings.TrimSpace(cfg.VLMAPIKey) == "" {
		return nil, errors.New("missing VLM API key; set VLM_API_KEY or OPENAI_API_KEY")
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.VLMTimeoutSec) * time.Second,
		},
		model:      cfg.VLMModel,
		baseURL:    strings.TrimRight(cfg.VLMBaseURL, "/"),
		apiKey:     cfg.VLMAPIKey,
		maxRetries: cfg.VLMMaxRetries,
		maxTokens:  cfg.VLMMaxTokens,
	}, nil
}

func (c *Client) Model() string { return c.model }

// IsQuotaError reports whether err is the provider telling us the account is
// out of quota. The scheduler records these as a skip, not a failure.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "insufficient_quota") ||
		strings.Contains(message, "exceeded your current quota")
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type userContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imageURLPart `json:"image_url,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

// Analyze sends the frame to the model, retrying with attempt-proportional
// backoff. The raw response text of the successful attempt is returned
// alongside the validated result.
func (c *Client) Analyze(ctx context.Context, camera models.Camera, image []byte, contentType string, capturedAt time.Time) (models.AnalysisResult, string, error) {
	ctx, span := otel.Tracer("vlm").Start(ctx, "vlm.analyze")
	span.SetAttributes(
		attribute.String("camera.id", camera.CameraID),
		attribute.String("vlm.model", c.model),
	)
	defer span.End()

	payload, err := json.Marshal(c.buildRequest(camera, image, contentType, capturedAt))
	if err != nil {
		return models.AnalysisResult{}, "", err
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		start := time.Now()
		result, rawText, err := c.callOnce(ctx, payload, camera)
		metricsx.ObserveVLMCallLatency(time.Since(start))
		if err == nil {
			metricsx.IncVLMCallSuccess()
			return result, rawText, nil
		}
		metricsx.IncVLMCallFailure()
		lastErr = err
		if sleepErr := sleepCtx(ctx, time.Duration(attempt)*time.Second); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}
	return models.AnalysisResult{}, "", fmt.Errorf("vision model failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) buildRequest(camera models.Camera, image []byte, contentType string, capturedAt time.Time) chatRequest {
	return chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{
				Role: "user",
				Content: []userContentPart{
					{Type: "text", Text: userPrompt(camera, capturedAt)},
					{Type: "image_url", ImageURL: &imageURLPart{URL: imageDataURL(image, contentType)}},
				},
			},
		},
		Temperature: 0.0,
		MaxTokens:   c.maxTokens,
	}
}

func (c *Client) callOnce(ctx context.Context, payload []byte, camera models.Camera) (models.AnalysisResult, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return models.AnalysisResult{}, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.AnalysisResult{}, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.AnalysisResult{}, "", err
	}
	if resp.StatusCode >= 400 {
		return models.AnalysisResult{}, "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	text, err := extractOutputText(body)
	if err != nil {
		return models.AnalysisResult{}, "", err
	}
	parsed, err := parseAnalysisJSON(text)
	if err != nil {
		return models.AnalysisResult{}, "", err
	}
	result, err := validateResult(normalizeParsed(camera, parsed))
	if err != nil {
		return models.AnalysisResult{}, "", err
	}
	repairResult(&result)
	return result, text, nil
}

func imageDataURL(image []byte, contentType string) string {
	cleaned := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if cleaned == "" {
		cleaned = "image/jpeg"
	}
	return "data:" + cleaned + ";base64," + base64.StdEncoding.EncodeToString(image)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
