package vlm

import (
	"strings"
	"testing"

	"highway-vlm-monitor/internal/models"
)

func mustAnalysis(t *testing.T, camera models.Camera, text string) models.AnalysisResult {
	t.Helper()
	parsed, err := parseAnalysisJSON(text)
	if err != nil {
		t.Fatalf("parseAnalysisJSON: %v", err)
	}
	result, err := validateResult(normalizeParsed(camera, parsed))
	if err != nil {
		t.Fatalf("validateResult: %v", err)
	}
	repairResult(&result)
	return result
}

func TestSeverityAliasMapping(t *testing.T) {
	cases := []struct {
		raw  string
		want models.Severity
	}{
		{"minor", models.SeverityLow},
		{"moderate", models.SeverityMedium},
		{"severe", models.SeverityHigh},
		{"critical", models.SeverityHigh},
		{"HIGH", models.SeverityHigh},
		{"bogus", models.SeverityLow},
		{"", models.SeverityLow},
	}
	for _, tc := range cases {
		doc := normalizeParsed(models.Camera{}, map[string]any{
			"incidents": []any{map[string]any{"type": "crash", "severity": tc.raw, "description": "d"}},
		})
		incidents := doc["incidents"].([]any)
		got := incidents[0].(map[string]any)["severity"]
		if got != string(tc.want) {
			t.Errorf("severity %q normalized to %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestBareIncidentListGetsEnvelope(t *testing.T) {
	camera := models.Camera{Direction: "N"}
	result := mustAnalysis(t, camera, `[{"type":"debris","severity":"minor","description":"box in lane"}]`)
	if len(result.Incidents) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(result.Incidents))
	}
	if result.Incidents[0].Severity != models.SeverityLow {
		t.Fatalf("severity = %s, want low", result.Incidents[0].Severity)
	}
	if result.ObservedDirection != "N" {
		t.Fatalf("observed_direction = %q, want camera direction", result.ObservedDirection)
	}
	// unknown state with incidents present repairs to moderate
	if result.TrafficState != models.TrafficModerate {
		t.Fatalf("traffic_state = %s, want moderate", result.TrafficState)
	}
}

func TestSingleIncidentObjectBecomesList(t *testing.T) {
	result := mustAnalysis(t, models.Camera{Direction: "E"}, `{"type":"crash","severity":"high","description":"two vehicles"}`)
	if len(result.Incidents) != 1 || result.Incidents[0].Type != "crash" {
		t.Fatalf("unexpected incidents: %#v", result.Incidents)
	}
}

func TestSingleIncidentObjectWithoutSeverity(t *testing.T) {
	result := mustAnalysis(t, models.Camera{Direction: "E"}, `{"type":"crash","description":"two vehicles"}`)
	if len(result.Incidents) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(result.Incidents))
	}
	if result.Incidents[0].Severity != models.SeverityLow {
		t.Fatalf("severity = %s, want low", result.Incidents[0].Severity)
	}
	if result.Incidents[0].Description != "two vehicles" {
		t.Fatalf("description = %q", result.Incidents[0].Description)
	}
}

func TestTrafficStateNormalization(t *testing.T) {
	result := mustAnalysis(t, models.Camera{Direction: "W"}, `{"observed_direction":"WB","traffic_state":" Stop And Go ","incidents":[],"overall_confidence":0.8}`)
	if result.TrafficState != models.TrafficStopAndGo {
		t.Fatalf("traffic_state = %s, want stop_and_go", result.TrafficState)
	}
}

func TestInvalidTrafficStateRejected(t *testing.T) {
	parsed, err := parseAnalysisJSON(`{"observed_direction":"EB","traffic_state":"gridlock","incidents":[],"overall_confidence":0.8}`)
	if err != nil {
		t.Fatalf("parseAnalysisJSON: %v", err)
	}
	if _, err := validateResult(normalizeParsed(models.Camera{}, parsed)); err == nil {
		t.Fatal("expected validation error for unknown traffic state")
	}
}

func TestConfidenceStringCoerced(t *testing.T) {
	result := mustAnalysis(t, models.Camera{Direction: "E"}, `{"observed_direction":"EB","traffic_state":"free","incidents":[],"overall_confidence":"0.75","notes":"detailed scene description of the corridor"}`)
	if result.OverallConfidence != 0.75 {
		t.Fatalf("overall_confidence = %v, want 0.75", result.OverallConfidence)
	}
}

func TestConfidenceGarbageDefaults(t *testing.T) {
	result := mustAnalysis(t, models.Camera{Direction: "E"}, `{"observed_direction":"EB","traffic_state":"free","incidents":[],"overall_confidence":"very sure"}`)
	if result.OverallConfidence != 0.2 {
		t.Fatalf("overall_confidence = %v, want 0.2 default", result.OverallConfidence)
	}
}

func TestConfidenceOutOfRangeRejected(t *testing.T) {
	parsed, err := parseAnalysisJSON(`{"observed_direction":"EB","traffic_state":"free","incidents":[],"overall_confidence":1.5}`)
	if err != nil {
		t.Fatalf("parseAnalysisJSON: %v", err)
	}
	if _, err := validateResult(normalizeParsed(models.Camera{}, parsed)); err == nil {
		t.Fatal("expected validation error for confidence > 1")
	}
}

func TestGenericClearNoteReplaced(t *testing.T) {
	result := mustAnalysis(t, models.Camera{Direction: "E"}, `{"observed_direction":"EB","traffic_state":"free","incidents":[],"overall_confidence":0.9,"notes":"No incidents"}`)
	if result.Notes == "No incidents" {
		t.Fatal("generic note should be replaced with synthesized summary")
	}
	if !strings.Contains(result.Notes, "EB traffic appears free") {
		t.Fatalf("unexpected synthesized notes: %q", result.Notes)
	}
}

func TestDescriptiveNoteKept(t *testing.T) {
	note := "Westbound lanes flowing steadily under light rain, all lanes open"
	result := mustAnalysis(t, models.Camera{Direction: "W"}, `{"observed_direction":"WB","traffic_state":"free","incidents":[],"overall_confidence":0.9,"notes":"`+note+`"}`)
	if result.Notes != note {
		t.Fatalf("descriptive note was replaced: %q", result.Notes)
	}
}

func TestIncidentSummaryNotesFromTypes(t *testing.T) {
	result := mustAnalysis(t, models.Camera{Direction: "E"}, `{"observed_direction":"EB","traffic_state":"heavy","incidents":[{"type":"stopped_vehicle_lane","severity":"high","description":"sedan in lane 2"}],"overall_confidence":0.8,"notes":""}`)
	if result.Notes != "Stopped Vehicle Lane (high)" {
		t.Fatalf("unexpected incident summary: %q", result.Notes)
	}
}

func TestUnknownStateNoIncidentsRepairsToFree(t *testing.T) {
	result := mustAnalysis(t, models.Camera{Direction: "E"}, `{"observed_direction":"EB","traffic_state":"unknown","incidents":[],"overall_confidence":0.4}`)
	if result.TrafficState != models.TrafficFree {
		t.Fatalf("traffic_state = %s, want free", result.TrafficState)
	}
}

func TestParseFallbackBraceScan(t *testing.T) {
	parsed, err := parseAnalysisJSON(`The analysis is: {"observed_direction":"EB","traffic_state":"free"} hope that helps`)
	if err != nil {
		t.Fatalf("parseAnalysisJSON: %v", err)
	}
	doc, ok := parsed.(map[string]any)
	if !ok || doc["traffic_state"] != "free" {
		t.Fatalf("unexpected parse result: %#v", parsed)
	}
}

func TestParseNoJSONFails(t *testing.T) {
	if _, err := parseAnalysisJSON("sorry, I cannot analyze this image"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestExtractOutputTextVariants(t *testing.T) {
	stringContent := `{"choices":[{"message":{"content":"{\"a\":1}"}}]}`
	got, err := extractOutputText([]byte(stringContent))
	if err != nil || got != `{"a":1}` {
		t.Fatalf("string content: %q, %v", got, err)
	}

	partsContent := `{"choices":[{"message":{"content":[{"type":"text","text":"{\"a\""},{"type":"text","text":":1}"}]}}]}`
	got, err = extractOutputText([]byte(partsContent))
	if err != nil || got != `{"a":1}` {
		t.Fatalf("parts content: %q, %v", got, err)
	}

	outputText := `{"output_text":"fallback"}`
	got, err = extractOutputText([]byte(outputText))
	if err != nil || got != "fallback" {
		t.Fatalf("output_text: %q, %v", got, err)
	}

	if _, err := extractOutputText([]byte(`{"choices":[]}`)); err == nil {
		t.Fatal("expected error for empty payload")
	}
}
