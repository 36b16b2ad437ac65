package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env         string
	ServiceName string
	HTTPPort    int
	LogLevel    string
	ConfigPath  string

	RequestTimeoutMS int
	RequestTimeout   time.Duration

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	CameraConfigPath    string
	FramesDir           string
	RawOutputDir        string
	IncidentJournalPath string

	PollIntervalSec     int
	MinVLMIntervalSec   int
	VLMErrorCooldownSec int
	VLMMaxCallsPerTick  int
	SnapshotTimeoutSec  int
	SnapshotURLTemplate string
	MetadataURLTemplate string
	ImageURLRegex       string

	VLMModel      string
	VLMAPIKey     string
	VLMBaseURL    string
	VLMTimeoutSec int
	VLMMaxRetries int
	VLMMaxTokens  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaRetryMax int
	KafkaWriteMS  int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                 envRaw,
		ServiceName:         serviceNameDefault,
		HTTPPort:            httpPortDefault,
		LogLevel:            "info",
		ConfigPath:          strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:    30000,
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:          10,
		DBMinConns:          1,
		DBConnMaxIdleSec:    300,
		DBConnMaxLifeSec:    1800,
		CameraConfigPath:    "config/cameras.yaml",
		FramesDir:           "data/frames",
		RawOutputDir:        "data/raw_vlm_outputs",
		IncidentJournalPath: "logs/incidents.jsonl",
		PollIntervalSec:     30,
		MinVLMIntervalSec:   300,
		VLMErrorCooldownSec: 10,
		VLMMaxCallsPerTick:  1,
		SnapshotTimeoutSec:  20,
		VLMModel:            "gpt-4o-mini",
		VLMBaseURL:          "https://api.openai.com/v1",
		VLMTimeoutSec:       30,
		VLMMaxRetries:       3,
		VLMMaxTokens:        512,
		KafkaRetryMax:       5,
		KafkaWriteMS:        5000,
		InfluxTimeoutMS:     5000,
		OtelInsecure:        true,
		OtelSampleRatio:     1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFETIME_SECONDS", Message: "DB_CONN_MAX_LIFETIME_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	if cfg.PollIntervalSec <= 0 {
		problems = append(problems, Problem{Field: "RUN_INTERVAL_SECONDS", Message: "RUN_INTERVAL_SECONDS must be > 0"})
		cfg.PollIntervalSec = 30
	}
	if cfg.MinVLMIntervalSec < 0 {
		problems = append(problems, Problem{Field: "MIN_VLM_INTERVAL_SECONDS", Message: "MIN_VLM_INTERVAL_SECONDS must be >= 0"})
		cfg.MinVLMIntervalSec = 300
	}
	if cfg.VLMErrorCooldownSec < 0 {
		problems = append(problems, Problem{Field: "VLM_ERROR_COOLDOWN_SECONDS", Message: "VLM_ERROR_COOLDOWN_SECONDS must be >= 0"})
		cfg.VLMErrorCooldownSec = 10
	}
	if cfg.SnapshotTimeoutSec <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_SECONDS", Message: "REQUEST_TIMEOUT_SECONDS must be > 0"})
		cfg.SnapshotTimeoutSec = 20
	}
	if cfg.VLMTimeoutSec <= 0 {
		problems = append(problems, Problem{Field: "VLM_TIMEOUT_SECONDS", Message: "VLM_TIMEOUT_SECONDS must be > 0"})
		cfg.VLMTimeoutSec = 30
	}
	if cfg.VLMMaxRetries <= 0 {
		problems = append(problems, Problem{Field: "VLM_MAX_RETRIES", Message: "VLM_MAX_RETRIES must be > 0"})
		cfg.VLMMaxRetries = 3
	}
	if cfg.VLMMaxTokens <= 0 {
		problems = append(problems, Problem{Field: "VLM_MAX_TOKENS", Message: "VLM_MAX_TOKENS must be > 0"})
		cfg.VLMMaxTokens = 512
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func loadConfigFile(path string) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindFloat
	kindBool
	kindCSV
)

type fieldSpec struct {
	key  string
	kind fieldKind
	set  func(cfg *Config, v any)
}

// fieldSpecs is the single source of truth for config keys; the JSON config
// file and environment variables both flow through it, env applied last.
var fieldSpecs = []fieldSpec{
	{"ENV", kindString, func(c *Config, v any) { c.Env = v.(string) }},
	{"SERVICE_NAME", kindString, func(c *Config, v any) { c.ServiceName = v.(string) }},
	{"HTTP_PORT", kindInt, func(c *Config, v any) { c.HTTPPort = v.(int) }},
	{"LOG_LEVEL", kindString, func(c *Config, v any) { c.LogLevel = v.(string) }},
	{"REQUEST_TIMEOUT_MS", kindInt, func(c *Config, v any) { c.RequestTimeoutMS = v.(int) }},
	{"DATABASE_URL", kindString, func(c *Config, v any) { c.DatabaseURL = v.(string) }},
	{"DB_MAX_CONNS", kindInt, func(c *Config, v any) { c.DBMaxConns = v.(int) }},
	{"DB_MIN_CONNS", kindInt, func(c *Config, v any) { c.DBMinConns = v.(int) }},
	{"DB_CONN_MAX_IDLE_SECONDS", kindInt, func(c *Config, v any) { c.DBConnMaxIdleSec = v.(int) }},
	{"DB_CONN_MAX_LIFETIME_SECONDS", kindInt, func(c *Config, v any) { c.DBConnMaxLifeSec = v.(int) }},
	{"CAMERA_CONFIG_PATH", kindString, func(c *Config, v any) { c.CameraConfigPath = v.(string) }},
	{"FRAMES_DIR", kindString, func(c *Config, v any) { c.FramesDir = v.(string) }},
	{"RAW_VLM_OUTPUT_DIR", kindString, func(c *Config, v any) { c.RawOutputDir = v.(string) }},
	{"INCIDENT_JOURNAL_PATH", kindString, func(c *Config, v any) { c.IncidentJournalPath = v.(string) }},
	{"RUN_INTERVAL_SECONDS", kindInt, func(c *Config, v any) { c.PollIntervalSec = v.(int) }},
	{"MIN_VLM_INTERVAL_SECONDS", kindInt, func(c *Config, v any) { c.MinVLMIntervalSec = v.(int) }},
	{"VLM_ERROR_COOLDOWN_SECONDS", kindInt, func(c *Config, v any) { c.VLMErrorCooldownSec = v.(int) }},
	{"VLM_MAX_CALLS_PER_RUN", kindInt, func(c *Config, v any) { c.VLMMaxCallsPerTick = v.(int) }},
	{"REQUEST_TIMEOUT_SECONDS", kindInt, func(c *Config, v any) { c.SnapshotTimeoutSec = v.(int) }},
	{"SNAPSHOT_URL_TEMPLATE", kindString, func(c *Config, v any) { c.SnapshotURLTemplate = v.(string) }},
	{"CAMERA_METADATA_URL_TEMPLATE", kindString, func(c *Config, v any) { c.MetadataURLTemplate = v.(string) }},
	{"IMAGE_URL_REGEX", kindString, func(c *Config, v any) { c.ImageURLRegex = v.(string) }},
	{"VLM_MODEL", kindString, func(c *Config, v any) { c.VLMModel = v.(string) }},
	{"VLM_API_KEY", kindString, func(c *Config, v any) { c.VLMAPIKey = v.(string) }},
	{"VLM_BASE_URL", kindString, func(c *Config, v any) { c.VLMBaseURL = v.(string) }},
	{"VLM_TIMEOUT_SECONDS", kindInt, func(c *Config, v any) { c.VLMTimeoutSec = v.(int) }},
	{"VLM_MAX_RETRIES", kindInt, func(c *Config, v any) { c.VLMMaxRetries = v.(int) }},
	{"VLM_MAX_TOKENS", kindInt, func(c *Config, v any) { c.VLMMaxTokens = v.(int) }},
	{"REDIS_ADDR", kindString, func(c *Config, v any) { c.RedisAddr = v.(string) }},
	{"REDIS_PASSWORD", kindString, func(c *Config, v any) { c.RedisPassword = v.(string) }},
	{"REDIS_DB", kindInt, func(c *Config, v any) { c.RedisDB = v.(int) }},
	{"KAFKA_BROKERS", kindCSV, func(c *Config, v any) { c.KafkaBrokers = v.([]string) }},
	{"KAFKA_CLIENT_ID", kindString, func(c *Config, v any) { c.KafkaClientID = v.(string) }},
	{"KAFKA_RETRY_MAX", kindInt, func(c *Config, v any) { c.KafkaRetryMax = v.(int) }},
	{"KAFKA_WRITE_TIMEOUT_MS", kindInt, func(c *Config, v any) { c.KafkaWriteMS = v.(int) }},
	{"INFLUX_URL", kindString, func(c *Config, v any) { c.InfluxURL = v.(string) }},
	{"INFLUX_TOKEN", kindString, func(c *Config, v any) { c.InfluxToken = v.(string) }},
	{"INFLUX_ORG", kindString, func(c *Config, v any) { c.InfluxOrg = v.(string) }},
	{"INFLUX_BUCKET", kindString, func(c *Config, v any) { c.InfluxBucket = v.(string) }},
	{"INFLUX_TIMEOUT_MS", kindInt, func(c *Config, v any) { c.InfluxTimeoutMS = v.(int) }},
	{"OTEL_ENABLED", kindBool, func(c *Config, v any) { c.OtelEnabled = v.(bool) }},
	{"OTEL_EXPORTER_OTLP_ENDPOINT", kindString, func(c *Config, v any) { c.OtelEndpoint = v.(string) }},
	{"OTEL_EXPORTER_OTLP_INSECURE", kindBool, func(c *Config, v any) { c.OtelInsecure = v.(bool) }},
	{"OTEL_SAMPLE_RATIO", kindFloat, func(c *Config, v any) { c.OtelSampleRatio = v.(float64) }},
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, spec := range fieldSpecs {
		raw, ok := os.LookupEnv(spec.key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		applyValue(cfg, spec, raw, problems)
	}
	// Aliases kept for deployments configured against the older variant.
	if strings.TrimSpace(os.Getenv("VLM_API_KEY")) == "" {
		if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
			cfg.VLMAPIKey = v
		}
	}
	if strings.TrimSpace(os.Getenv("VLM_BASE_URL")) == "" {
		if v := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); v != "" {
			cfg.VLMBaseURL = v
		}
	}
	if strings.TrimSpace(os.Getenv("MIN_VLM_INTERVAL_SECONDS")) == "" {
		if v := strings.TrimSpace(os.Getenv("VLM_FORCE_INTERVAL_SECONDS")); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.MinVLMIntervalSec = n
			}
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	byKey := make(map[string]fieldSpec, len(fieldSpecs))
	for _, spec := range fieldSpecs {
		byKey[spec.key] = spec
	}
	for k, v := range raw {
		spec, ok := byKey[strings.ToUpper(strings.TrimSpace(k))]
		if !ok {
			continue
		}
		applyValue(cfg, spec, v, problems)
	}
}

func applyValue(cfg *Config, spec fieldSpec, raw any, problems *[]Problem) {
	switch spec.kind {
	case kindString:
		if s, ok := asStringValue(raw); ok {
			spec.set(cfg, s)
		}
	case kindInt:
		if n, ok := asInt(raw); ok {
			spec.set(cfg, n)
		} else {
			*problems = append(*problems, Problem{Field: spec.key, Message: spec.key + " must be an integer"})
		}
	case kindFloat:
		if f, ok := asFloat(raw); ok {
			spec.set(cfg, f)
		} else {
			*problems = append(*problems, Problem{Field: spec.key, Message: spec.key + " must be a number"})
		}
	case kindBool:
		if b, ok := asBoolValue(raw); ok {
			spec.set(cfg, b)
		} else {
			*problems = append(*problems, Problem{Field: spec.key, Message: spec.key + " must be a boolean"})
		}
	case kindCSV:
		switch t := raw.(type) {
		case string:
			spec.set(cfg, parseCSV(t))
		case []any:
			spec.set(cfg, parseAnyCSV(t))
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asStringValue(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asBoolValue(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y":
			return true, true
		case "false", "0", "no", "n":
			return false, true
		}
	}
	return false, false
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
