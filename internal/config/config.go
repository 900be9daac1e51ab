// Package config loads the ambient environment variables every command
// reads at startup: gateway credentials, receipt signing/redaction flags,
// the http_fetch allowlist, and chaos-injection switches. Policy and agent
// YAML documents are loaded by the external collaborator layer, not here.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/routepilot/routepilot/internal/routepilot"
)

const defaultJWTSecret = "dev-secret"
const defaultHTTPFetchMax = 3

// Config holds every ambient flag read once at process startup.
type Config struct {
	GatewayBaseURL string
	GatewayAPIKey  string
	JWTSecret      string

	MirrorJSONDir   string
	SnapshotInputDir string
	Redact          bool
	RedactFields    []string
	UsageProbe      bool
	EarlyStop       bool
	DryRun          bool

	HTTPFetchAllowlist   []string
	HTTPFetchURLTemplate string
	HTTPFetchMax         int

	ChaosPrimaryStall bool
	ChaosHTTP5xx      bool

	MetricsEnabled bool
	MetricsAddr    string

	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64

	Timezone string
}

// Load reads every ambient environment variable, applying the documented
// defaults. It fails when either required gateway setting is missing, when
// HTTP_FETCH_MAX is not a positive integer, or when
// ROUTEPILOT_TRACING_SAMPLE_RATE is not a float between 0 and 1.
func Load() (*Config, error) {
	cfg := &Config{
		JWTSecret:    envOr("JWT_SECRET", defaultJWTSecret),
		HTTPFetchMax: defaultHTTPFetchMax,
		Timezone:     envOr("TZ", "UTC"),
	}

	cfg.GatewayBaseURL = os.Getenv("AI_GATEWAY_BASE_URL")
	if cfg.GatewayBaseURL == "" {
		return nil, &routepilot.ConfigError{Var: "AI_GATEWAY_BASE_URL", Message: "required"}
	}
	cfg.GatewayAPIKey = os.Getenv("AI_GATEWAY_API_KEY")
	if cfg.GatewayAPIKey == "" {
		return nil, &routepilot.ConfigError{Var: "AI_GATEWAY_API_KEY", Message: "required"}
	}

	cfg.MirrorJSONDir = os.Getenv("ROUTEPILOT_MIRROR_JSON")
	cfg.SnapshotInputDir = os.Getenv("ROUTEPILOT_SNAPSHOT_INPUT")
	cfg.Redact = envBool("ROUTEPILOT_REDACT")
	cfg.RedactFields = splitCSV(os.Getenv("ROUTEPILOT_REDACT_FIELDS"))
	cfg.UsageProbe = envBool("ROUTEPILOT_USAGE_PROBE")
	cfg.EarlyStop = envBool("ROUTEPILOT_EARLY_STOP")
	cfg.DryRun = envBool("ROUTEPILOT_DRY_RUN")

	cfg.HTTPFetchAllowlist = splitCSV(os.Getenv("HTTP_FETCH_ALLOWLIST"))
	cfg.HTTPFetchURLTemplate = os.Getenv("HTTP_FETCH_URL_TEMPLATE")
	if raw := os.Getenv("HTTP_FETCH_MAX"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, &routepilot.ConfigError{Var: "HTTP_FETCH_MAX", Message: "must be a positive integer"}
		}
		cfg.HTTPFetchMax = n
	}

	cfg.ChaosPrimaryStall = envBool("CHAOS_PRIMARY_STALL")
	cfg.ChaosHTTP5xx = envBool("CHAOS_HTTP_5XX")

	cfg.MetricsEnabled = envBool("ROUTEPILOT_METRICS_ENABLED")
	cfg.MetricsAddr = envOr("ROUTEPILOT_METRICS_ADDR", ":9090")

	cfg.TracingEnabled = envBool("ROUTEPILOT_TRACING_ENABLED")
	cfg.TracingEndpoint = envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	cfg.TracingSampleRate = 0.1
	if raw := os.Getenv("ROUTEPILOT_TRACING_SAMPLE_RATE"); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil || rate < 0 || rate > 1 {
			return nil, &routepilot.ConfigError{Var: "ROUTEPILOT_TRACING_SAMPLE_RATE", Message: "must be a float between 0 and 1"}
		}
		cfg.TracingSampleRate = rate
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	return os.Getenv(key) == "1"
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
