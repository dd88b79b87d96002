// Package config loads the sidecar's environment-variable configuration
// surface, matching the recognized option set and its defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Backoff holds the reconnect supervisor's exponential-backoff-with-jitter
// parameters.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// Config is the sidecar's full configuration surface.
type Config struct {
	// Identity
	AgentID   string
	AgentName string

	// Connections
	DatabaseURL      string
	GatewayURL       string
	ChatDispatchURL  string
	ChatRealtimeURL  string
	ChatWriteURL     string
	JWTSecret        string
	Port             string

	// Round / dispatch timing
	MaxRoundDuration        time.Duration
	CleanupDuration         time.Duration
	DispatchBackstop        time.Duration
	DeferBackstop           time.Duration
	SynthesisWait           time.Duration
	SynthesisPollInterval   time.Duration

	// Dedup
	DedupIDTTL      time.Duration
	DedupContentTTL time.Duration
	DispatchedTTL   time.Duration

	// Concurrency caps
	GatewayInflightMax int
	Layer2InflightMax  int
	DepthCap           int

	// Filter thresholds
	ConfidenceGap float64
	Overlap       float64
	High          float64
	Low           float64
	Synth         float64
	Epsilon       float64

	// Reconnect
	Backoff Backoff

	// Inbound
	SafetyNetPollInterval time.Duration
	HealthKeepalive       time.Duration

	// Gateway call
	GatewayCallTimeout time.Duration
}

// Load reads the configuration surface from the environment, applying
// defaults from the recognized option set for anything unset. DATABASE_URL,
// JWT_SECRET, and AGENT_ID are required; everything else has a default.
func Load() (*Config, error) {
	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		return nil, fmt.Errorf("AGENT_ID environment variable is required")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	cfg := &Config{
		AgentID:          agentID,
		AgentName:        envOr("AGENT_NAME", agentID),
		DatabaseURL:      dbURL,
		GatewayURL:       envOr("GATEWAY_URL", "http://llm-gateway:8090"),
		ChatDispatchURL:  envOr("CHAT_DISPATCH_URL", "ws://chat-backend:8080/realtime/dispatch"),
		ChatRealtimeURL:  envOr("CHAT_REALTIME_URL", "ws://chat-backend:8080/realtime/coordination"),
		ChatWriteURL:     envOr("CHAT_WRITE_URL", "http://chat-backend:8080"),
		JWTSecret:        jwtSecret,
		Port:             envOr("PORT", "8080"),

		MaxRoundDuration:      durationMsOr("MAX_ROUND_MS", 15000),
		CleanupDuration:       durationMsOr("CLEANUP_MS", 30000),
		DispatchBackstop:      durationMsOr("DISPATCH_BACKSTOP_MS", 10000),
		DeferBackstop:         durationMsOr("DEFER_BACKSTOP_MS", 8000),
		SynthesisWait:         durationMsOr("SYNTHESIS_WAIT_MS", 15000),
		SynthesisPollInterval: durationMsOr("SYNTHESIS_POLL_MS", 500),

		DedupIDTTL:      durationMsOr("DEDUP_ID_TTL_MS", 720000),
		DedupContentTTL: durationMsOr("DEDUP_CONTENT_TTL_MS", 5000),
		DispatchedTTL:   durationMsOr("DISPATCHED_TTL_MS", 60000),

		GatewayInflightMax: intOr("GATEWAY_INFLIGHT_MAX", 3),
		Layer2InflightMax:  intOr("LAYER2_INFLIGHT_MAX", 2),
		DepthCap:           intOr("DEPTH_CAP", 6),

		ConfidenceGap: floatOr("CONFIDENCE_GAP", 0.3),
		Overlap:       floatOr("OVERLAP", 0.5),
		High:          floatOr("HIGH", 0.5),
		Low:           floatOr("LOW", 0.3),
		Synth:         floatOr("SYNTH", 0.7),
		Epsilon:       floatOr("EPSILON", 0.01),

		Backoff: Backoff{
			Initial: durationMsOr("BACKOFF_INITIAL_MS", 2000),
			Max:     durationMsOr("BACKOFF_MAX_MS", 60000),
			Factor:  floatOr("BACKOFF_FACTOR", 2),
			Jitter:  floatOr("BACKOFF_JITTER", 0.2),
		},

		SafetyNetPollInterval: durationMsOr("SAFETY_NET_POLL_MS", 5000),
		HealthKeepalive:       durationMsOr("HEALTH_KEEPALIVE_MS", 60000),

		GatewayCallTimeout: durationMsOr("GATEWAY_CALL_TIMEOUT_MS", 15000),
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationMsOr(key string, fallbackMs int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return time.Duration(fallbackMs) * time.Millisecond
}

func intOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func floatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
