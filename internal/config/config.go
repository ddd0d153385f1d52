package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all agent configuration.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	// Remote assessment API.
	APIBaseURL     string
	AccessToken    string
	RequestTimeout time.Duration
	MaxRPS         float64

	// Durable local store: "redis", "sqlite" or "memory".
	StoreDriver string
	RedisURL    string
	SQLitePath  string

	// Kiosk bridge.
	BridgePort   string
	BridgeSecret string
	BridgeExpiry time.Duration
	BridgeRPS    float64
	BridgeBurst  int
	GinMode      string
	// AllowedOrigins controls HTTP CORS and WebSocket origin validation.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string

	// Session engine cadence.
	AutosaveInterval time.Duration
	SweepInterval    time.Duration
	SampleInterval   time.Duration
	FocusGrace       time.Duration
	ExpiryGrace      time.Duration

	// Suspicious-activity thresholds. A counter strictly above its
	// threshold triggers a synthesized violation.
	SuspiciousCopyPaste  int
	SuspiciousTabSwitch  int
	SuspiciousRightClick int

	// RequiredQuestions lists question IDs that must be non-empty before an
	// explicit submit is accepted.
	RequiredQuestions []string
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() *Config {
	_ = godotenv.Load() // Ignore error, .env is optional

	return &Config{
		AppEnv:               getEnv("APP_ENV", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "pretty"),
		APIBaseURL:           strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8080/api/v1"), "/"),
		AccessToken:          getEnv("ACCESS_TOKEN", ""),
		RequestTimeout:       time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 15)) * time.Second,
		MaxRPS:               getEnvFloat("MAX_RPS", 10),
		StoreDriver:          strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
		RedisURL:             getEnv("REDIS_URL", "redis://localhost:6379/0"),
		SQLitePath:           getEnv("SQLITE_PATH", "exstem-agent.db"),
		BridgePort:           getEnv("BRIDGE_PORT", "7420"),
		BridgeSecret:         getEnv("BRIDGE_SECRET", "change-this-to-a-secure-random-string"),
		BridgeExpiry:         time.Duration(getEnvInt("BRIDGE_EXPIRY_HOURS", 12)) * time.Hour,
		BridgeRPS:            getEnvFloat("BRIDGE_RATE_LIMIT_RPS", 20),
		BridgeBurst:          getEnvInt("BRIDGE_RATE_LIMIT_BURST", 40),
		GinMode:              getEnv("GIN_MODE", "release"),
		AllowedOrigins:       parseList(getEnv("ALLOWED_ORIGINS", "")),
		AutosaveInterval:     time.Duration(getEnvInt("AUTOSAVE_INTERVAL_SECONDS", 30)) * time.Second,
		SweepInterval:        time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 30)) * time.Second,
		SampleInterval:       time.Duration(getEnvInt("SAMPLE_INTERVAL_SECONDS", 10)) * time.Second,
		FocusGrace:           time.Duration(getEnvInt("FOCUS_GRACE_MS", 1000)) * time.Millisecond,
		ExpiryGrace:          time.Duration(getEnvInt("EXPIRY_GRACE_SECONDS", 5)) * time.Second,
		SuspiciousCopyPaste:  getEnvInt("SUSPICIOUS_COPY_PASTE", 3),
		SuspiciousTabSwitch:  getEnvInt("SUSPICIOUS_TAB_SWITCH", 10),
		SuspiciousRightClick: getEnvInt("SUSPICIOUS_RIGHT_CLICK", 5),
		RequiredQuestions:    parseList(getEnv("REQUIRED_QUESTIONS", "")),
	}
}

// IsProduction reports whether the agent runs with production safeguards,
// such as refusing to send proctoring data over plaintext transports.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// parseList splits a comma-separated string into a trimmed slice.
// Returns nil if the input is empty.
func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
