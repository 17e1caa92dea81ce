// Package config reads process configuration from environment variables.
//
// The service-wide settings live here; each component package owns a
// LoadConfigFromEnv for its own keys.
package config

import (
	"log/slog"
	"strings"
	"time"
)

// ServiceConfig holds the settings of the jobs-service binary.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	AdminKey          string // empty: admin routes accept APIKey
	ShutdownDrainWait time.Duration // 0 skips the drain wait
	LogLevel          slog.Level

	Orchestrator   string // kubernetes or docker
	StorageEnabled bool

	// CallbackBaseURL is the address runners use to reach this service.
	CallbackBaseURL string
	// CallbackKey, when set, must sign every runner event.
	CallbackKey string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecret("API_KEY", "API_KEY_FILE"),
		AdminKey:          GetSecret("ADMIN_API_KEY", "ADMIN_API_KEY_FILE"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		LogLevel:          ParseLogLevel(GetEnv("LOG_LEVEL", "info")),
		Orchestrator:      strings.ToLower(GetEnv("ORCHESTRATOR", "kubernetes")),
		StorageEnabled:    GetBoolEnv("STORAGE_ENABLED", true),
		CallbackBaseURL:   GetEnv("CALLBACK_BASE_URL", "http://simjobs.simjobs.svc:8080"),
		CallbackKey:       GetSecret("CALLBACK_SIGNING_KEY", "CALLBACK_SIGNING_KEY_FILE"),
	}
}

// ParseLogLevel maps a level name to slog.Level; unknown names mean info.
func ParseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
