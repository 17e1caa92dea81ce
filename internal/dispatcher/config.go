package dispatcher

import (
	"time"

	"simjobs/internal/config"
)

const defaultMaxRequeues = 10

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending events (default 10000)
	Workers     int           // delivery goroutines (default 4)
	HTTPTimeout time.Duration // per request (default 10s)

	MaxAttempts      int           // per event, including the first (default 4)
	RetryInitial     time.Duration // first retry delay (default 100ms)
	RetryMax         time.Duration // retry delay cap (default 5s)
	BreakerThreshold int           // consecutive failures per host (default 5)
	BreakerCooldown  time.Duration // also the requeue delay (default 30s)
}

// NotifyConfig names the webhook that receives job transition events.
// An empty URL disables notifications.
type NotifyConfig struct {
	WebhookURL string
	SigningKey string
	Source     string
}

func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:       config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 10000),
		Workers:          config.GetIntEnv("DISPATCHER_WORKERS", 4),
		HTTPTimeout:      config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		MaxAttempts:      config.GetIntEnv("DISPATCHER_MAX_ATTEMPTS", 4),
		BreakerThreshold: config.GetIntEnv("DISPATCHER_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", 30*time.Second),
	}
	return cfg.withDefaults()
}

func LoadNotifyConfigFromEnv() NotifyConfig {
	return NotifyConfig{
		WebhookURL: config.GetEnv("NOTIFY_WEBHOOK_URL", ""),
		SigningKey: config.GetSecret("NOTIFY_WEBHOOK_KEY", "NOTIFY_WEBHOOK_KEY_FILE"),
		Source:     config.GetEnv("NOTIFY_SOURCE", "simjobs"),
	}
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}
