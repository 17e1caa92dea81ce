package reconciler

import (
	"time"

	"simjobs/internal/config"
)

type Config struct {
	Interval    time.Duration
	Concurrency int
	PollTimeout time.Duration

	RetentionInterval time.Duration
	RetentionDays     int

	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func LoadConfigFromEnv() Config {
	return Config{
		Interval:          config.GetDurationEnv("RECONCILE_INTERVAL", 30*time.Second),
		Concurrency:       config.GetIntEnv("RECONCILE_CONCURRENCY", 8),
		PollTimeout:       config.GetDurationEnv("RECONCILE_TIMEOUT", 10*time.Second),
		RetentionInterval: config.GetDurationEnv("RETENTION_INTERVAL", time.Hour),
		RetentionDays:     config.GetIntEnv("JOB_RETENTION_DAYS", 30),
		BreakerThreshold:  config.GetIntEnv("RECONCILE_BREAKER_THRESHOLD", 5),
		BreakerCooldown:   config.GetDurationEnv("RECONCILE_BREAKER_COOLDOWN", 30*time.Second),
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	return c
}
