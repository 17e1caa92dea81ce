package store

import (
	"fmt"
	"time"

	"gorm.io/gorm/logger"

	"simjobs/internal/config"
	"simjobs/internal/job"
)

// Config selects and tunes the job store backend.
type Config struct {
	Driver          string // sqlite, postgres or memory
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

func LoadConfigFromEnv() Config {
	level := logger.Warn
	if config.GetBoolEnv("STORE_LOG_QUERIES", false) {
		level = logger.Info
	}
	return Config{
		Driver:          config.GetEnv("STORE_DRIVER", "sqlite"),
		DSN:             config.GetSecret("DATABASE_URL", "DATABASE_URL_FILE"),
		MaxOpenConns:    config.GetIntEnv("STORE_MAX_OPEN_CONNS", 10),
		ConnMaxLifetime: config.GetDurationEnv("STORE_CONN_MAX_LIFETIME", 30*time.Minute),
		LogLevel:        level,
	}
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Driver == "sqlite" && c.DSN == "" {
		c.DSN = "simjobs.db"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.LogLevel == 0 {
		c.LogLevel = logger.Warn
	}
	return c
}

// New returns the store selected by cfg.Driver.
func New(cfg Config) (job.Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "", "sqlite", "postgres":
		return Open(cfg)
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
}
