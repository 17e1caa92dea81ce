package docker

import (
	"context"
	"strings"
	"time"

	"simjobs/internal/config"
)

// Config holds configuration for the local Docker orchestrator.
type Config struct {
	Retention           time.Duration // how long exited containers are kept
	MaintenanceInterval time.Duration
	StopTimeout         int // seconds

	// CallbackProxyURL replaces the scheme and host of runner callback URLs
	// so containers can reach the service on the host.
	CallbackProxyURL string
	CallbackKey      string
	ExtraHosts       []string // e.g. ["minio.test:host-gateway"]

	Bucket     string
	Region     string
	S3Endpoint string

	// Settled, when set, must report true before an exited container is
	// removed. Without it containers go once Retention has passed.
	Settled SettledFunc
}

// SettledFunc reports whether the final status of jobID has been recorded.
type SettledFunc func(ctx context.Context, jobID string) (bool, error)

func LoadConfigFromEnv() Config {
	var extraHosts []string
	if hosts := config.GetEnv("EXTRA_HOSTS", ""); hosts != "" {
		extraHosts = strings.Split(hosts, ",")
	}

	return Config{
		Retention:           config.GetDurationEnv("DOCKER_RETENTION", time.Hour),
		MaintenanceInterval: config.GetDurationEnv("MAINTENANCE_INTERVAL", time.Minute),
		StopTimeout:         config.GetIntEnv("DOCKER_STOP_TIMEOUT", 10),
		CallbackProxyURL:    config.GetEnv("CALLBACK_PROXY_URL", "http://host.docker.internal:8080"),
		CallbackKey:         config.GetSecret("CALLBACK_SIGNING_KEY", "CALLBACK_SIGNING_KEY_FILE"),
		ExtraHosts:          extraHosts,
		Bucket:              config.GetEnv("S3_BUCKET", "tarang-simulations"),
		Region:              config.GetEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:          config.GetEnv("S3_ENDPOINT", ""),
	}
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10
	}
	return c
}
