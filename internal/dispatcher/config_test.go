package dispatcher

import (
	"testing"
	"time"
)

func TestMemoryConfigWithDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   MemoryConfig
		want MemoryConfig
	}{
		{
			name: "zero values",
			in:   MemoryConfig{},
			want: MemoryConfig{
				BufferSize: 10000, Workers: 4, HTTPTimeout: 10 * time.Second,
				MaxAttempts: 4, RetryInitial: 100 * time.Millisecond, RetryMax: 5 * time.Second,
				BreakerThreshold: 5, BreakerCooldown: 30 * time.Second,
			},
		},
		{
			name: "negative values",
			in:   MemoryConfig{BufferSize: -1, Workers: -1, HTTPTimeout: -1, MaxAttempts: -3},
			want: MemoryConfig{
				BufferSize: 10000, Workers: 4, HTTPTimeout: 10 * time.Second,
				MaxAttempts: 4, RetryInitial: 100 * time.Millisecond, RetryMax: 5 * time.Second,
				BreakerThreshold: 5, BreakerCooldown: 30 * time.Second,
			},
		},
		{
			name: "valid values kept",
			in: MemoryConfig{
				BufferSize: 500, Workers: 2, HTTPTimeout: 20 * time.Second,
				MaxAttempts: 1, RetryInitial: time.Millisecond, RetryMax: time.Second,
				BreakerThreshold: 2, BreakerCooldown: time.Minute,
			},
			want: MemoryConfig{
				BufferSize: 500, Workers: 2, HTTPTimeout: 20 * time.Second,
				MaxAttempts: 1, RetryInitial: time.Millisecond, RetryMax: time.Second,
				BreakerThreshold: 2, BreakerCooldown: time.Minute,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadNotifyConfigFromEnv(t *testing.T) {
	t.Setenv("NOTIFY_WEBHOOK_URL", "https://hooks.example.com/simjobs")
	t.Setenv("NOTIFY_WEBHOOK_KEY", "s3cret")
	t.Setenv("NOTIFY_WEBHOOK_KEY_FILE", "")

	cfg := LoadNotifyConfigFromEnv()
	if cfg.WebhookURL != "https://hooks.example.com/simjobs" {
		t.Errorf("WebhookURL = %q", cfg.WebhookURL)
	}
	if cfg.SigningKey != "s3cret" {
		t.Errorf("SigningKey = %q", cfg.SigningKey)
	}
	if cfg.Source != "simjobs" {
		t.Errorf("Source = %q, want default", cfg.Source)
	}
}

func TestExtractHost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rawURL string
		want   string
	}{
		{"http://localhost:8080/webhook", "localhost:8080"},
		{"https://hooks.example.com/simjobs?x=1", "hooks.example.com"},
		{"http://10.0.0.7:9000/hook", "10.0.0.7:9000"},
		{"://invalid", "://invalid"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractHost(tt.rawURL); got != tt.want {
			t.Errorf("extractHost(%q) = %q, want %q", tt.rawURL, got, tt.want)
		}
	}
}
