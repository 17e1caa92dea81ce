package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the value of key, or def when it is unset or empty.
func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// lookup parses key with parse; unset, empty and unparseable values yield def.
func lookup[T any](key string, def T, parse func(string) (T, error)) T {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := parse(v)
	if err != nil {
		return def
	}
	return parsed
}

func GetIntEnv(key string, def int) int {
	return lookup(key, def, strconv.Atoi)
}

func GetFloatEnv(key string, def float64) float64 {
	return lookup(key, def, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

func GetBoolEnv(key string, def bool) bool {
	return lookup(key, def, strconv.ParseBool)
}

func GetDurationEnv(key string, def time.Duration) time.Duration {
	return lookup(key, def, time.ParseDuration)
}

// GetSecretFile returns the trimmed contents of the file at path, or "" if
// path is empty or unreadable. Docker and Kubernetes secrets are mounted as files.
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// GetSecret prefers the file named by fileKey and falls back to the plain
// environment variable key.
func GetSecret(key, fileKey string) string {
	if s := GetSecretFile(os.Getenv(fileKey)); s != "" {
		return s
	}
	return os.Getenv(key)
}
