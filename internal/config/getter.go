// Package config provides functions for reading config settings from ENV
// and from the optional .statbridge.yaml settings file.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// parseEnv reads key and applies parse to its value. The fallback is returned
// when the variable is unset, empty, or fails to parse.
func parseEnv[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}

	value, err := parse(raw)
	if err != nil {
		return fallback
	}

	return value
}

// envToken returns the lowercased, trimmed value of key, or "" when unset.
func envToken(key string) string {
	return strings.ToLower(strings.TrimSpace(os.Getenv(key)))
}

// GetEnvStr returns the value of key, or defaultValue when unset or empty.
func GetEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// GetEnvInt returns key parsed as an int, or defaultValue when unset or not a
// valid integer.
func GetEnvInt(key string, defaultValue int) int {
	return parseEnv(key, defaultValue, strconv.Atoi)
}

// GetEnvInt64 returns key parsed as an int64. Byte size limits such as
// STATBRIDGE_MAX_REQUEST_SIZE go through this variant.
func GetEnvInt64(key string, defaultValue int64) int64 {
	return parseEnv(key, defaultValue, func(raw string) (int64, error) {
		return strconv.ParseInt(raw, 10, 64)
	})
}

// GetEnvDuration returns key parsed with time.ParseDuration ("30s", "2m"), or
// defaultValue when unset or invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return parseEnv(key, defaultValue, time.ParseDuration)
}

// GetEnvBool interprets key as a boolean. "true", "1", and "yes" enable,
// "false", "0", and "no" disable, case-insensitively; anything else keeps
// defaultValue.
func GetEnvBool(key string, defaultValue bool) bool {
	switch envToken(key) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

// GetEnvLogLevel maps key to a slog level. Recognized values are "debug",
// "info", "warn", "warning", and "error"; anything else keeps defaultValue.
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	switch envToken(key) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultValue
	}
}

// ParseCommaSeparatedList splits input on commas, trimming whitespace and
// dropping empty entries. Returns an empty slice for empty input.
func ParseCommaSeparatedList(input string) []string {
	parts := strings.Split(input, ",")
	list := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			list = append(list, trimmed)
		}
	}

	return list
}
