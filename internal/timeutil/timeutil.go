package timeutil

import (
	"strings"
	"time"
)

// ParseDurationOrDefault parses duration and returns def on empty or invalid value.
func ParseDurationOrDefault(value string, def time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

// ExpiresAt returns the Unix millisecond deadline ttl after now.
func ExpiresAt(now time.Time, ttl time.Duration) int64 {
	return now.Add(ttl).UnixMilli()
}

// Expired reports whether a Unix millisecond deadline is at or before now.
// A zero deadline counts as expired.
func Expired(expiresMillis int64, now time.Time) bool {
	return expiresMillis <= 0 || now.UnixMilli() >= expiresMillis
}
