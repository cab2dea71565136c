package models

import "time"

// Timestamp renders t in the wire format used across sessions, tasks,
// events, and schedules: UTC RFC 3339.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTimestamp parses a wire timestamp back into a time.Time.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
