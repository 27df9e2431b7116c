package models

import (
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
	time.RFC1123,
	time.RFC1123Z,
}

// ParseTimestamp parses a server timestamp in any of the formats the service
// has been seen to emit. The second result is false for empty or unparsable input.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseTimestampPtr is ParseTimestamp returning nil for absent values.
func ParseTimestampPtr(s string) *time.Time {
	t, ok := ParseTimestamp(s)
	if !ok {
		return nil
	}
	return &t
}
