package models

import (
	"strings"
	"time"
)

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// Normalize applies field normalization to a SensorReading
// - lower-cases Parameter
// - trims identifiers and labels
// - stores the timestamp in UTC
func (r *SensorReading) Normalize() {
	r.SensorID = strings.TrimSpace(r.SensorID)
	r.Parameter = strings.ToLower(strings.TrimSpace(r.Parameter))
	r.Unit = strings.TrimSpace(r.Unit)
	r.Location = strings.TrimSpace(r.Location)
	if !r.ObservedAt.IsZero() {
		r.ObservedAt = r.ObservedAt.UTC()
	}
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
