package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// naiveLayouts are the zone-less ISO forms the monitoring backend emits.
// Values parsed with them are taken as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp is a UTC instant that accepts both RFC 3339 and naive ISO input.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t, normalised to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// ParseTime parses RFC 3339 first, then the backend's naive layouts.
func ParseTime(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if raw == "null" {
		*t = Timestamp{}
		return nil
	}
	value, err := strconv.Unquote(raw)
	if err != nil {
		return fmt.Errorf("timestamp must be a JSON string: %w", err)
	}
	if value == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := ParseTime(value)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
