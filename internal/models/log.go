package models

import "time"

type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// Valid reports whether l is one of the known levels. The empty level is not valid.
func (l LogLevel) Valid() bool {
	switch l {
	case LevelInfo, LevelSuccess, LevelWarning, LevelError:
		return true
	}
	return false
}

// LogEntry is one activity record of the automation process.
type LogEntry struct {
	ID        string         `json:"id,omitempty"`
	Level     LogLevel       `json:"level"`
	Step      string         `json:"step,omitempty"`
	Message   string         `json:"message"`
	Timestamp Timestamp      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Key identifies an entry across merge sources. The server id wins when present;
// otherwise (timestamp, message, step) is used as a best-effort composite.
func (e LogEntry) Key() string {
	if e.ID != "" {
		return "id:" + e.ID
	}
	return "ts:" + e.Timestamp.UTC().Format(time.RFC3339Nano) + "\x00" + e.Message + "\x00" + e.Step
}

// LogPage is the body of GET /logs.
type LogPage struct {
	Logs       []LogEntry `json:"logs"`
	TotalCount int        `json:"total_count"`
}
