package models

// RunState is the lifecycle state reported by the automation process.
type RunState string

const (
	StatusStopped RunState = "stopped"
	StatusRunning RunState = "running"
	StatusPaused  RunState = "paused"
	StatusError   RunState = "error"
)

// SystemStatus is the single status record of the automation process.
// It is always replaced wholesale, never patched field by field.
type SystemStatus struct {
	Status             RunState   `json:"status"`
	LastCheck          *Timestamp `json:"last_check"`
	TotalChecks        int        `json:"total_checks"`
	SlotsFound         int        `json:"slots_found"`
	SuccessfulBookings int        `json:"successful_bookings"`
	ErrorCount         int        `json:"error_count"`
	UptimeMinutes      *int       `json:"uptime_minutes"`
}

// DefaultSystemStatus is the value held before any snapshot or push arrives.
func DefaultSystemStatus() SystemStatus {
	return SystemStatus{Status: StatusStopped}
}

// Uptime reports uptime in minutes; ok is false unless the process is running.
func (s SystemStatus) Uptime() (minutes int, ok bool) {
	if s.Status != StatusRunning || s.UptimeMinutes == nil {
		return 0, false
	}
	return *s.UptimeMinutes, true
}

// Clone returns a copy that shares no pointers with s.
func (s SystemStatus) Clone() SystemStatus {
	out := s
	if s.LastCheck != nil {
		lc := *s.LastCheck
		out.LastCheck = &lc
	}
	if s.UptimeMinutes != nil {
		up := *s.UptimeMinutes
		out.UptimeMinutes = &up
	}
	return out
}
