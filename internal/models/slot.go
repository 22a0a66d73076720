package models

// SlotStatus is server-owned; the client never changes it locally.
type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
	SlotFailed    SlotStatus = "failed"
	SlotPending   SlotStatus = "pending"
)

// DateTBD is the sentinel used for dates and times not yet determined.
const DateTBD = "TBD"

type BookingDetails struct {
	ConfirmationID string     `json:"confirmation_id"`
	BookedAt       *Timestamp `json:"booked_at,omitempty"`
}

// Slot is an appointment opportunity discovered by the server-side scan.
type Slot struct {
	ID              string          `json:"id"`
	Status          SlotStatus      `json:"status"`
	VisaType        string          `json:"visa_type"`
	VisaCategory    string          `json:"visa_category"`
	Location        string          `json:"location"`
	AppointmentDate string          `json:"appointment_date"`
	AppointmentTime string          `json:"appointment_time"`
	FoundAt         Timestamp       `json:"found_at"`
	AvailableSlots  int             `json:"available_slots"`
	BookingDetails  *BookingDetails `json:"booking_details,omitempty"`
}

// Scheduled reports whether both date and time are known.
func (s Slot) Scheduled() bool {
	return s.AppointmentDate != "" && s.AppointmentDate != DateTBD &&
		s.AppointmentTime != "" && s.AppointmentTime != DateTBD
}

func (s Slot) Clone() Slot {
	out := s
	if s.BookingDetails != nil {
		bd := *s.BookingDetails
		if bd.BookedAt != nil {
			at := *bd.BookedAt
			bd.BookedAt = &at
		}
		out.BookingDetails = &bd
	}
	return out
}

// SlotPage is the body of GET /appointments/available.
type SlotPage struct {
	Slots      []Slot `json:"slots"`
	TotalCount int    `json:"total_count"`
}

// CheckResult is the body of POST /test/check-once.
type CheckResult struct {
	Success    bool   `json:"success"`
	SlotsFound int    `json:"slots_found"`
	Slots      []Slot `json:"slots,omitempty"`
}

// BookingResult is the body of a successful POST /appointments/book.
type BookingResult struct {
	Message        string `json:"message,omitempty"`
	ConfirmationID string `json:"confirmation_id"`
}
