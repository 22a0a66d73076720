package models

import (
	"encoding/json"
	"time"
)

// EventType tags a push-channel message.
type EventType string

const (
	EventLog          EventType = "log"
	EventSlotsFound   EventType = "slots_found"
	EventSystemStatus EventType = "system_status"
)

func (t EventType) Known() bool {
	switch t {
	case EventLog, EventSlotsFound, EventSystemStatus:
		return true
	}
	return false
}

// Event is one inbound push message. Data is decoded by the consumer per Type.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type SlotsFoundPayload struct {
	Slots []Slot `json:"slots"`
}

// ActionKind names an operator command issued through the action gateway.
type ActionKind string

const (
	ActionStart ActionKind = "start"
	ActionStop  ActionKind = "stop"
	ActionTest  ActionKind = "test"
	ActionBook  ActionKind = "book"
)

type StatusEntry struct {
	Time    time.Time `bson:"time" json:"time"`
	Status  string    `bson:"status" json:"status"`
	Message string    `bson:"message" json:"message"`
}

// ActionAttempt is the audit record of one operator command.
type ActionAttempt struct {
	ID        string         `bson:"_id" json:"id"`
	Kind      ActionKind     `bson:"kind" json:"kind"`
	Params    map[string]any `bson:"params,omitempty" json:"params,omitempty"`
	Status    []StatusEntry  `bson:"status" json:"status"`
	CreatedAt time.Time      `bson:"created_at" json:"created_at"`
}
