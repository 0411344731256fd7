package models

import "time"

// Event outcomes other than a mitigation reference
const (
	OutcomeMitigated    = "mitigated"
	OutcomeRejected     = "rejected"
	OutcomeDeduplicated = "deduplicated"
)

// Event is an attack event ingested by the daemon.
type Event struct {
	ID              string    `json:"event_id"`
	ExternalEventID *string   `json:"external_event_id"`
	VictimIP        string    `json:"victim_ip"`
	Vector          string    `json:"vector"`
	Confidence      *float64  `json:"confidence"`
	Source          string    `json:"source"`
	IngestedAt      time.Time `json:"ingested_at"`
	Outcome         string    `json:"outcome,omitempty"`
	MitigationID    *string   `json:"mitigation_id,omitempty"`
}

// OutcomeLabel returns the mitigation id the event produced, or its outcome keyword.
func (e Event) OutcomeLabel() string {
	if e.MitigationID != nil && *e.MitigationID != "" {
		return *e.MitigationID
	}
	return e.Outcome
}

// EventList is the body of GET /v1/events.
type EventList struct {
	Events []Event `json:"events"`
	Count  int     `json:"count"`
}

// Find returns the index of the event with the given id, or -1.
func (l EventList) Find(id string) int {
	for i := range l.Events {
		if l.Events[i].ID == id {
			return i
		}
	}
	return -1
}
