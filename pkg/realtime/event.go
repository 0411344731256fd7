package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
)

// Kind is the "type" tag of a feed message.
type Kind string

// Feed message kinds
const (
	KindMitigationCreated   Kind = "MitigationCreated"
	KindMitigationUpdated   Kind = "MitigationUpdated"
	KindMitigationExpired   Kind = "MitigationExpired"
	KindMitigationWithdrawn Kind = "MitigationWithdrawn"
	KindEventIngested       Kind = "EventIngested"
	KindResyncRequired      Kind = "ResyncRequired"
)

var (
	// ErrUnknownKind is returned for messages whose type tag is not one of the six kinds.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrMalformed is returned for messages that are not valid JSON or lack required fields.
	ErrMalformed = errors.New("malformed message")
)

// Event is a decoded feed message. The set of implementations is closed:
// MitigationCreated, MitigationUpdated, MitigationExpired, MitigationWithdrawn,
// EventIngested and ResyncRequired.
type Event interface {
	Kind() Kind
	realtimeEvent()
}

// MitigationCreated announces a new mitigation.
type MitigationCreated struct{ Mitigation models.Mitigation }

// MitigationUpdated carries the new state of an existing mitigation.
type MitigationUpdated struct{ Mitigation models.Mitigation }

// MitigationExpired reports that a mitigation reached its TTL.
type MitigationExpired struct{ MitigationID string }

// MitigationWithdrawn reports that an operator withdrew a mitigation.
type MitigationWithdrawn struct{ MitigationID string }

// EventIngested reports a new attack event.
type EventIngested struct{ Event models.Event }

// ResyncRequired tells the client incremental updates can no longer be trusted.
type ResyncRequired struct{ Reason string }

func (MitigationCreated) Kind() Kind   { return KindMitigationCreated }
func (MitigationUpdated) Kind() Kind   { return KindMitigationUpdated }
func (MitigationExpired) Kind() Kind   { return KindMitigationExpired }
func (MitigationWithdrawn) Kind() Kind { return KindMitigationWithdrawn }
func (EventIngested) Kind() Kind       { return KindEventIngested }
func (ResyncRequired) Kind() Kind      { return KindResyncRequired }

func (MitigationCreated) realtimeEvent()   {}
func (MitigationUpdated) realtimeEvent()   {}
func (MitigationExpired) realtimeEvent()   {}
func (MitigationWithdrawn) realtimeEvent() {}
func (EventIngested) realtimeEvent()       {}
func (ResyncRequired) realtimeEvent()      {}

// envelope is the wire shape shared by every kind.
type envelope struct {
	Type         Kind               `json:"type"`
	Mitigation   *models.Mitigation `json:"mitigation,omitempty"`
	MitigationID *string            `json:"mitigation_id,omitempty"`
	Event        *models.Event      `json:"event,omitempty"`
	Reason       *string            `json:"reason,omitempty"`
}

// Decode parses one feed message. Errors wrap ErrMalformed or ErrUnknownKind.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case KindMitigationCreated, KindMitigationUpdated:
		if env.Mitigation == nil {
			return nil, fmt.Errorf("%w: %s without mitigation", ErrMalformed, env.Type)
		}
		if err := validateMitigation(*env.Mitigation); err != nil {
			return nil, err
		}
		if env.Type == KindMitigationCreated {
			return MitigationCreated{Mitigation: *env.Mitigation}, nil
		}
		return MitigationUpdated{Mitigation: *env.Mitigation}, nil

	case KindMitigationExpired, KindMitigationWithdrawn:
		if env.MitigationID == nil || *env.MitigationID == "" {
			return nil, fmt.Errorf("%w: %s without mitigation_id", ErrMalformed, env.Type)
		}
		if env.Type == KindMitigationExpired {
			return MitigationExpired{MitigationID: *env.MitigationID}, nil
		}
		return MitigationWithdrawn{MitigationID: *env.MitigationID}, nil

	case KindEventIngested:
		if env.Event == nil || env.Event.ID == "" {
			return nil, fmt.Errorf("%w: EventIngested without event", ErrMalformed)
		}
		if c := env.Event.Confidence; c != nil && (*c < 0 || *c > 100) {
			return nil, fmt.Errorf("%w: confidence %v out of range", ErrMalformed, *c)
		}
		return EventIngested{Event: *env.Event}, nil

	case KindResyncRequired:
		reason := ""
		if env.Reason != nil {
			reason = *env.Reason
		}
		return ResyncRequired{Reason: reason}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
}

func validateMitigation(m models.Mitigation) error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: mitigation without mitigation_id", ErrMalformed)
	case !m.Status.Valid():
		return fmt.Errorf("%w: mitigation %s has status %q", ErrMalformed, m.ID, m.Status)
	case m.VictimIP == "":
		return fmt.Errorf("%w: mitigation %s without victim_ip", ErrMalformed, m.ID)
	case m.CreatedAt.IsZero():
		return fmt.Errorf("%w: mitigation %s without created_at", ErrMalformed, m.ID)
	}
	return nil
}

// Encode renders an event in wire form.
func Encode(ev Event) ([]byte, error) {
	env := envelope{Type: ev.Kind()}
	switch e := ev.(type) {
	case MitigationCreated:
		env.Mitigation = &e.Mitigation
	case MitigationUpdated:
		env.Mitigation = &e.Mitigation
	case MitigationExpired:
		env.MitigationID = &e.MitigationID
	case MitigationWithdrawn:
		env.MitigationID = &e.MitigationID
	case EventIngested:
		env.Event = &e.Event
	case ResyncRequired:
		env.Reason = &e.Reason
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, ev)
	}
	return json.Marshal(env)
}
