// Package models defines the prefixd resources exchanged over REST and the realtime feed.
package models

import "time"

// MitigationStatus is the lifecycle state of a mitigation.
type MitigationStatus string

// Mitigation statuses
const (
	StatusPending   MitigationStatus = "pending"
	StatusActive    MitigationStatus = "active"
	StatusEscalated MitigationStatus = "escalated"
	StatusExpired   MitigationStatus = "expired"
	StatusWithdrawn MitigationStatus = "withdrawn"
)

// Action types
const (
	ActionPolice  = "police"
	ActionDiscard = "discard"
)

// Mitigation is a server-authoritative FlowSpec mitigation.
type Mitigation struct {
	ID         string           `json:"mitigation_id"`
	Status     MitigationStatus `json:"status"`
	CustomerID *string          `json:"customer_id"`
	VictimIP   string           `json:"victim_ip"`
	Vector     string           `json:"vector"`
	ActionType string           `json:"action_type"`
	RateBps    *int64           `json:"rate_bps"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	ScopeHash  string           `json:"scope_hash"`
	UpdatedAt  *time.Time       `json:"updated_at,omitempty"`
}

// ScopeKey identifies the match criteria a live mitigation is unique for.
type ScopeKey struct {
	VictimIP  string
	Vector    string
	ScopeHash string
}

// Version returns the marker used to order copies of the same mitigation.
// Falls back to created_at when the daemon does not send updated_at.
func (m Mitigation) Version() time.Time {
	if m.UpdatedAt != nil && !m.UpdatedAt.IsZero() {
		return *m.UpdatedAt
	}
	return m.CreatedAt
}

// lifecycleRank orders statuses along the mitigation lifecycle.
var lifecycleRank = map[MitigationStatus]int{
	StatusPending:   0,
	StatusActive:    1,
	StatusEscalated: 2,
	StatusExpired:   3,
	StatusWithdrawn: 3,
}

// Compare orders two mitigations by recency: -1 if a is older than b, 1 if newer,
// 0 if neither can be told apart. The version marker decides first; on a tie the one
// further along the lifecycle wins, then the later expiry.
func Compare(a, b Mitigation) int {
	if c := a.Version().Compare(b.Version()); c != 0 {
		return c
	}
	ra, rb := lifecycleRank[a.Status], lifecycleRank[b.Status]
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return a.ExpiresAt.Compare(b.ExpiresAt)
}

// ScopeKey returns the deduplication tuple of the mitigation.
func (m Mitigation) ScopeKey() ScopeKey {
	return ScopeKey{VictimIP: m.VictimIP, Vector: m.Vector, ScopeHash: m.ScopeHash}
}

// Valid reports whether s is a known status.
func (s MitigationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusEscalated, StatusExpired, StatusWithdrawn:
		return true
	}
	return false
}

// IsTerminal reports whether no further lifecycle change is possible.
func (s MitigationStatus) IsTerminal() bool {
	return s == StatusExpired || s == StatusWithdrawn
}

// IsLive reports whether the mitigation is currently announced.
func (s MitigationStatus) IsLive() bool {
	return s == StatusActive || s == StatusEscalated
}

// CanTransition reports whether a cached mitigation in status from may move to status to.
// Transitions are monotonic: nothing leaves a terminal state, and a terminal state only
// accepts itself (duplicate delivery).
func CanTransition(from, to MitigationStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.IsTerminal() {
		return from == to
	}
	if to == StatusPending {
		return from == StatusPending
	}
	return true
}

// MitigationList is the body of GET /v1/mitigations.
type MitigationList struct {
	Mitigations []Mitigation `json:"mitigations"`
	Count       int          `json:"count"`
}

// Find returns the index of the mitigation with the given id, or -1.
func (l MitigationList) Find(id string) int {
	for i := range l.Mitigations {
		if l.Mitigations[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a copy whose slice can be modified without touching l.
func (l MitigationList) Clone() MitigationList {
	out := MitigationList{Count: l.Count, Mitigations: make([]Mitigation, len(l.Mitigations))}
	copy(out.Mitigations, l.Mitigations)
	return out
}
