package models

import (
	"encoding/json"
	"time"
)

// OperatorRole is the dashboard role of an authenticated operator.
type OperatorRole string

// Operator roles, most privileged first
const (
	RoleAdmin    OperatorRole = "admin"
	RoleOperator OperatorRole = "operator"
	RoleViewer   OperatorRole = "viewer"
)

var roleRank = map[OperatorRole]int{RoleViewer: 1, RoleOperator: 2, RoleAdmin: 3}

// Includes reports whether r grants at least the privileges of required.
func (r OperatorRole) Includes(required OperatorRole) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	return have >= roleRank[required]
}

// Operator is the identity returned by GET /v1/auth/me.
type Operator struct {
	ID       string       `json:"operator_id"`
	Username string       `json:"username"`
	Role     OperatorRole `json:"role"`
}

// Auth modes reported by the daemon
const (
	AuthModeNone        = "none"
	AuthModeBearer      = "bearer"
	AuthModeCredentials = "credentials"
	AuthModeMTLS        = "mtls"
)

// Health is the body of GET /v1/health.
type Health struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Pop           string `json:"pop"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	BGPSessionUp  bool   `json:"bgp_session_up"`
	AuthMode      string `json:"auth_mode"`
}

// AuthDisabled reports whether the daemon runs without authentication.
func (h Health) AuthDisabled() bool {
	return h.AuthMode == AuthModeNone
}

// PopStats is the per-POP slice of Stats.
type PopStats struct {
	Pop    string `json:"pop"`
	Active int    `json:"active"`
	Total  int    `json:"total"`
}

// Stats is the body of GET /v1/stats.
type Stats struct {
	TotalActive      int        `json:"total_active"`
	TotalMitigations int        `json:"total_mitigations"`
	TotalEvents      int        `json:"total_events"`
	Pops             []PopStats `json:"pops"`
}

// PopInfo describes one point of presence.
type PopInfo struct {
	Pop               string `json:"pop"`
	ActiveMitigations int    `json:"active_mitigations"`
	TotalMitigations  int    `json:"total_mitigations"`
}

// SafelistEntry is a prefix that must never be mitigated.
type SafelistEntry struct {
	Prefix    string     `json:"prefix"`
	AddedAt   time.Time  `json:"added_at"`
	AddedBy   string     `json:"added_by"`
	Reason    *string    `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// ConfigSettings is the running daemon configuration, passed through untouched.
type ConfigSettings json.RawMessage

// MarshalJSON keeps the raw document.
func (c ConfigSettings) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte("null"), nil
	}
	return []byte(c), nil
}

// UnmarshalJSON stores a copy of the raw document.
func (c *ConfigSettings) UnmarshalJSON(data []byte) error {
	*c = append((*c)[:0], data...)
	return nil
}

// Playbooks is the body of GET /v1/config/playbooks.
type Playbooks struct {
	TotalPlaybooks int             `json:"total_playbooks"`
	Playbooks      json.RawMessage `json:"playbooks"`
}

// AlertingConfig lists configured alert destinations.
type AlertingConfig struct {
	Enabled      bool                     `json:"enabled"`
	Destinations []map[string]interface{} `json:"destinations"`
}

// AlertingTestResult is the delivery outcome for one destination.
type AlertingTestResult struct {
	Destination string  `json:"destination"`
	OK          bool    `json:"ok"`
	Error       *string `json:"error"`
}

// AlertingTestResponse is the body of POST /v1/config/alerting/test.
type AlertingTestResponse struct {
	Results []AlertingTestResult `json:"results"`
}
