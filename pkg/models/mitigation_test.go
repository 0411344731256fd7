package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to MitigationStatus
		want     bool
	}{
		{StatusPending, StatusActive, true},
		{StatusActive, StatusEscalated, true},
		{StatusEscalated, StatusActive, true},
		{StatusActive, StatusExpired, true},
		{StatusEscalated, StatusWithdrawn, true},
		{StatusActive, StatusPending, false},
		{StatusWithdrawn, StatusExpired, false},
		{StatusExpired, StatusWithdrawn, false},
		{StatusExpired, StatusActive, false},
		{StatusWithdrawn, StatusWithdrawn, true},
		{StatusActive, "bogus", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestMitigationVersion(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := Mitigation{CreatedAt: created}
	assert.Equal(t, created, m.Version())

	updated := created.Add(time.Minute)
	m.UpdatedAt = &updated
	assert.Equal(t, updated, m.Version())
}

func TestMitigationJSONNullables(t *testing.T) {
	raw := []byte(`{
		"mitigation_id": "mit-1",
		"status": "active",
		"customer_id": null,
		"victim_ip": "203.0.113.10",
		"vector": "udp_flood",
		"action_type": "police",
		"rate_bps": null,
		"created_at": "2026-01-02T03:04:05Z",
		"expires_at": "2026-01-02T04:04:05Z",
		"scope_hash": "abc123"
	}`)

	var m Mitigation
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Nil(t, m.CustomerID)
	assert.Nil(t, m.RateBps)
	assert.Nil(t, m.UpdatedAt)
	assert.Equal(t, ScopeKey{VictimIP: "203.0.113.10", Vector: "udp_flood", ScopeHash: "abc123"}, m.ScopeKey())

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"rate_bps":null`)
	assert.Contains(t, string(out), `"expires_at":"2026-01-02T04:04:05Z"`)
	assert.NotContains(t, string(out), "updated_at")
}

func TestRoleIncludes(t *testing.T) {
	assert.True(t, RoleAdmin.Includes(RoleViewer))
	assert.True(t, RoleOperator.Includes(RoleOperator))
	assert.False(t, RoleViewer.Includes(RoleOperator))
	assert.False(t, OperatorRole("").Includes(RoleViewer))
}

func TestCompare(t *testing.T) {
	t1 := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	t2 := t1.Add(-time.Minute)
	base := Mitigation{ID: "mit-100", Status: StatusActive, CreatedAt: t1, ExpiresAt: t1.Add(time.Hour)}

	older := base
	older.Status = StatusEscalated
	older.UpdatedAt = &t2
	newer := base
	later := t1.Add(time.Minute)
	newer.UpdatedAt = &later

	escalated := base
	escalated.Status = StatusEscalated
	extended := base
	extended.ExpiresAt = base.ExpiresAt.Add(time.Hour)

	tests := []struct {
		name string
		a, b Mitigation
		want int
	}{
		{"identical", base, base, 0},
		{"older marker loses even when further along", older, base, -1},
		{"newer marker wins", newer, base, 1},
		{"tie broken by lifecycle", escalated, base, 1},
		{"tie broken by expiry", base, extended, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
		})
	}
}
