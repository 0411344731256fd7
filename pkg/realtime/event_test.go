package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
)

const createdMsg = `{
	"type": "MitigationCreated",
	"mitigation": {
		"mitigation_id": "mit-100",
		"status": "active",
		"customer_id": "cust-9",
		"victim_ip": "203.0.113.10",
		"vector": "ntp_amplification",
		"action_type": "police",
		"rate_bps": 10000000,
		"created_at": "2026-01-02T03:04:05Z",
		"expires_at": "2026-01-02T04:04:05Z",
		"scope_hash": "3f2a"
	}
}`

func TestDecodeMitigationCreated(t *testing.T) {
	ev, err := Decode([]byte(createdMsg))
	require.NoError(t, err)

	created, ok := ev.(MitigationCreated)
	require.True(t, ok, "got %T", ev)
	m := created.Mitigation
	assert.Equal(t, "mit-100", m.ID)
	assert.Equal(t, models.StatusActive, m.Status)
	require.NotNil(t, m.CustomerID)
	assert.Equal(t, "cust-9", *m.CustomerID)
	require.NotNil(t, m.RateBps)
	assert.Equal(t, int64(10000000), *m.RateBps)
	assert.Equal(t, time.Date(2026, 1, 2, 4, 4, 5, 0, time.UTC), m.ExpiresAt.UTC())
}

func TestDecodeKinds(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want Event
	}{
		{"expired", `{"type":"MitigationExpired","mitigation_id":"mit-1"}`, MitigationExpired{MitigationID: "mit-1"}},
		{"withdrawn", `{"type":"MitigationWithdrawn","mitigation_id":"mit-2"}`, MitigationWithdrawn{MitigationID: "mit-2"}},
		{"resync", `{"type":"ResyncRequired","reason":"lagged"}`, ResyncRequired{Reason: "lagged"}},
		{"resync without reason", `{"type":"ResyncRequired"}`, ResyncRequired{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.msg))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}

func TestDecodeEventIngested(t *testing.T) {
	msg := `{"type":"EventIngested","event":{"event_id":"evt-1","external_event_id":null,
		"victim_ip":"198.51.100.7","vector":"syn_flood","confidence":null,"source":"fastnetmon",
		"ingested_at":"2026-01-02T03:04:05Z"}}`

	ev, err := Decode([]byte(msg))
	require.NoError(t, err)
	ingested := ev.(EventIngested)
	assert.Equal(t, "evt-1", ingested.Event.ID)
	assert.Nil(t, ingested.Event.ExternalEventID)
	assert.Nil(t, ingested.Event.Confidence)
	assert.Equal(t, KindEventIngested, ev.Kind())
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want error
	}{
		{"not json", `{"type":`, ErrMalformed},
		{"no type", `{"mitigation_id":"x"}`, ErrMalformed},
		{"unknown kind", `{"type":"MitigationExploded","mitigation_id":"x"}`, ErrUnknownKind},
		{"created without body", `{"type":"MitigationCreated"}`, ErrMalformed},
		{"expired without id", `{"type":"MitigationExpired","mitigation_id":""}`, ErrMalformed},
		{"bad status", `{"type":"MitigationUpdated","mitigation":{"mitigation_id":"m","status":"sleeping",
			"victim_ip":"203.0.113.1","created_at":"2026-01-02T03:04:05Z","expires_at":"2026-01-02T03:04:05Z"}}`, ErrMalformed},
		{"bad timestamp", `{"type":"MitigationUpdated","mitigation":{"mitigation_id":"m","status":"active",
			"victim_ip":"203.0.113.1","created_at":"yesterday"}}`, ErrMalformed},
		{"confidence out of range", `{"type":"EventIngested","event":{"event_id":"e","confidence":140}}`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.msg))
			assert.Nil(t, ev)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	ev, err := Decode([]byte(createdMsg))
	require.NoError(t, err)

	data, err := Encode(ev)
	require.NoError(t, err)
	again, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ev, again)

	withdrawn, err := Encode(MitigationWithdrawn{MitigationID: "mit-5"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"MitigationWithdrawn","mitigation_id":"mit-5"}`, string(withdrawn))
}

func TestEncodeKeepsNullRate(t *testing.T) {
	data, err := Encode(MitigationUpdated{Mitigation: models.Mitigation{
		ID:        "mit-3",
		Status:    models.StatusActive,
		VictimIP:  "203.0.113.3",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"rate_bps":null`)
	assert.Contains(t, string(data), `"customer_id":null`)
}
