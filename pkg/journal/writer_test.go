package journal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
	"github.com/hervehildenbrand/prefixd-sync/pkg/realtime"
	"github.com/hervehildenbrand/prefixd-sync/pkg/reconcile"
)

var at = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func testMitigation(id string, status models.MitigationStatus) models.Mitigation {
	return models.Mitigation{
		ID:        id,
		Status:    status,
		VictimIP:  "203.0.113.5",
		Vector:    "dns_amplification",
		CreatedAt: at,
		ExpiresAt: at.Add(time.Hour),
	}
}

func TestEntryFor(t *testing.T) {
	m := testMitigation("mit-1", models.StatusWithdrawn)
	e := EntryFor(reconcile.Outcome{
		Event:      realtime.MitigationWithdrawn{MitigationID: "mit-1"},
		Result:     reconcile.ResultApplied,
		Mitigation: &m,
	}, at)

	assert.Equal(t, "MitigationWithdrawn", e.Kind)
	assert.Equal(t, "applied", e.Result)
	assert.Equal(t, "mit-1", e.MitigationID)
	assert.JSONEq(t, `{"type":"MitigationWithdrawn","mitigation_id":"mit-1"}`, string(e.Payload))
	assert.Equal(t, at, e.ObservedAt)
	assert.Same(t, &m, e.Mitigation)
}

func TestEntryForResync(t *testing.T) {
	e := EntryFor(reconcile.Outcome{
		Event:  realtime.ResyncRequired{Reason: "lagged"},
		Result: reconcile.ResultResync,
		Reason: "lagged",
	}, at)
	assert.Equal(t, "ResyncRequired", e.Kind)
	assert.Equal(t, "resync", e.Result)
	assert.Empty(t, e.MitigationID)
	assert.Nil(t, e.Mitigation)
}

func TestWriteDropsWhenFull(t *testing.T) {
	w := newWriter(nil, "test", zerolog.Nop())
	for i := 0; i < queueSize+5; i++ {
		w.Write(Entry{Kind: "x"})
	}
	stats := w.Stats()
	assert.EqualValues(t, 5, stats["entries_dropped"])
	assert.Equal(t, queueSize, stats["queue_len"])
}

func TestWriterAgainstPostgres(t *testing.T) {
	url := os.Getenv("PREFIXD_SYNC_TEST_DATABASE")
	if url == "" {
		t.Skip("PREFIXD_SYNC_TEST_DATABASE not set")
	}

	ctx := context.Background()
	instance := uuid.NewString()
	w, err := NewWriter(ctx, url, instance, zerolog.Nop())
	require.NoError(t, err)

	id := "mit-" + instance
	active := testMitigation(id, models.StatusActive)
	withdrawn := testMitigation(id, models.StatusWithdrawn)

	w.Start()
	w.Observe(reconcile.Outcome{Event: realtime.MitigationCreated{Mitigation: active}, Result: reconcile.ResultApplied, Mitigation: &active})
	w.Observe(reconcile.Outcome{Event: realtime.MitigationWithdrawn{MitigationID: id}, Result: reconcile.ResultApplied, Mitigation: &withdrawn})

	require.Eventually(t, func() bool {
		return w.Stats()["entries_written"].(uint64) == 2
	}, 5*time.Second, 50*time.Millisecond)

	states, err := w.States(ctx)
	require.NoError(t, err)
	var found *MitigationState
	for i := range states {
		if states[i].MitigationID == id {
			found = &states[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, models.StatusWithdrawn, found.Status)

	w.Stop()
}
