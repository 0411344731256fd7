// Package journal records reconciled feed events in PostgreSQL with batch support.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
	"github.com/hervehildenbrand/prefixd-sync/pkg/realtime"
	"github.com/hervehildenbrand/prefixd-sync/pkg/reconcile"
)

const (
	batchSize     = 50
	batchInterval = 2 * time.Second
	queueSize     = 10000
)

const schema = `
CREATE TABLE IF NOT EXISTS prefixd_sync_journal (
	id            BIGSERIAL PRIMARY KEY,
	instance      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	result        TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	mitigation_id TEXT,
	payload       JSONB,
	observed_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS prefixd_sync_mitigations (
	mitigation_id TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	victim_ip     TEXT NOT NULL,
	vector        TEXT NOT NULL,
	version       TIMESTAMPTZ NOT NULL,
	last_seen_at  TIMESTAMPTZ NOT NULL
);`

// Entry is one journal row.
type Entry struct {
	Kind         string
	Result       string
	Reason       string
	MitigationID string
	Payload      []byte
	ObservedAt   time.Time
	Mitigation   *models.Mitigation
}

// EntryFor converts a reconciler outcome into a journal entry.
func EntryFor(o reconcile.Outcome, at time.Time) Entry {
	e := Entry{
		Result:     o.Result.String(),
		Reason:     o.Reason,
		ObservedAt: at,
		Mitigation: o.Mitigation,
	}
	if o.Event != nil {
		e.Kind = string(o.Event.Kind())
		if payload, err := realtime.Encode(o.Event); err == nil {
			e.Payload = payload
		}
	}
	switch ev := o.Event.(type) {
	case realtime.MitigationCreated:
		e.MitigationID = ev.Mitigation.ID
	case realtime.MitigationUpdated:
		e.MitigationID = ev.Mitigation.ID
	case realtime.MitigationExpired:
		e.MitigationID = ev.MitigationID
	case realtime.MitigationWithdrawn:
		e.MitigationID = ev.MitigationID
	}
	return e
}

// Writer handles batch writing of journal entries to PostgreSQL. It implements
// reconcile.Observer; Observe never blocks and drops entries when the queue is full.
type Writer struct {
	db       *sql.DB
	instance string
	log      zerolog.Logger
	queue    chan Entry
	done     chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex

	// Stats
	entriesWritten uint64
	entriesDropped uint64
	batchesWritten uint64
}

// NewWriter connects to databaseURL and creates the journal tables if needed.
func NewWriter(ctx context.Context, databaseURL, instance string, log zerolog.Logger) (*Writer, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL journal")
	return newWriter(db, instance, log), nil
}

func newWriter(db *sql.DB, instance string, log zerolog.Logger) *Writer {
	return &Writer{
		db:       db,
		instance: instance,
		log:      log,
		queue:    make(chan Entry, queueSize),
		done:     make(chan struct{}),
	}
}

// Start begins the background writer goroutine.
func (w *Writer) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.writerLoop()
	w.log.Info().Msg("journal writer started")
}

// Stop gracefully shuts down the writer, flushing remaining entries.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	w.db.Close()
	w.log.Info().
		Uint64("written", atomic.LoadUint64(&w.entriesWritten)).
		Uint64("dropped", atomic.LoadUint64(&w.entriesDropped)).
		Uint64("batches", atomic.LoadUint64(&w.batchesWritten)).
		Msg("journal writer stopped")
}

// Observe queues the outcome of one reconciled event.
func (w *Writer) Observe(o reconcile.Outcome) {
	w.Write(EntryFor(o, time.Now()))
}

// Write queues an entry for batch writing.
func (w *Writer) Write(e Entry) {
	select {
	case w.queue <- e:
	default:
		// Queue full, drop entry
		dropped := atomic.AddUint64(&w.entriesDropped, 1)
		if dropped%1000 == 1 {
			w.log.Warn().Uint64("dropped", dropped).Msg("journal queue full, dropping entries")
		}
	}
}

// Stats returns writer statistics.
func (w *Writer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"entries_written": atomic.LoadUint64(&w.entriesWritten),
		"entries_dropped": atomic.LoadUint64(&w.entriesDropped),
		"batches_written": atomic.LoadUint64(&w.batchesWritten),
		"queue_len":       len(w.queue),
		"queue_cap":       cap(w.queue),
	}
}

func (w *Writer) writerLoop() {
	defer w.wg.Done()

	batch := make([]Entry, 0, batchSize)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-w.queue:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				w.writeBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.writeBatch(batch)
				batch = batch[:0]
			}

		case <-w.done:
			// Flush what is queued; Observe may still race with shutdown, so
			// the queue is drained without closing it.
		drain:
			for {
				select {
				case e := <-w.queue:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						w.writeBatch(batch)
						batch = batch[:0]
					}
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				w.writeBatch(batch)
			}
			return
		}
	}
}

func (w *Writer) writeBatch(batch []Entry) {
	if len(batch) == 0 {
		return
	}

	tx, err := w.db.Begin()
	if err != nil {
		w.log.Error().Err(err).Msg("failed to begin journal transaction")
		return
	}
	defer tx.Rollback()

	written := 0
	for _, e := range batch {
		if w.writeEntry(tx, e) {
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		w.log.Error().Err(err).Int("entries", len(batch)).Msg("failed to commit journal batch")
		return
	}

	atomic.AddUint64(&w.entriesWritten, uint64(written))
	atomic.AddUint64(&w.batchesWritten, 1)
}

func (w *Writer) writeEntry(tx *sql.Tx, e Entry) bool {
	var mitigationID, payload interface{}
	if e.MitigationID != "" {
		mitigationID = e.MitigationID
	}
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}

	_, err := tx.Exec(`
		INSERT INTO prefixd_sync_journal (
			instance, kind, result, reason, mitigation_id, payload, observed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, w.instance, e.Kind, e.Result, e.Reason, mitigationID, payload, e.ObservedAt)
	if err != nil {
		w.log.Error().Err(err).Str("kind", e.Kind).Msg("failed to insert journal entry")
		return false
	}

	if e.Result != reconcile.ResultApplied.String() || e.Mitigation == nil {
		return true
	}

	// Keep the latest reconciled state per mitigation; an older version never
	// overwrites a newer one.
	m := e.Mitigation
	_, err = tx.Exec(`
		INSERT INTO prefixd_sync_mitigations (
			mitigation_id, status, victim_ip, vector, version, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (mitigation_id) DO UPDATE
		SET status = EXCLUDED.status, version = EXCLUDED.version, last_seen_at = EXCLUDED.last_seen_at
		WHERE prefixd_sync_mitigations.version <= EXCLUDED.version
	`, m.ID, string(m.Status), m.VictimIP, m.Vector, m.Version(), e.ObservedAt)
	if err != nil {
		w.log.Error().Err(err).Str("mitigation_id", m.ID).Msg("failed to upsert mitigation state")
		return false
	}
	return true
}

// MitigationState is one row of the reconciled-state table.
type MitigationState struct {
	MitigationID string
	Status       models.MitigationStatus
	VictimIP     string
	Vector       string
	Version      time.Time
	LastSeenAt   time.Time
}

// States returns the reconciled state of every mitigation the journal has seen,
// most recently seen first.
func (w *Writer) States(ctx context.Context) ([]MitigationState, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT mitigation_id, status, victim_ip, vector, version, last_seen_at
		FROM prefixd_sync_mitigations
		ORDER BY last_seen_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query mitigation states: %w", err)
	}
	defer rows.Close()

	var out []MitigationState
	for rows.Next() {
		var s MitigationState
		var status string
		if err := rows.Scan(&s.MitigationID, &status, &s.VictimIP, &s.Vector, &s.Version, &s.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan mitigation state: %w", err)
		}
		s.Status = models.MitigationStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}
