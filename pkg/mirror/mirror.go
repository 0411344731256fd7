// Package mirror keeps the reconciled mitigation view in Redis so other
// processes can read the last state this client converged on.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/prefixd-sync/pkg/cache"
	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
	"github.com/hervehildenbrand/prefixd-sync/pkg/realtime"
	"github.com/hervehildenbrand/prefixd-sync/pkg/reconcile"
)

const (
	defaultPrefix = "prefixd"
	eventsKept    = 500
	opTimeout     = 2 * time.Second
	queueSize     = 1000
	keyTTL        = 48 * time.Hour
)

// op is one pending Redis write.
type op struct {
	mitigation *models.Mitigation
	event      *models.Event
	seed       *models.MitigationList
	clear      bool
}

// Source is a cached mitigation list the mirror can follow.
type Source interface {
	Snapshot() cache.State
	Changes() <-chan struct{}
}

// Mirror implements reconcile.Observer. Writes happen on its own goroutine so a
// slow Redis never holds up reconciliation.
type Mirror struct {
	redis  *redis.Client
	prefix string
	log    zerolog.Logger
	queue  chan op
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// Stats
	writes  uint64
	errors  uint64
	dropped uint64
}

// Connect parses redisURL, pings the server and returns a client.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// New creates a mirror writing under keys prefixed with prefix (default "prefixd").
func New(client *redis.Client, prefix string, log zerolog.Logger) *Mirror {
	if prefix == "" {
		prefix = defaultPrefix
	}
	m := &Mirror{
		redis:  client,
		prefix: prefix,
		log:    log,
		queue:  make(chan op, queueSize),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.loop()
	return m
}

func (m *Mirror) mitigationsKey() string { return m.prefix + ":mitigations" }
func (m *Mirror) eventsKey() string      { return m.prefix + ":events" }

// Observe mirrors applied outcomes and clears the mirror on resync.
func (m *Mirror) Observe(o reconcile.Outcome) {
	switch o.Result {
	case reconcile.ResultResync:
		m.enqueue(op{clear: true})
	case reconcile.ResultApplied:
		if ev, ok := o.Event.(realtime.EventIngested); ok {
			e := ev.Event
			m.enqueue(op{event: &e})
			return
		}
		if o.Mitigation != nil {
			mit := *o.Mitigation
			m.enqueue(op{mitigation: &mit})
		}
	}
}

// Seed replaces the mirrored mitigations with a full list in one transaction.
func (m *Mirror) Seed(list models.MitigationList) {
	l := models.MitigationList{Mitigations: append([]models.Mitigation(nil), list.Mitigations...), Count: list.Count}
	m.enqueue(op{seed: &l})
}

// Follow seeds the mirror from src every time the cached list moves to a new
// revision, so a resync or refetch is mirrored once it lands. It returns when
// ctx is done.
func (m *Mirror) Follow(ctx context.Context, src Source) {
	var seeded uint64
	first := true
	for {
		st := src.Snapshot()
		if list, ok := st.Value.(models.MitigationList); ok && (first || st.Revision != seeded) {
			m.Seed(list)
			seeded, first = st.Revision, false
		}
		select {
		case <-src.Changes():
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mirror) enqueue(o op) {
	select {
	case m.queue <- o:
	default:
		atomic.AddUint64(&m.dropped, 1)
	}
}

func (m *Mirror) loop() {
	defer m.wg.Done()
	for {
		select {
		case o := <-m.queue:
			m.apply(o)
		case <-m.done:
			for {
				select {
				case o := <-m.queue:
					m.apply(o)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	switch {
	case o.clear:
		err = m.redis.Del(ctx, m.mitigationsKey(), m.eventsKey()).Err()
	case o.seed != nil:
		err = m.replace(ctx, o.seed.Mitigations)
	case o.mitigation != nil:
		var data []byte
		data, err = json.Marshal(o.mitigation)
		if err == nil {
			pipe := m.redis.TxPipeline()
			pipe.HSet(ctx, m.mitigationsKey(), o.mitigation.ID, data)
			pipe.Expire(ctx, m.mitigationsKey(), keyTTL)
			_, err = pipe.Exec(ctx)
		}
	case o.event != nil:
		var data []byte
		data, err = json.Marshal(o.event)
		if err == nil {
			pipe := m.redis.TxPipeline()
			pipe.LPush(ctx, m.eventsKey(), data)
			pipe.LTrim(ctx, m.eventsKey(), 0, eventsKept-1)
			pipe.Expire(ctx, m.eventsKey(), keyTTL)
			_, err = pipe.Exec(ctx)
		}
	}
	if err != nil {
		atomic.AddUint64(&m.errors, 1)
		m.log.Warn().Err(err).Msg("redis mirror write failed")
		return
	}
	atomic.AddUint64(&m.writes, 1)
}

func (m *Mirror) replace(ctx context.Context, ms []models.Mitigation) error {
	pipe := m.redis.TxPipeline()
	pipe.Del(ctx, m.mitigationsKey())
	for i := range ms {
		data, err := json.Marshal(&ms[i])
		if err != nil {
			return err
		}
		pipe.HSet(ctx, m.mitigationsKey(), ms[i].ID, data)
	}
	if len(ms) > 0 {
		pipe.Expire(ctx, m.mitigationsKey(), keyTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Mitigations reads the mirrored mitigations, newest first.
func (m *Mirror) Mitigations(ctx context.Context) ([]models.Mitigation, error) {
	return ReadMitigations(ctx, m.redis, m.prefix)
}

// ReadMitigations reads a mirror written by another process.
func ReadMitigations(ctx context.Context, client *redis.Client, prefix string) ([]models.Mitigation, error) {
	if prefix == "" {
		prefix = defaultPrefix
	}
	vals, err := client.HGetAll(ctx, prefix+":mitigations").Result()
	if err != nil {
		return nil, fmt.Errorf("read mirror: %w", err)
	}
	out := make([]models.Mitigation, 0, len(vals))
	for id, raw := range vals {
		var mit models.Mitigation
		if err := json.Unmarshal([]byte(raw), &mit); err != nil {
			return nil, fmt.Errorf("decode mirrored mitigation %s: %w", id, err)
		}
		out = append(out, mit)
	}
	sort.Slice(out, func(i, j int) bool { return models.Compare(out[i], out[j]) > 0 })
	return out, nil
}

// Stats returns mirror statistics.
func (m *Mirror) Stats() map[string]interface{} {
	return map[string]interface{}{
		"writes":    atomic.LoadUint64(&m.writes),
		"errors":    atomic.LoadUint64(&m.errors),
		"dropped":   atomic.LoadUint64(&m.dropped),
		"queue_len": len(m.queue),
	}
}

// Close flushes pending writes. The Redis client is left open.
func (m *Mirror) Close() {
	m.once.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}
