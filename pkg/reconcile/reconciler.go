// Package reconcile applies realtime feed events to the resource cache.
//
// It is the only writer of cache entries in response to push events. Every rule
// is idempotent and monotonic, so duplicate or reordered delivery converges on the
// same cached state. Anything it cannot apply safely is handed back to polling by
// revalidating the affected keys.
package reconcile

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
	"github.com/hervehildenbrand/prefixd-sync/pkg/realtime"
)

// Store is the part of the resource cache the reconciler writes to.
type Store interface {
	Update(key string, fn func(current interface{}) (interface{}, bool)) bool
	Revalidate(key string)
	InvalidateMatching(match func(key string) bool) []string
	Keys() []string
}

// Result classifies what applying an event did.
type Result int

// Results
const (
	ResultIgnored Result = iota
	ResultApplied
	ResultAnomaly
	ResultResync
)

func (r Result) String() string {
	switch r {
	case ResultIgnored:
		return "ignored"
	case ResultApplied:
		return "applied"
	case ResultAnomaly:
		return "anomaly"
	case ResultResync:
		return "resync"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Outcome is reported to observers for every event. Mitigation is the cached
// state after the event when the mitigation is cached anywhere.
type Outcome struct {
	Event      realtime.Event
	Result     Result
	Reason     string
	Mitigation *models.Mitigation
}

// Observer receives outcomes synchronously on the reconciler goroutine and must not block.
type Observer interface {
	Observe(Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Outcome)

// Observe calls f.
func (f ObserverFunc) Observe(o Outcome) { f(o) }

// Reconciler consumes the realtime queue.
type Reconciler struct {
	store       Store
	log         zerolog.Logger
	eventsLimit int
	observers   []Observer

	// Stats
	applied    uint64
	ignored    uint64
	anomalies  uint64
	resyncs    uint64
	reconnects uint64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithEventsLimit caps the length of the cached events list. Zero means no cap.
func WithEventsLimit(n int) Option {
	return func(r *Reconciler) { r.eventsLimit = n }
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(r *Reconciler) { r.observers = append(r.observers, o) }
}

// New creates a reconciler writing to store.
func New(store Store, opts ...Option) *Reconciler {
	r := &Reconciler{store: store, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run applies items in arrival order until ctx is done.
func (r *Reconciler) Run(ctx context.Context, items <-chan realtime.Item) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-items:
			r.Handle(item)
		}
	}
}

// Handle dispatches one queue item.
func (r *Reconciler) Handle(item realtime.Item) {
	switch {
	case item.Transition != nil:
		r.HandleTransition(*item.Transition)
	case item.Event != nil:
		r.Apply(item.Event)
	}
}

// HandleTransition revalidates every mitigation and event key when the feed
// (re)connects. The daemon does not replay missed events, so the cache is
// assumed stale on every connect, the first one included.
func (r *Reconciler) HandleTransition(tr realtime.Transition) {
	if tr.To != realtime.StateConnected {
		if tr.Err != nil {
			r.log.Debug().Err(tr.Err).Str("to", tr.To.String()).Msg("feed down, polling carries on")
		}
		return
	}
	atomic.AddUint64(&r.reconnects, 1)
	var keys []string
	for _, key := range r.store.Keys() {
		if IsFeedKey(key) {
			r.store.Revalidate(key)
			keys = append(keys, key)
		}
	}
	r.log.Info().Bool("resumed", tr.Resumed).Strs("keys", keys).Msg("feed connected, revalidating")
}

// Apply applies one event and returns its outcome.
func (r *Reconciler) Apply(ev realtime.Event) Outcome {
	var o Outcome
	switch e := ev.(type) {
	case realtime.MitigationCreated:
		o = r.upsert(e.Mitigation)
	case realtime.MitigationUpdated:
		o = r.upsert(e.Mitigation)
	case realtime.MitigationExpired:
		o = r.terminate(e.MitigationID, models.StatusExpired)
	case realtime.MitigationWithdrawn:
		o = r.terminate(e.MitigationID, models.StatusWithdrawn)
	case realtime.EventIngested:
		o = r.ingest(e.Event)
	case realtime.ResyncRequired:
		o = r.resync(e.Reason)
	default:
		o = Outcome{Result: ResultIgnored, Reason: fmt.Sprintf("unhandled event %T", ev)}
		r.log.Warn().Str("type", fmt.Sprintf("%T", ev)).Msg("dropping unhandled feed event")
	}
	o.Event = ev
	r.record(o)
	return o
}

// Stats returns counters for the stats logger.
func (r *Reconciler) Stats() map[string]interface{} {
	return map[string]interface{}{
		"applied":    atomic.LoadUint64(&r.applied),
		"ignored":    atomic.LoadUint64(&r.ignored),
		"anomalies":  atomic.LoadUint64(&r.anomalies),
		"resyncs":    atomic.LoadUint64(&r.resyncs),
		"reconnects": atomic.LoadUint64(&r.reconnects),
	}
}

func (r *Reconciler) record(o Outcome) {
	var kind string
	if o.Event != nil {
		kind = string(o.Event.Kind())
	}
	switch o.Result {
	case ResultApplied:
		atomic.AddUint64(&r.applied, 1)
		r.log.Debug().Str("kind", kind).Msg("event applied")
	case ResultIgnored:
		atomic.AddUint64(&r.ignored, 1)
		r.log.Debug().Str("kind", kind).Str("reason", o.Reason).Msg("event ignored")
	case ResultAnomaly:
		atomic.AddUint64(&r.anomalies, 1)
		r.log.Warn().Str("kind", kind).Str("reason", o.Reason).Msg("anomalous transition not applied")
	case ResultResync:
		atomic.AddUint64(&r.resyncs, 1)
	}
	for _, obs := range r.observers {
		obs.Observe(o)
	}
}

// verdict accumulates per-key results into one outcome. Any anomaly dominates,
// then any applied write.
type verdict struct {
	applied    bool
	anomaly    string
	ignored    string
	mitigation *models.Mitigation
}

func (v *verdict) outcome() Outcome {
	switch {
	case v.anomaly != "":
		return Outcome{Result: ResultAnomaly, Reason: v.anomaly, Mitigation: v.mitigation}
	case v.applied:
		return Outcome{Result: ResultApplied, Mitigation: v.mitigation}
	case v.ignored != "":
		return Outcome{Result: ResultIgnored, Reason: v.ignored, Mitigation: v.mitigation}
	}
	return Outcome{Result: ResultIgnored, Reason: "not cached", Mitigation: v.mitigation}
}

func (v *verdict) keep(m models.Mitigation) {
	v.mitigation = &m
}

// checkUpsert decides whether incoming may replace cached. An older marker is
// stale. With equal markers (the daemon often sends no updated_at) a copy that
// differs is taken in arrival order, subject to the lifecycle rules.
func checkUpsert(cached, incoming models.Mitigation) (ok bool, anomaly, ignored string) {
	switch c := incoming.Version().Compare(cached.Version()); {
	case c < 0:
		return false, "", "stale version"
	case c == 0 && reflect.DeepEqual(incoming, cached):
		return false, "", "duplicate"
	}
	if !models.CanTransition(cached.Status, incoming.Status) {
		return false, fmt.Sprintf("%s -> %s", cached.Status, incoming.Status), ""
	}
	return true, "", ""
}

func (r *Reconciler) upsert(m models.Mitigation) Outcome {
	var v verdict

	r.store.Update(MitigationKey(m.ID), func(cur interface{}) (interface{}, bool) {
		cached, ok := cur.(models.Mitigation)
		if !ok {
			v.keep(m)
			v.applied = true
			return m, true
		}
		apply, anomaly, ignored := checkUpsert(cached, m)
		if !apply {
			v.keep(cached)
			v.note(anomaly, ignored)
			return nil, false
		}
		v.keep(m)
		v.applied = true
		return m, true
	})

	revalidateList := false
	r.store.Update(KeyMitigations, func(cur interface{}) (interface{}, bool) {
		list, ok := cur.(models.MitigationList)
		if !ok {
			return nil, false
		}
		if idx := list.Find(m.ID); idx >= 0 {
			cached := list.Mitigations[idx]
			apply, anomaly, ignored := checkUpsert(cached, m)
			if !apply {
				if v.mitigation == nil {
					v.keep(cached)
				}
				v.note(anomaly, ignored)
				return nil, false
			}
			out := list.Clone()
			out.Mitigations[idx] = m
			v.keep(m)
			v.applied = true
			return out, true
		}

		if m.Status.IsLive() {
			for _, other := range list.Mitigations {
				if other.Status.IsLive() && other.ScopeKey() == m.ScopeKey() {
					v.anomaly = fmt.Sprintf("scope already mitigated by %s", other.ID)
					revalidateList = true
					return nil, false
				}
			}
		}
		out := list.Clone()
		out.Mitigations = append([]models.Mitigation{m}, out.Mitigations...)
		out.Count++
		v.keep(m)
		v.applied = true
		return out, true
	})
	if revalidateList {
		r.store.Revalidate(KeyMitigations)
	}

	r.revalidateFiltered(filteredMitigationsPrefix)
	return v.outcome()
}

func (v *verdict) note(anomaly, ignored string) {
	if anomaly != "" {
		v.anomaly = anomaly
	} else if ignored != "" {
		v.ignored = ignored
	}
}

func (r *Reconciler) terminate(id string, to models.MitigationStatus) Outcome {
	var v verdict
	step := func(cached models.Mitigation) (models.Mitigation, bool) {
		if cached.Status == to {
			v.note("", "already "+string(to))
			return cached, false
		}
		if !models.CanTransition(cached.Status, to) {
			v.note(fmt.Sprintf("%s -> %s", cached.Status, to), "")
			return cached, false
		}
		cached.Status = to
		v.applied = true
		return cached, true
	}

	r.store.Update(MitigationKey(id), func(cur interface{}) (interface{}, bool) {
		cached, ok := cur.(models.Mitigation)
		if !ok {
			return nil, false
		}
		next, changed := step(cached)
		v.keep(next)
		return next, changed
	})

	unknown := false
	r.store.Update(KeyMitigations, func(cur interface{}) (interface{}, bool) {
		list, ok := cur.(models.MitigationList)
		if !ok {
			return nil, false
		}
		idx := list.Find(id)
		if idx < 0 {
			unknown = true
			return nil, false
		}
		next, changed := step(list.Mitigations[idx])
		if v.mitigation == nil || changed {
			v.keep(next)
		}
		if !changed {
			return nil, false
		}
		out := list.Clone()
		out.Mitigations[idx] = next
		return out, true
	})
	if unknown {
		r.log.Debug().Str("mitigation_id", id).Msg("terminated mitigation not in list, revalidating")
		r.store.Revalidate(KeyMitigations)
	}

	r.revalidateFiltered(filteredMitigationsPrefix)
	return v.outcome()
}

func (r *Reconciler) ingest(e models.Event) Outcome {
	var v verdict
	r.store.Update(KeyEvents, func(cur interface{}) (interface{}, bool) {
		list, ok := cur.(models.EventList)
		if !ok {
			return nil, false
		}
		if idx := list.Find(e.ID); idx >= 0 {
			if reflect.DeepEqual(list.Events[idx], e) {
				v.ignored = "duplicate event"
				return nil, false
			}
			out := models.EventList{Events: append([]models.Event(nil), list.Events...), Count: list.Count}
			out.Events[idx] = e
			v.applied = true
			return out, true
		}
		out := models.EventList{
			Events: make([]models.Event, 0, len(list.Events)+1),
			Count:  list.Count + 1,
		}
		out.Events = append(out.Events, e)
		out.Events = append(out.Events, list.Events...)
		if r.eventsLimit > 0 && len(out.Events) > r.eventsLimit {
			out.Events = out.Events[:r.eventsLimit]
		}
		v.applied = true
		return out, true
	})
	r.revalidateFiltered(filteredEventsPrefix)
	return v.outcome()
}

// resync drops every feed key and forces a refetch. A poll already in flight is
// discarded when it lands, so nothing fetched before the signal survives it.
func (r *Reconciler) resync(reason string) Outcome {
	keys := r.store.InvalidateMatching(IsFeedKey)
	r.log.Warn().Str("reason", reason).Strs("keys", keys).Msg("resync required, cache invalidated")
	return Outcome{Result: ResultResync, Reason: reason}
}

func (r *Reconciler) revalidateFiltered(prefix string) {
	for _, key := range r.store.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.store.Revalidate(key)
		}
	}
}
