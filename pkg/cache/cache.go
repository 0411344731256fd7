// Package cache is the key-addressed resource cache behind every dashboard view.
//
// Each key holds the last value fetched from the daemon, the error of the last
// failed fetch, an in-flight flag and a revision counter. At most one fetch per key
// runs at a time; subscribers of the same key share it. Poll results that raced with
// local writes are resolved through the key's MergeFunc.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/prefixd-sync/pkg/api"
)

// ErrAbandoned wraps the last error of a retry loop cut short by a session expiry.
var ErrAbandoned = errors.New("retry abandoned")

// UnauthorizedFunc is called once per fetch that failed with a 401.
type UnauthorizedFunc func(key string, err error)

type entry struct {
	key      string
	value    interface{}
	hasValue bool
	err      error

	startedAt time.Time
	fetchedAt time.Time
	inFlight  bool
	refetch   bool
	cancel    context.CancelFunc

	revision   uint64
	generation uint64

	fetcher Fetcher
	opts    Options
	subs    map[*Subscription]struct{}
	stop    chan struct{}
}

// Cache is safe for concurrent use. Every mutation of an entry happens inside
// one critical section, so readers never observe a partial write.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	abort   chan struct{}

	log            zerolog.Logger
	onUnauthorized UnauthorizedFunc
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	fetches   uint64
	retries   uint64
	discarded uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithUnauthorized routes 401 failures to fn (normally the session gate).
func WithUnauthorized(fn UnauthorizedFunc) Option {
	return func(c *Cache) { c.onUnauthorized = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		entries: make(map[string]*entry),
		abort:   make(chan struct{}),
		log:     zerolog.Nop(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers interest in key. The first subscriber starts the key's
// interval timer; a fetch starts unless one is in flight or the last one started
// within the dedup window.
func (c *Cache) Subscribe(key string, fetcher Fetcher, opts Options) *Subscription {
	s := &Subscription{cache: c, key: key, changes: make(chan struct{}, 1)}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(key)
	e.fetcher = fetcher
	e.opts = opts
	e.subs[s] = struct{}{}
	if len(e.subs) == 1 && opts.RefreshInterval > 0 {
		c.startIntervalLocked(e)
	}
	if c.dueLocked(e) {
		c.startFetchLocked(e)
	}
	return s
}

// Peek returns the cached value of key without subscribing.
func (c *Cache) Peek(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.hasValue {
		return nil, false
	}
	return e.value, true
}

// Revision returns the local revision counter of key.
func (c *Cache) Revision(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.revision
	}
	return 0
}

// Keys returns every key currently held.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Mutate stores value under key as a local write and bumps the revision.
func (c *Cache) Mutate(key string, value interface{}) {
	c.mu.Lock()
	e := c.entryLocked(key)
	c.storeLocked(e, value)
	subs := subscribers(e)
	c.mu.Unlock()
	notify(subs)
}

// Update applies fn to the current value of key. fn reports whether it changed
// anything; only then is the result stored. Keys that hold no value are left
// alone and Update returns false.
func (c *Cache) Update(key string, fn func(current interface{}) (interface{}, bool)) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || !e.hasValue {
		c.mu.Unlock()
		return false
	}
	next, changed := fn(e.value)
	if !changed {
		c.mu.Unlock()
		return false
	}
	c.storeLocked(e, next)
	subs := subscribers(e)
	c.mu.Unlock()
	notify(subs)
	return true
}

// Revalidate re-fetches key now, bypassing the dedup window but keeping the
// stale value visible. A fetch already in flight is followed by one more.
func (c *Cache) Revalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || len(e.subs) == 0 {
		return
	}
	if e.inFlight {
		e.refetch = true
		return
	}
	c.startFetchLocked(e)
}

// Invalidate drops the value of key and forces an unconditional refetch. A
// result already in flight is discarded when it lands.
func (c *Cache) Invalidate(key string) {
	c.InvalidateMatching(func(k string) bool { return k == key })
}

// InvalidateMatching invalidates every key accepted by match and returns them.
func (c *Cache) InvalidateMatching(match func(key string) bool) []string {
	c.mu.Lock()
	var keys []string
	var subs []*Subscription
	for k, e := range c.entries {
		if !match(k) {
			continue
		}
		keys = append(keys, k)
		e.generation++
		e.value = nil
		e.hasValue = false
		e.err = nil
		e.revision++
		subs = append(subs, subscribers(e)...)

		switch {
		case len(e.subs) == 0:
		case e.inFlight:
			e.refetch = true
		default:
			c.startFetchLocked(e)
		}
	}
	c.mu.Unlock()
	notify(subs)
	return keys
}

// Focus signals that the view regained the foreground.
func (c *Cache) Focus() {
	c.signal(func(o Options) bool { return o.RevalidateOnFocus })
}

// Reconnect signals that the network came back.
func (c *Cache) Reconnect() {
	c.signal(func(o Options) bool { return o.RevalidateOnReconnect })
}

func (c *Cache) signal(wants func(Options) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if len(e.subs) > 0 && wants(e.opts) && c.dueLocked(e) {
			c.startFetchLocked(e)
		}
	}
}

// Reset drops every entry, stops every timer and abandons every retry loop.
// Used when the session ends; results of fetches still in flight are discarded.
func (c *Cache) Reset() {
	c.mu.Lock()
	var subs []*Subscription
	for _, e := range c.entries {
		if e.cancel != nil {
			e.cancel()
		}
		if e.stop != nil {
			close(e.stop)
			e.stop = nil
		}
		subs = append(subs, subscribers(e)...)
	}
	c.entries = make(map[string]*entry)
	c.abortRetriesLocked()
	c.mu.Unlock()
	notify(subs)
}

// Close resets the cache and waits for background work to finish.
func (c *Cache) Close() {
	c.Reset()
	c.cancel()
	c.wg.Wait()
}

// Stats returns counters for the stats logger.
func (c *Cache) Stats() map[string]interface{} {
	c.mu.Lock()
	keys := len(c.entries)
	inFlight := 0
	for _, e := range c.entries {
		if e.inFlight {
			inFlight++
		}
	}
	c.mu.Unlock()
	return map[string]interface{}{
		"keys":      keys,
		"in_flight": inFlight,
		"fetches":   atomic.LoadUint64(&c.fetches),
		"retries":   atomic.LoadUint64(&c.retries),
		"discarded": atomic.LoadUint64(&c.discarded),
	}
}

func (c *Cache) entryLocked(key string) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{key: key, subs: make(map[*Subscription]struct{})}
		c.entries[key] = e
	}
	return e
}

func (c *Cache) storeLocked(e *entry, value interface{}) {
	e.value = value
	e.hasValue = true
	e.err = nil
	e.revision++
}

// dueLocked applies the dedup rule: no fetch in flight and none started within the window.
func (c *Cache) dueLocked(e *entry) bool {
	if e.inFlight || e.fetcher == nil {
		return false
	}
	if e.startedAt.IsZero() {
		return true
	}
	return c.now().Sub(e.startedAt) >= e.opts.DedupingWindow
}

func (c *Cache) startFetchLocked(e *entry) {
	if e.fetcher == nil {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	e.inFlight = true
	e.refetch = false
	e.cancel = cancel
	e.startedAt = c.now()

	f := fetch{
		e:          e,
		generation: e.generation,
		revision:   e.revision,
		fetcher:    e.fetcher,
		opts:       e.opts,
		abort:      c.abort,
	}
	atomic.AddUint64(&c.fetches, 1)
	c.wg.Add(1)
	go c.run(ctx, cancel, f)
}

type fetch struct {
	e          *entry
	generation uint64
	revision   uint64
	fetcher    Fetcher
	opts       Options
	abort      chan struct{}
}

func (c *Cache) run(ctx context.Context, cancel context.CancelFunc, f fetch) {
	defer c.wg.Done()
	defer cancel()

	value, err := c.fetchWithRetry(ctx, f)
	c.complete(f, value, err)
}

// fetchWithRetry retries transient failures with exponential backoff. Anything
// else ends the loop at once.
func (c *Cache) fetchWithRetry(ctx context.Context, f fetch) (interface{}, error) {
	for attempt := 0; ; attempt++ {
		value, err := f.fetcher(ctx)
		if err == nil {
			return value, nil
		}
		if api.KindOf(err) != api.KindTransient || attempt >= f.opts.RetryCount {
			return nil, err
		}

		atomic.AddUint64(&c.retries, 1)
		timer := time.NewTimer(f.opts.backoff(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		case <-f.abort:
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrAbandoned, err)
		}
	}
}

func (c *Cache) complete(f fetch, value interface{}, err error) {
	c.mu.Lock()
	e := f.e
	if c.entries[e.key] != e {
		// Reset while in flight.
		c.mu.Unlock()
		atomic.AddUint64(&c.discarded, 1)
		return
	}
	e.inFlight = false
	e.cancel = nil

	var unauthorized bool
	changed := false
	switch {
	case api.IsUnauthorized(err):
		// A 401 ends the session even when the result itself is discarded.
		unauthorized = c.failLocked(e, err)
		changed = len(e.subs) > 0
	case f.generation != e.generation:
		atomic.AddUint64(&c.discarded, 1)
		c.log.Debug().Str("key", e.key).Msg("discarding result fetched before invalidation")
	case len(e.subs) == 0:
		atomic.AddUint64(&c.discarded, 1)
	case err != nil:
		unauthorized = c.failLocked(e, err)
		changed = true
	default:
		if e.revision != f.revision && e.hasValue {
			if f.opts.Merge != nil {
				value = f.opts.Merge(value, e.value)
			} else {
				value = e.value
			}
		}
		c.storeLocked(e, value)
		e.fetchedAt = c.now()
		changed = true
	}

	if (e.refetch || f.generation != e.generation) && len(e.subs) > 0 && !unauthorized {
		c.startFetchLocked(e)
	}
	var subs []*Subscription
	if changed {
		subs = subscribers(e)
	}
	c.mu.Unlock()

	notify(subs)
	if unauthorized && c.onUnauthorized != nil {
		c.onUnauthorized(e.key, err)
	}
}

// failLocked records a failed fetch and reports whether it was a 401.
func (c *Cache) failLocked(e *entry, err error) bool {
	e.fetchedAt = c.now()
	switch api.KindOf(err) {
	case api.KindCanceled:
		return false
	case api.KindUnauthorized:
		e.err = err
		e.refetch = false
		c.abortRetriesLocked()
		return true
	}

	e.err = err
	if errors.Is(err, ErrAbandoned) {
		c.log.Debug().Str("key", e.key).Err(err).Msg("fetch abandoned")
		return false
	}
	c.log.Warn().Str("key", e.key).Err(err).Str("kind", api.KindOf(err).String()).Msg("fetch failed")
	return false
}

// abortRetriesLocked wakes every retry loop waiting on the current abort channel.
func (c *Cache) abortRetriesLocked() {
	close(c.abort)
	c.abort = make(chan struct{})
}

func (c *Cache) startIntervalLocked(e *entry) {
	stop := make(chan struct{})
	e.stop = stop
	interval := e.opts.RefreshInterval
	key := e.key

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.tick(key, e)
			case <-stop:
				return
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

func (c *Cache) tick(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] != e || len(e.subs) == 0 {
		return
	}
	if c.dueLocked(e) {
		c.startFetchLocked(e)
	}
}

func (c *Cache) unsubscribe(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[s.key]
	if !ok {
		return
	}
	delete(e.subs, s)
	if len(e.subs) == 0 && e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
}

func (c *Cache) snapshot(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return State{}
	}
	return State{
		Value:     e.value,
		Err:       e.err,
		IsLoading: e.inFlight && !e.hasValue,
		Revision:  e.revision,
		FetchedAt: e.fetchedAt,
	}
}

func subscribers(e *entry) []*Subscription {
	subs := make([]*Subscription, 0, len(e.subs))
	for s := range e.subs {
		subs = append(subs, s)
	}
	return subs
}

func notify(subs []*Subscription) {
	for _, s := range subs {
		select {
		case s.changes <- struct{}{}:
		default:
		}
	}
}
