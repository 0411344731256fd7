package cache

import (
	"sync"
	"time"
)

// State is what a view reads from a subscription.
type State struct {
	Value     interface{}
	Err       error
	IsLoading bool
	Revision  uint64
	FetchedAt time.Time
}

// Subscription is one observer of a key.
type Subscription struct {
	cache   *Cache
	key     string
	changes chan struct{}
	once    sync.Once
}

// Key returns the subscribed key.
func (s *Subscription) Key() string { return s.key }

// Snapshot returns the current value, error and loading flag of the key.
func (s *Subscription) Snapshot() State {
	return s.cache.snapshot(s.key)
}

// Changes receives a coalesced signal after every change of the key.
func (s *Subscription) Changes() <-chan struct{} { return s.changes }

// Unsubscribe stops observing the key. The key's timer stops with its last subscriber.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.cache.unsubscribe(s) })
}
