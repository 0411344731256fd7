package cache

import (
	"context"
	"time"
)

// Defaults for resources that change quickly (mitigations, events, health).
const (
	DefaultVolatileInterval = 5 * time.Second
	DefaultSlowInterval     = 30 * time.Second
	DefaultDedupingWindow   = 2 * time.Second
	DefaultRetryCount       = 3
	DefaultRetryBaseDelay   = 500 * time.Millisecond
)

// Fetcher loads the authoritative value of one key.
type Fetcher func(ctx context.Context) (interface{}, error)

// MergeFunc resolves a poll result that raced with local writes made while it
// was in flight. It returns the value to store.
type MergeFunc func(polled, current interface{}) interface{}

// Options control revalidation of one key.
type Options struct {
	// RefreshInterval re-fetches periodically while subscribed. Zero disables polling.
	RefreshInterval time.Duration
	// RevalidateOnFocus re-fetches when the view regains the foreground.
	RevalidateOnFocus bool
	// RevalidateOnReconnect re-fetches on a network-reconnect signal.
	RevalidateOnReconnect bool
	// DedupingWindow suppresses fetches started within this long of the previous one.
	DedupingWindow time.Duration
	// RetryCount bounds retries of transient failures.
	RetryCount int
	// RetryBaseDelay is the first backoff delay; it doubles on every attempt.
	RetryBaseDelay time.Duration
	// Merge resolves push-vs-poll races. Nil keeps the locally written value.
	Merge MergeFunc
}

// DefaultOptions returns the options used for volatile resources.
func DefaultOptions() Options {
	return Options{
		RefreshInterval:       DefaultVolatileInterval,
		RevalidateOnFocus:     true,
		RevalidateOnReconnect: true,
		DedupingWindow:        DefaultDedupingWindow,
		RetryCount:            DefaultRetryCount,
		RetryBaseDelay:        DefaultRetryBaseDelay,
	}
}

// SlowOptions returns the options used for slow-changing resources such as POP topology.
func SlowOptions() Options {
	o := DefaultOptions()
	o.RefreshInterval = DefaultSlowInterval
	o.RevalidateOnFocus = false
	return o
}

// backoff returns the delay before retry number attempt (0-based).
func (o Options) backoff(attempt int) time.Duration {
	if o.RetryBaseDelay <= 0 {
		return 0
	}
	return o.RetryBaseDelay << uint(attempt)
}
