package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hervehildenbrand/prefixd-sync/pkg/api"
)

var (
	errTransient    = &api.Error{Kind: api.KindTransient, Status: 503, Method: "GET", Path: "/v1/mitigations"}
	errUnauthorized = &api.Error{Kind: api.KindUnauthorized, Status: 401, Method: "GET", Path: "/v1/stats"}
	errNotFound     = &api.Error{Kind: api.KindClientError, Status: 404, Method: "GET", Path: "/v1/mitigations/x"}
)

func testOptions() Options {
	return Options{
		DedupingWindow: 2 * time.Second,
		RetryCount:     3,
		RetryBaseDelay: time.Millisecond,
	}
}

func waitSettled(t *testing.T, s *Subscription) State {
	t.Helper()
	var st State
	require.Eventually(t, func() bool {
		st = s.Snapshot()
		return !st.IsLoading && (st.Value != nil || st.Err != nil)
	}, 2*time.Second, time.Millisecond)
	return st
}

func TestDedupConcurrentSubscribers(t *testing.T) {
	c := New()
	defer c.Close()

	var calls int32
	release := make(chan struct{})
	fetcher := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "mitigations-v1", nil
	}

	var wg sync.WaitGroup
	subs := make([]*Subscription, 5)
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subs[i] = c.Subscribe("mitigations", fetcher, testOptions())
		}(i)
	}
	wg.Wait()

	assert.True(t, subs[0].Snapshot().IsLoading)
	close(release)

	for _, s := range subs {
		assert.Equal(t, "mitigations-v1", waitSettled(t, s).Value)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Still inside the dedup window.
	c.Subscribe("mitigations", fetcher, testOptions())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryTransientThenSuccess(t *testing.T) {
	c := New()
	defer c.Close()

	var calls int32
	s := c.Subscribe("stats", func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errTransient
		}
		return "ok", nil
	}, testOptions())

	st := waitSettled(t, s)
	assert.Equal(t, "ok", st.Value)
	assert.NoError(t, st.Err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryExhausted(t *testing.T) {
	c := New()
	defer c.Close()

	var calls int32
	s := c.Subscribe("stats", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errTransient
	}, testOptions())

	st := waitSettled(t, s)
	assert.ErrorIs(t, st.Err, errTransient)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "one attempt plus three retries")
}

func TestClientErrorNotRetried(t *testing.T) {
	c := New()
	defer c.Close()

	var calls int32
	s := c.Subscribe("mitigation/x", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errNotFound
	}, testOptions())

	st := waitSettled(t, s)
	assert.Equal(t, api.KindClientError, api.KindOf(st.Err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestUnauthorizedAbandonsRetryLoops(t *testing.T) {
	var unauthorized int32
	c := New(WithUnauthorized(func(key string, err error) {
		atomic.AddInt32(&unauthorized, 1)
		assert.Equal(t, "stats", key)
	}))
	defer c.Close()

	opts := testOptions()
	opts.RetryBaseDelay = time.Hour

	var transientCalls int32
	slow := c.Subscribe("mitigations", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&transientCalls, 1)
		return nil, errTransient
	}, opts)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&transientCalls) == 1 }, time.Second, time.Millisecond)

	var authCalls int32
	c.Subscribe("stats", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&authCalls, 1)
		return nil, errUnauthorized
	}, opts)

	st := waitSettled(t, slow)
	assert.ErrorIs(t, st.Err, ErrAbandoned)
	assert.Equal(t, int32(1), atomic.LoadInt32(&transientCalls), "retry loop must not fetch again")
	assert.Equal(t, int32(1), atomic.LoadInt32(&authCalls), "401 is never retried")
	assert.Equal(t, int32(1), atomic.LoadInt32(&unauthorized))
}

func TestInvalidateDiscardsInFlightResult(t *testing.T) {
	c := New()
	defer c.Close()

	var calls int32
	release := make(chan struct{})
	s := c.Subscribe("mitigations", func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
			return "pre-resync", nil
		}
		return "post-resync", nil
	}, testOptions())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)

	c.Invalidate("mitigations")
	assert.Nil(t, s.Snapshot().Value)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "no second request while one is in flight")

	close(release)
	require.Eventually(t, func() bool { return s.Snapshot().Value == "post-resync" }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestInvalidateDropsCachedValue(t *testing.T) {
	c := New()
	defer c.Close()

	var calls int32
	s := c.Subscribe("events", func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return "cached", nil
		}
		return "fresh", nil
	}, testOptions())
	require.Equal(t, "cached", waitSettled(t, s).Value)

	keys := c.InvalidateMatching(func(k string) bool { return k == "events" })
	assert.Equal(t, []string{"events"}, keys)
	require.Eventually(t, func() bool { return s.Snapshot().Value == "fresh" }, 2*time.Second, time.Millisecond)
}

func TestPushDuringPollIsMerged(t *testing.T) {
	tests := []struct {
		name  string
		merge MergeFunc
		want  string
	}{
		{"merge resolver", func(polled, current interface{}) interface{} {
			return polled.(string) + "|" + current.(string)
		}, "polled|pushed"},
		{"no resolver keeps push", nil, "pushed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			defer c.Close()

			var calls int32
			release := make(chan struct{})
			opts := testOptions()
			opts.Merge = tt.merge
			s := c.Subscribe("mitigations", func(ctx context.Context) (interface{}, error) {
				if atomic.AddInt32(&calls, 1) == 1 {
					return "initial", nil
				}
				<-release
				return "polled", nil
			}, opts)
			require.Equal(t, "initial", waitSettled(t, s).Value)

			c.Revalidate("mitigations")
			require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, time.Millisecond)

			applied := c.Update("mitigations", func(current interface{}) (interface{}, bool) {
				return "pushed", true
			})
			require.True(t, applied)
			close(release)

			require.Eventually(t, func() bool { return s.Snapshot().Value == tt.want }, 2*time.Second, time.Millisecond)
		})
	}
}

func TestUpdateIgnoresEmptyKey(t *testing.T) {
	c := New()
	defer c.Close()

	called := false
	applied := c.Update("mitigation/nope", func(current interface{}) (interface{}, bool) {
		called = true
		return "x", true
	})
	assert.False(t, applied)
	assert.False(t, called)
}

func TestUnsubscribeStopsInterval(t *testing.T) {
	c := New()
	defer c.Close()

	var calls int32
	opts := testOptions()
	opts.RefreshInterval = 5 * time.Millisecond
	opts.DedupingWindow = 0
	s := c.Subscribe("health", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "up", nil
	}, opts)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, 2*time.Second, time.Millisecond)
	s.Unsubscribe()
	s.Unsubscribe()

	time.Sleep(20 * time.Millisecond)
	settled := atomic.LoadInt32(&calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt32(&calls))
}

func TestResultDiscardedWithoutSubscribers(t *testing.T) {
	c := New()
	defer c.Close()

	release := make(chan struct{})
	done := make(chan struct{})
	s := c.Subscribe("pops", func(ctx context.Context) (interface{}, error) {
		defer close(done)
		<-release
		return "pops", nil
	}, testOptions())

	s.Unsubscribe()
	close(release)
	<-done

	require.Eventually(t, func() bool { return c.Stats()["in_flight"] == 0 }, time.Second, time.Millisecond)
	_, ok := c.Peek("pops")
	assert.False(t, ok)
}

func TestUnauthorizedReportedWhenResultDiscarded(t *testing.T) {
	var unauthorized int32
	c := New(WithUnauthorized(func(key string, err error) {
		atomic.AddInt32(&unauthorized, 1)
		assert.Equal(t, "stats", key)
	}))
	defer c.Close()

	release := make(chan struct{})
	done := make(chan struct{})
	s := c.Subscribe("stats", func(ctx context.Context) (interface{}, error) {
		defer close(done)
		<-release
		return nil, errUnauthorized
	}, testOptions())

	s.Unsubscribe()
	close(release)
	<-done

	require.Eventually(t, func() bool { return atomic.LoadInt32(&unauthorized) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.Stats()["in_flight"] == 0 }, time.Second, time.Millisecond)
}

func TestUnauthorizedReportedAfterInvalidation(t *testing.T) {
	var unauthorized int32
	c := New(WithUnauthorized(func(key string, err error) {
		atomic.AddInt32(&unauthorized, 1)
	}))
	defer c.Close()

	release := make(chan struct{})
	var calls int32
	s := c.Subscribe("stats", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil, errUnauthorized
	}, testOptions())
	defer s.Unsubscribe()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
	c.Invalidate("stats")
	close(release)

	st := waitSettled(t, s)
	assert.ErrorIs(t, st.Err, errUnauthorized)
	assert.Equal(t, int32(1), atomic.LoadInt32(&unauthorized))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "no refetch after a 401")
}

func TestFocusAndReconnectSignals(t *testing.T) {
	c := New()
	defer c.Close()

	var focusCalls, slowCalls int32
	focusOpts := testOptions()
	focusOpts.DedupingWindow = 0
	focusOpts.RevalidateOnFocus = true
	slowOpts := focusOpts
	slowOpts.RevalidateOnFocus = false
	slowOpts.RevalidateOnReconnect = true

	a := c.Subscribe("mitigations", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&focusCalls, 1)
		return "m", nil
	}, focusOpts)
	b := c.Subscribe("pops", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&slowCalls, 1)
		return "p", nil
	}, slowOpts)
	waitSettled(t, a)
	waitSettled(t, b)

	c.Focus()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&focusCalls) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&slowCalls))

	require.Eventually(t, func() bool { return c.Stats()["in_flight"] == 0 }, time.Second, time.Millisecond)
	c.Reconnect()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&slowCalls) == 2 }, time.Second, time.Millisecond)
}

func TestResetClearsEverything(t *testing.T) {
	c := New()
	defer c.Close()

	s := c.Subscribe("safelist", func(ctx context.Context) (interface{}, error) {
		return "entries", nil
	}, testOptions())
	waitSettled(t, s)

	c.Reset()
	_, ok := c.Peek("safelist")
	assert.False(t, ok)
	assert.Empty(t, c.Keys())
	assert.Nil(t, s.Snapshot().Value)
}

func TestMutateBumpsRevision(t *testing.T) {
	c := New()
	defer c.Close()

	c.Mutate("config-settings", "a")
	r1 := c.Revision("config-settings")
	c.Mutate("config-settings", "b")
	assert.Greater(t, c.Revision("config-settings"), r1)

	v, ok := c.Peek("config-settings")
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestBackoffDoubles(t *testing.T) {
	o := Options{RetryBaseDelay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, o.backoff(0))
	assert.Equal(t, 200*time.Millisecond, o.backoff(1))
	assert.Equal(t, 400*time.Millisecond, o.backoff(2))
	assert.True(t, errors.Is(ErrAbandoned, ErrAbandoned))
}
