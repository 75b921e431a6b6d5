package httpcache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskscore/internal/circuitbreaker"
	"github.com/mbd888/riskscore/internal/retry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		Retries:        2,
		Delays:         []time.Duration{time.Millisecond, 2 * time.Millisecond},
		AttemptTimeout: time.Second,
	}
}

func newTestClient(clk *fakeClock, opts ...Option) *Client {
	base := []Option{WithClock(clk.Now), WithPolicy(fastPolicy())}
	return New(append(base, opts...)...)
}

func countingFetch(calls *atomic.Int32, payload string, err error) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) {
		calls.Add(1)
		if err != nil {
			return nil, err
		}
		return []byte(payload), nil
	}
}

func TestDo_FreshFetchIsComplete(t *testing.T) {
	clk := newFakeClock()
	c := newTestClient(clk)
	var calls atomic.Int32

	res, err := c.Do(context.Background(), Request{Source: "test", Key: "k", Fetch: countingFetch(&calls, `{"a":1}`, nil)})
	require.NoError(t, err)
	assert.Equal(t, Complete, res.Availability)
	assert.Equal(t, `{"a":1}`, string(res.Payload))
	assert.Equal(t, clk.Now(), res.FetchedAt)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDo_WithinTTLServedFromCache(t *testing.T) {
	clk := newFakeClock()
	c := newTestClient(clk, WithTTL(300*time.Second))
	var calls atomic.Int32
	req := Request{Source: "test", Key: "k", Fetch: countingFetch(&calls, "1", nil)}

	_, err := c.Do(context.Background(), req)
	require.NoError(t, err)

	clk.Advance(299 * time.Second)
	res, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Cached, res.Availability)
	assert.False(t, res.Stale)
	assert.EqualValues(t, 1, calls.Load(), "fresh entry must not refetch")
}

func TestDo_ExpiredEntryRefetches(t *testing.T) {
	clk := newFakeClock()
	c := newTestClient(clk, WithTTL(300*time.Second))
	var calls atomic.Int32
	req := Request{Source: "test", Key: "k", Fetch: countingFetch(&calls, "1", nil)}

	_, err := c.Do(context.Background(), req)
	require.NoError(t, err)

	clk.Advance(300 * time.Second)
	res, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Complete, res.Availability)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	c := newTestClient(newFakeClock())
	var calls atomic.Int32

	res, err := c.Do(context.Background(), Request{
		Source: "test",
		Key:    "k",
		Fetch: func(context.Context) ([]byte, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("connection reset")
			}
			return []byte("ok"), nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Complete, res.Availability)
	assert.EqualValues(t, 3, calls.Load())
}

func TestDo_ExhaustedFallsBackToStale(t *testing.T) {
	clk := newFakeClock()
	c := newTestClient(clk, WithTTL(time.Minute))
	var okCalls, failCalls atomic.Int32

	_, err := c.Do(context.Background(), Request{Source: "test", Key: "k", Fetch: countingFetch(&okCalls, "old", nil)})
	require.NoError(t, err)
	insertedAt := clk.Now()

	clk.Advance(time.Hour)
	res, err := c.Do(context.Background(), Request{Source: "test", Key: "k", Fetch: countingFetch(&failCalls, "", errors.New("timeout"))})
	require.NoError(t, err)
	assert.Equal(t, Cached, res.Availability)
	assert.True(t, res.Stale)
	assert.Equal(t, "old", string(res.Payload))
	assert.Equal(t, insertedAt, res.FetchedAt)
	assert.EqualValues(t, 3, failCalls.Load(), "1 attempt + 2 retries")
}

func TestDo_ExhaustedWithoutCacheIsDataUnavailable(t *testing.T) {
	c := newTestClient(newFakeClock())
	var calls atomic.Int32

	res, err := c.Do(context.Background(), Request{Source: "etherscan", Key: "k", Fetch: countingFetch(&calls, "", errors.New("boom"))})
	require.Error(t, err)
	assert.Nil(t, res)

	var du *DataUnavailable
	require.ErrorAs(t, err, &du)
	assert.Equal(t, "etherscan", du.Source)
	assert.Contains(t, du.Reason, "boom")
	assert.True(t, IsUnavailable(err))
}

func TestDo_PermanentErrorNoRetryNoStale(t *testing.T) {
	clk := newFakeClock()
	c := newTestClient(clk, WithTTL(time.Minute))
	var calls atomic.Int32

	_, err := c.Do(context.Background(), Request{Source: "mirror", Key: "k", Fetch: countingFetch(&calls, "old", nil)})
	require.NoError(t, err)
	clk.Advance(time.Hour)

	calls.Store(0)
	notFound := retry.Permanent(&StatusError{Code: http.StatusNotFound})
	_, err = c.Do(context.Background(), Request{Source: "mirror", Key: "k", Fetch: countingFetch(&calls, "", notFound)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrDataUnavailable)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDo_CancelledDoesNotWriteCache(t *testing.T) {
	c := newTestClient(newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())

	_, err := c.Do(ctx, Request{
		Source: "test",
		Key:    "k",
		Fetch: func(ctx context.Context) ([]byte, error) {
			cancel()
			<-ctx.Done()
			return []byte("partial"), nil
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Len())
}

func TestDo_CancellationKeepsExistingEntries(t *testing.T) {
	clk := newFakeClock()
	c := newTestClient(clk, WithTTL(time.Minute))
	var calls atomic.Int32
	_, err := c.Do(context.Background(), Request{Source: "test", Key: "shared", Fetch: countingFetch(&calls, "good", nil)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = c.Do(ctx, Request{Source: "test", Key: "other", Fetch: countingFetch(&calls, "x", nil)})

	res, err := c.Do(context.Background(), Request{Source: "test", Key: "shared", Fetch: countingFetch(&calls, "new", nil)})
	require.NoError(t, err)
	assert.Equal(t, "good", string(res.Payload))
}

func TestDo_ConcurrentCallersShareOneFetch(t *testing.T) {
	c := newTestClient(newFakeClock())
	var calls atomic.Int32
	fetch := func(context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return []byte("v"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Do(context.Background(), Request{Source: "test", Key: "market:aave", Fetch: fetch})
			assert.NoError(t, err)
			if res != nil {
				assert.Equal(t, "v", string(res.Payload))
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestDo_BypassFreshRefetches(t *testing.T) {
	c := newTestClient(newFakeClock())
	var calls atomic.Int32
	req := Request{Source: "test", Key: "k", Fetch: countingFetch(&calls, "v", nil)}

	_, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	res, err := c.Do(BypassFresh(context.Background()), req)
	require.NoError(t, err)
	assert.Equal(t, Complete, res.Availability)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDo_OpenBreakerSkipsFetch(t *testing.T) {
	clk := newFakeClock()
	b := circuitbreaker.New(1, time.Hour)
	c := newTestClient(clk, WithBreaker(b), WithTTL(time.Second))
	var calls atomic.Int32

	_, err := c.Do(context.Background(), Request{Source: "sourcify", Key: "k", Fetch: countingFetch(&calls, "cached", nil)})
	require.NoError(t, err)
	clk.Advance(time.Minute)

	b.RecordFailure("sourcify")
	calls.Store(0)

	res, err := c.Do(context.Background(), Request{Source: "sourcify", Key: "k", Fetch: countingFetch(&calls, "new", nil)})
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.EqualValues(t, 0, calls.Load())

	_, err = c.Do(context.Background(), Request{Source: "sourcify", Key: "other", Fetch: countingFetch(&calls, "new", nil)})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestDo_LatencyBoundedByPolicy(t *testing.T) {
	p := retry.Policy{Retries: 2, Delays: []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}, AttemptTimeout: 20 * time.Millisecond}
	c := New(WithPolicy(p))

	start := time.Now()
	_, err := c.Do(context.Background(), Request{
		Source: "slow",
		Key:    "k",
		Fetch: func(ctx context.Context) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.Error(t, err)
	// Generous slack for scheduler noise.
	assert.Less(t, time.Since(start), p.MaxLatency()+200*time.Millisecond)
}

func TestDo_ConcurrentLatencyBoundedByPolicy(t *testing.T) {
	p := retry.Policy{Retries: 2, Delays: []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}, AttemptTimeout: 100 * time.Millisecond}
	c := New(WithPolicy(p))
	var attempts atomic.Int32

	fetch := func(ctx context.Context) ([]byte, error) {
		attempts.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	const callers = 4
	var wg sync.WaitGroup
	latencies := make([]time.Duration, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := time.Now()
			_, err := c.Do(context.Background(), Request{Source: "slow", Key: "k", Fetch: fetch})
			latencies[i] = time.Since(start)
			assert.True(t, IsUnavailable(err), "caller %d: %v", i, err)
		}(i)
	}
	wg.Wait()

	for i, d := range latencies {
		assert.Less(t, d, p.MaxLatency()+150*time.Millisecond, "caller %d", i)
	}
	// Waiters join the running chain instead of starting their own.
	assert.LessOrEqual(t, attempts.Load(), int32(1+p.Retries))
}

func TestDo_LateJoinerBoundedByItsOwnDeadline(t *testing.T) {
	c := New(WithPolicy(retry.Policy{AttemptTimeout: time.Second}))
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _ = c.Do(context.Background(), Request{Source: "slow", Key: "k", Fetch: func(ctx context.Context) ([]byte, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return []byte("late"), nil
		}})
	}()
	require.Eventually(t, func() bool { return c.flight.InFlight() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Do(ctx, Request{Source: "slow", Key: "k", Fetch: countingFetch(new(atomic.Int32), "x", nil)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestDo_SlowKeyDoesNotBlockOtherKeys(t *testing.T) {
	c := New(WithPolicy(retry.Policy{AttemptTimeout: time.Second}))
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _ = c.Do(context.Background(), Request{Source: "slow", Key: "coingecko|/coins/aave", Fetch: func(ctx context.Context) ([]byte, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return []byte("aave"), nil
		}})
	}()
	require.Eventually(t, func() bool { return c.flight.InFlight() == 1 }, time.Second, time.Millisecond)

	// Many distinct keys, so any fixed-size lock pool would put some on the slow key's shard.
	for i := 0; i < 512; i++ {
		key := "coingecko|/coins/token-" + strconv.Itoa(i)
		start := time.Now()
		res, err := c.Do(context.Background(), Request{Source: "fast", Key: key, Fetch: countingFetch(new(atomic.Int32), "v", nil)})
		require.NoError(t, err)
		assert.Equal(t, "v", string(res.Payload))
		require.Less(t, time.Since(start), 100*time.Millisecond, "key %s waited on an unrelated fetch", key)
	}
}

func TestGetJSON_RetriesOn429AndHidesSecret(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("apikey"))
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"status":"1"}`))
	}))
	defer srv.Close()

	c := newTestClient(newFakeClock())
	var out struct {
		Status string `json:"status"`
	}
	req := GetRequest{
		Source:   "etherscan",
		Endpoint: srv.URL + "/v2/api",
		Params:   url.Values{"module": {"contract"}},
		Secret:   url.Values{"apikey": {"secret"}},
	}
	res, err := c.GetJSON(context.Background(), req, &out)
	require.NoError(t, err)
	assert.Equal(t, "1", out.Status)
	assert.Equal(t, Complete, res.Availability)
	assert.EqualValues(t, 2, hits.Load())

	_, ok := c.store.Get(Key(http.MethodGet, srv.URL+"/v2/api", url.Values{"module": {"contract"}}))
	assert.True(t, ok, "cache key must not include the secret")
}

func TestGetJSON_404IsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(newFakeClock())
	_, err := c.GetJSON(context.Background(), GetRequest{Source: "mirror", Endpoint: srv.URL}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 1, hits.Load())
}

func TestGetJSON_InvalidJSONNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	c := newTestClient(newFakeClock())
	_, err := c.GetJSON(context.Background(), GetRequest{Source: "coingecko", Endpoint: srv.URL}, nil)
	assert.ErrorIs(t, err, ErrDataUnavailable)
	assert.Equal(t, 0, c.Len())
}

func TestKey_ParameterOrderIrrelevant(t *testing.T) {
	a := Key("get", "https://api.example/x", url.Values{"b": {"2"}, "a": {"1"}})
	b := Key("GET", "https://api.example/x", url.Values{"a": {"1"}, "b": {"2"}})
	assert.Equal(t, a, b)
	assert.Equal(t, "GET https://api.example/x?a=1&b=2", a)
}

func TestWorst(t *testing.T) {
	assert.Equal(t, Complete, Worst())
	assert.Equal(t, Complete, Worst(Complete, Complete))
	assert.Equal(t, Cached, Worst(Complete, Cached))
	assert.Equal(t, Partial, Worst(Cached, Partial, Complete))
	assert.Equal(t, Unavailable, Worst(Cached, Unavailable, Partial))
}

func TestMemoryStore_CopiesPayload(t *testing.T) {
	s := NewMemoryStore()
	buf := []byte("abc")
	s.Set("k", Entry{Payload: buf})
	buf[0] = 'X'

	e, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "abc", string(e.Payload))

	e.Payload[0] = 'Y'
	e2, _ := s.Get("k")
	assert.Equal(t, "abc", string(e2.Payload))

	s.Delete("k")
	assert.Equal(t, 0, s.Len())
}
