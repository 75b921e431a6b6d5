package httpcache

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mbd888/riskscore/internal/circuitbreaker"
	"github.com/mbd888/riskscore/internal/logging"
	"github.com/mbd888/riskscore/internal/metrics"
	"github.com/mbd888/riskscore/internal/retry"
	"github.com/mbd888/riskscore/internal/syncutil"
	"github.com/mbd888/riskscore/internal/traces"
)

// DefaultTTL is how long a fetched payload counts as fresh.
const DefaultTTL = 300 * time.Second

// Request is one logical upstream lookup.
type Request struct {
	// Source names the upstream (breaker, limiter and metrics label).
	Source string
	// Key identifies the response in the cache. Build it with Key.
	Key string
	// Fetch performs one attempt. Errors wrapped with retry.Permanent are
	// not retried and do not fall back to stale data.
	Fetch func(ctx context.Context) ([]byte, error)
}

// Result is a payload plus how it was obtained.
type Result struct {
	Payload      []byte
	Availability Availability
	FetchedAt    time.Time
	// Stale is set when an expired entry was served because the upstream failed.
	Stale bool
}

// Client executes Requests through the cache, retry policy, per-source
// rate limiter and optional circuit breaker.
type Client struct {
	store   Store
	ttl     time.Duration
	policy  retry.Policy
	flight  syncutil.Flight[*Result]
	breaker *circuitbreaker.Breaker
	now     func() time.Time
	logger  *slog.Logger
	http    *http.Client

	requestDelay time.Duration
	limitersMu   sync.Mutex
	limiters     map[string]*rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithStore replaces the default in-memory store.
func WithStore(s Store) Option { return func(c *Client) { c.store = s } }

// WithTTL sets the freshness window.
func WithTTL(ttl time.Duration) Option { return func(c *Client) { c.ttl = ttl } }

// WithPolicy sets the retry policy.
func WithPolicy(p retry.Policy) Option { return func(c *Client) { c.policy = p } }

// WithClock replaces the time source used for freshness checks.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// WithBreaker guards each source with a circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option { return func(c *Client) { c.breaker = b } }

// WithRequestDelay spaces consecutive requests to the same source by at least d.
func WithRequestDelay(d time.Duration) Option { return func(c *Client) { c.requestDelay = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithHTTPClient replaces the transport used by GetJSON.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// New creates a Client. Defaults: memory store, 300s TTL, DefaultPolicy.
func New(opts ...Option) *Client {
	c := &Client{
		store:    NewMemoryStore(),
		ttl:      DefaultTTL,
		policy:   retry.DefaultPolicy(),
		now:      time.Now,
		http:     &http.Client{},
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDiscard(c.logger)
	return c
}

// Policy returns the retry policy in effect.
func (c *Client) Policy() retry.Policy { return c.policy }

// Breaker returns the circuit breaker, or nil.
func (c *Client) Breaker() *circuitbreaker.Breaker { return c.breaker }

// Len returns the number of cached entries.
func (c *Client) Len() int { return c.store.Len() }

type bypassKey struct{}

// BypassFresh makes Do refetch even when a fresh entry exists. The stale
// fallback still applies if the refetch fails.
func BypassFresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassKey{}, true)
}

func bypassFresh(ctx context.Context) bool {
	v, _ := ctx.Value(bypassKey{}).(bool)
	return v
}

// Do returns req's payload. A fresh cached entry is returned as Cached.
// Otherwise Fetch runs under the retry policy; success is stored and
// returned as Complete. When every attempt fails, the last stored entry is
// served as Cached (Stale=true) if there is one; else the error is a
// *DataUnavailable. Cancelling ctx never writes to the store.
func (c *Client) Do(ctx context.Context, req Request) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "httpcache.Do", traces.Source(req.Source), traces.CacheKey(req.Key))
	res, err := c.do(ctx, req)
	if res != nil {
		span.SetAttributes(traces.Availability(string(res.Availability)))
	}
	traces.End(span, err)
	return res, err
}

func (c *Client) do(ctx context.Context, req Request) (*Result, error) {
	bypass := bypassFresh(ctx)
	if !bypass {
		if res, ok := c.fresh(req); ok {
			return res, nil
		}
	}

	// The caller never waits longer than one full retry chain, whether it
	// runs the fetch or joins one already in flight.
	bound := c.policy.MaxLatency()
	if bound > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bound)
		defer cancel()
	}

	res, joined, err := c.flight.Do(ctx, req.Key, func(fctx context.Context) (*Result, error) {
		if bound > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, bound)
			defer cancel()
		}
		return c.fetch(fctx, req, bypass)
	})
	if joined {
		metrics.CacheResultsTotal.WithLabelValues(req.Source, "joined").Inc()
	}
	if err != nil && ctx.Err() != nil {
		return c.fallback(ctx, req, ctx.Err(), true)
	}
	return res, err
}

// fetch runs the retry chain for req and stores a successful payload. It
// runs once per key no matter how many callers are waiting.
func (c *Client) fetch(ctx context.Context, req Request, bypass bool) (*Result, error) {
	// A previous call may have filled the entry just before this one started.
	if !bypass {
		if res, ok := c.fresh(req); ok {
			return res, nil
		}
	}

	if c.breaker != nil && !c.breaker.Allow(req.Source) {
		return c.fallback(ctx, req, ErrCircuitOpen, true)
	}

	metrics.CacheResultsTotal.WithLabelValues(req.Source, "miss").Inc()

	var (
		payload   []byte
		permanent bool
	)
	err := retry.Do(ctx, c.policy, func(actx context.Context) error {
		if err := c.limiter(req.Source).Wait(actx); err != nil {
			return err
		}
		start := time.Now()
		p, err := req.Fetch(actx)
		metrics.UpstreamDuration.WithLabelValues(req.Source).Observe(time.Since(start).Seconds())
		switch {
		case err == nil:
			metrics.UpstreamRequestsTotal.WithLabelValues(req.Source, "ok").Inc()
			payload = p
			return nil
		case retry.IsPermanent(err):
			metrics.UpstreamRequestsTotal.WithLabelValues(req.Source, "permanent").Inc()
			permanent = true
		default:
			metrics.UpstreamRequestsTotal.WithLabelValues(req.Source, "error").Inc()
			c.logger.Debug("upstream attempt failed", "source", req.Source, "key", req.Key, "error", err)
		}
		return err
	})

	if err == nil {
		if ctx.Err() != nil {
			return c.fallback(ctx, req, ctx.Err(), true)
		}
		fetchedAt := c.now()
		c.store.Set(req.Key, Entry{Payload: payload, InsertedAt: fetchedAt})
		metrics.CacheEntries.Set(float64(c.store.Len()))
		c.recordSuccess(req.Source)
		return &Result{Payload: payload, Availability: Complete, FetchedAt: fetchedAt}, nil
	}

	switch {
	case permanent:
		// The upstream answered definitively; it is healthy and stale data would be wrong.
		c.recordSuccess(req.Source)
		return c.fallback(ctx, req, err, false)
	case ctx.Err() != nil:
		if c.breaker != nil && c.breaker.State(req.Source) == circuitbreaker.StateHalfOpen {
			c.breaker.RecordFailure(req.Source)
		}
	default:
		if c.breaker != nil {
			c.breaker.RecordFailure(req.Source)
		}
	}
	return c.fallback(ctx, req, err, true)
}

func (c *Client) fresh(req Request) (*Result, bool) {
	e, ok := c.store.Get(req.Key)
	if !ok || c.now().Sub(e.InsertedAt) >= c.ttl {
		return nil, false
	}
	metrics.CacheResultsTotal.WithLabelValues(req.Source, "hit").Inc()
	return &Result{Payload: e.Payload, Availability: Cached, FetchedAt: e.InsertedAt}, true
}

func (c *Client) fallback(ctx context.Context, req Request, cause error, allowStale bool) (*Result, error) {
	if allowStale {
		if e, ok := c.store.Get(req.Key); ok {
			metrics.CacheResultsTotal.WithLabelValues(req.Source, "stale_fallback").Inc()
			logging.L(ctx).Warn("serving stale cache entry",
				"source", req.Source, "key", req.Key,
				"age", c.now().Sub(e.InsertedAt).String(), "cause", cause)
			return &Result{Payload: e.Payload, Availability: Cached, FetchedAt: e.InsertedAt, Stale: true}, nil
		}
	}
	metrics.CacheResultsTotal.WithLabelValues(req.Source, "unavailable").Inc()
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	return nil, &DataUnavailable{Source: req.Source, Reason: reason, Err: cause}
}

func (c *Client) recordSuccess(source string) {
	if c.breaker != nil {
		c.breaker.RecordSuccess(source)
	}
}

func (c *Client) limiter(source string) *rate.Limiter {
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()
	l, ok := c.limiters[source]
	if !ok {
		limit := rate.Inf
		if c.requestDelay > 0 {
			limit = rate.Every(c.requestDelay)
		}
		l = rate.NewLimiter(limit, 1)
		c.limiters[source] = l
	}
	return l
}

// IsUnavailable reports whether err is (or wraps) a *DataUnavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrDataUnavailable)
}
