// Package llmcdn is the caching and deduplication layer in front of the
// LLM providers. Requests are identified by a deterministic fingerprint;
// live cache entries short-circuit upstream calls, concurrent identical
// requests coalesce onto a single in-flight call, and a concurrency
// ceiling rejects new fingerprints outright rather than queueing them.
package llmcdn

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adalundhe/viable/core/config"
	"github.com/adalundhe/viable/core/errors"
	"github.com/adalundhe/viable/core/providers"
)

// ============================================================================
// TYPES
// ============================================================================

// CallOptions are per-call knobs that never affect a request's fingerprint.
type CallOptions struct {
	// SkipCache bypasses lookup, dedup, and caching entirely; the call
	// goes straight to the provider.
	SkipCache bool
}

// entry is a cached provider result.
type entry struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
	hits      int64
}

// outcome is the resolved result fanned out to waiters.
type outcome struct {
	value any
	err   error
}

// flight tracks one in-progress upstream call and everyone waiting on it.
type flight struct {
	waiters   []chan outcome
	startedAt time.Time
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Deduped   int64   `json:"deduped"`
	Evictions int64   `json:"evictions"`
	Rejected  int64   `json:"rejected"`
	CacheSize int     `json:"cache_size"`
	InFlight  int     `json:"in_flight"`
	HitRate   float64 `json:"hit_rate"`
}

// CDN fronts a completion provider and an embedding provider with a
// shared fingerprint-keyed cache. The cache table and the in-flight table
// share one mutex so the lookup-or-join decision is atomic: two
// concurrent identical requests can never both register an upstream call.
type CDN struct {
	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*flight

	cfg        config.CDNConfig
	completion providers.CompletionProvider
	embedder   providers.EmbeddingProvider
	logger     *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	deduped   atomic.Int64
	evictions atomic.Int64
	rejected  atomic.Int64

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// ============================================================================
// CONSTRUCTION
// ============================================================================

// Option configures a CDN at construction time.
type Option func(*CDN)

// WithCompletionProvider injects the completion backend.
func WithCompletionProvider(p providers.CompletionProvider) Option {
	return func(c *CDN) { c.completion = p }
}

// WithEmbeddingProvider injects the embedding backend.
func WithEmbeddingProvider(p providers.EmbeddingProvider) Option {
	return func(c *CDN) { c.embedder = p }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *CDN) { c.logger = logger }
}

// New constructs a CDN and starts its background sweep. Providers default
// to the deterministic placeholder when not injected.
func New(cfg config.CDNConfig, opts ...Option) *CDN {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 50
	}
	if cfg.MaxCacheEntries <= 0 {
		cfg.MaxCacheEntries = 10_000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	c := &CDN{
		entries:  make(map[string]*entry),
		inflight: make(map[string]*flight),
		cfg:      cfg,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.completion == nil {
		c.completion = providers.NewPlaceholder()
	}
	if c.embedder == nil {
		c.embedder = providers.NewPlaceholder()
	}

	go c.sweepLoop()
	return c
}

// ============================================================================
// COMPLETION / EMBEDDING
// ============================================================================

// Complete returns the completion for req, served from cache or coalesced
// onto an identical in-flight call whenever possible.
func (c *CDN) Complete(ctx context.Context, req *providers.Request, opts CallOptions) (*providers.Response, error) {
	fp := Fingerprint(req)

	value, err := c.do(ctx, fp, opts, req.Timeout, func(callCtx context.Context) (any, error) {
		return c.completion.Complete(callCtx, req)
	})
	if err != nil {
		return nil, err
	}

	resp, ok := value.(*providers.Response)
	if !ok {
		return nil, errors.New(errors.KindTransport, "cached value is not a completion response")
	}
	return resp, nil
}

// Embed returns embeddings for inputs with the same cache and dedup
// semantics as Complete.
func (c *CDN) Embed(ctx context.Context, inputs []string, opts CallOptions) ([][]float32, error) {
	fp := EmbedFingerprint(inputs)

	value, err := c.do(ctx, fp, opts, 0, func(callCtx context.Context) (any, error) {
		return c.embedder.Embed(callCtx, inputs)
	})
	if err != nil {
		return nil, err
	}

	vectors, ok := value.([][]float32)
	if !ok {
		return nil, errors.New(errors.KindTransport, "cached value is not an embedding result")
	}
	return vectors, nil
}

// do runs the four-step decision for one fingerprint: live cache hit,
// dedup join, ceiling rejection, or a fresh in-flight call.
func (c *CDN) do(ctx context.Context, fp string, opts CallOptions, timeout time.Duration, invoke func(context.Context) (any, error)) (any, error) {
	if opts.SkipCache {
		return c.invokeDirect(ctx, timeout, invoke)
	}

	c.mu.Lock()

	if ent, ok := c.entries[fp]; ok && time.Now().Before(ent.expiresAt) {
		ent.hits++
		c.mu.Unlock()
		c.hits.Add(1)
		return ent.value, nil
	}

	if fl, ok := c.inflight[fp]; ok {
		ch := make(chan outcome, 1)
		fl.waiters = append(fl.waiters, ch)
		c.mu.Unlock()
		c.deduped.Add(1)
		return c.await(ctx, ch)
	}

	if len(c.inflight) >= c.cfg.MaxInFlight {
		c.mu.Unlock()
		c.rejected.Add(1)
		return nil, errors.ErrTooManyRequests
	}

	ch := make(chan outcome, 1)
	c.inflight[fp] = &flight{
		waiters:   []chan outcome{ch},
		startedAt: time.Now(),
	}
	c.mu.Unlock()
	c.misses.Add(1)

	// The upstream call is detached from this caller's context: other
	// waiters may join after this caller gives up.
	go func() {
		value, err := c.invokeDirect(context.Background(), timeout, invoke)
		c.resolve(fp, value, err)
	}()

	return c.await(ctx, ch)
}

// invokeDirect calls the provider with an optional per-call timeout and
// converts panics into structured transport errors so one bad call cannot
// take the cache layer down.
func (c *CDN) invokeDirect(ctx context.Context, timeout time.Duration, invoke func(context.Context) (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.KindTransport, "provider panicked: %v", r)
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	value, err = invoke(ctx)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return nil, errors.Wrap(errors.KindTimeout, "provider call timed out", err)
	}
	return value, err
}

// resolve removes the in-flight entry, caches the result on success with a
// fresh TTL, and fans the outcome out to every accumulated waiter.
// Failures are never cached.
func (c *CDN) resolve(fp string, value any, err error) {
	c.mu.Lock()

	fl, ok := c.inflight[fp]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.inflight, fp)

	if err == nil {
		now := time.Now()
		c.entries[fp] = &entry{
			value:     value,
			createdAt: now,
			expiresAt: now.Add(c.cfg.CacheTTL),
		}
	}

	waiters := fl.waiters
	c.mu.Unlock()

	result := outcome{value: value, err: err}
	for _, ch := range waiters {
		// Buffered channels, one slot per waiter; the send never blocks.
		ch <- result
	}
}

// await blocks until the in-flight call resolves or the caller's context
// ends. An abandoning caller does not cancel the upstream call.
func (c *CDN) await(ctx context.Context, ch chan outcome) (any, error) {
	select {
	case result := <-ch:
		return result.value, result.err
	case <-ctx.Done():
		return nil, errors.Wrap(errors.KindTimeout, "caller gave up waiting for in-flight request", ctx.Err())
	}
}

// ============================================================================
// CACHE MANAGEMENT
// ============================================================================

// GetCached returns the live cached value for a fingerprint, or false when
// the entry is absent or expired. Expired entries are dropped on sight.
func (c *CDN) GetCached(fingerprint string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	if !time.Now().Before(ent.expiresAt) {
		delete(c.entries, fingerprint)
		c.evictions.Add(1)
		return nil, false
	}
	return ent.value, true
}

// Invalidate drops a single cache entry and reports whether it existed.
func (c *CDN) Invalidate(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[fingerprint]; !ok {
		return false
	}
	delete(c.entries, fingerprint)
	return true
}

// ClearCache drops every cache entry and returns how many were dropped.
// In-flight requests are untouched.
func (c *CDN) ClearCache() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := len(c.entries)
	c.entries = make(map[string]*entry)
	return dropped
}

// Stats snapshots the counters. Hit rate is hits/(hits+misses), 0 when the
// cache has seen no cacheable requests yet.
func (c *CDN) Stats() Stats {
	c.mu.Lock()
	cacheSize := len(c.entries)
	inFlight := len(c.inflight)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:      hits,
		Misses:    misses,
		Deduped:   c.deduped.Load(),
		Evictions: c.evictions.Load(),
		Rejected:  c.rejected.Load(),
		CacheSize: cacheSize,
		InFlight:  inFlight,
		HitRate:   hitRate,
	}
}

// ============================================================================
// SWEEP
// ============================================================================

func (c *CDN) sweepLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(time.Now())
		case <-c.stopCh:
			return
		}
	}
}

// sweep purges expired entries, then evicts the oldest-created entries
// until the cache is back under its size limit. Both count as evictions.
func (c *CDN) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted int64
	for fp, ent := range c.entries {
		if !now.Before(ent.expiresAt) {
			delete(c.entries, fp)
			evicted++
		}
	}

	if overflow := len(c.entries) - c.cfg.MaxCacheEntries; overflow > 0 {
		type aged struct {
			fp        string
			createdAt time.Time
		}
		survivors := make([]aged, 0, len(c.entries))
		for fp, ent := range c.entries {
			survivors = append(survivors, aged{fp: fp, createdAt: ent.createdAt})
		}
		sort.Slice(survivors, func(i, j int) bool {
			return survivors[i].createdAt.Before(survivors[j].createdAt)
		})
		for _, victim := range survivors[:overflow] {
			delete(c.entries, victim.fp)
			evicted++
		}
	}

	if evicted > 0 {
		c.evictions.Add(evicted)
		c.logger.Debug("cache sweep complete",
			"evicted", evicted,
			"remaining", len(c.entries))
	}
}

// Close stops the sweep loop. Safe to call more than once.
func (c *CDN) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.done
}
