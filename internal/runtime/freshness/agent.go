package freshness

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/edgectrl/internal/config"
	"github.com/l0p7/edgectrl/internal/flags"
	"github.com/l0p7/edgectrl/internal/metrics"
	"github.com/l0p7/edgectrl/internal/origin"
	"github.com/l0p7/edgectrl/internal/runtime/abtest"
	"github.com/l0p7/edgectrl/internal/runtime/pipeline"
	"github.com/l0p7/edgectrl/internal/store"
)

// Agent is the cache read/write side of the pipeline: it classifies cached
// entries as fresh, stale, or expired, serves from cache when allowed,
// fetches the origin otherwise, and hands stale entries to the background
// revalidator.
type Agent struct {
	cfg           config.CacheConfig
	defaultOrigin string
	store         store.Store
	fetcher       origin.Fetcher
	revalidator   *Revalidator
	flags         *flags.Resolver
	metrics       *metrics.Recorder
	logger        *slog.Logger
	now           func() time.Time
}

func New(cfg config.CacheConfig, defaultOrigin string, st store.Store, fetcher origin.Fetcher, revalidator *Revalidator, resolver *flags.Resolver, recorder *metrics.Recorder, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:           cfg,
		defaultOrigin: strings.TrimSuffix(strings.TrimSpace(defaultOrigin), "/"),
		store:         st,
		fetcher:       fetcher,
		revalidator:   revalidator,
		flags:         resolver,
		metrics:       recorder,
		logger:        logger.With(slog.String("agent", "freshness")),
		now:           time.Now,
	}
}

func (a *Agent) Name() string { return "freshness" }

func (a *Agent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if state.Halted {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}

	method := state.Request.Method
	target := a.originTarget(r, state)
	fwd := forwardHeaders(r)

	if state.Bypass.Bypassed {
		return a.fetchWithoutCache(ctx, method, target, fwd, state, "bypass")
	}
	if (method != http.MethodGet && method != http.MethodHead) || state.CacheKey.Key == "" {
		return a.fetchWithoutCache(ctx, method, target, fwd, state, "uncacheable")
	}

	now := a.now()
	cached := a.lookup(ctx, state.CacheKey.Key)
	if cached != nil {
		switch Classify(cached.Date, cached.MaxAgeSeconds, a.cfg.StaleWindowSeconds, now) {
		case Fresh:
			a.serveEntry(state, cached, pipeline.CacheStatusHit, Fresh)
			return pipeline.Result{Name: a.Name(), Status: "hit"}
		case Stale:
			if a.flags.Enabled(ctx, flags.SWREnabled, true) {
				state.Cache.Revalidating = true
				a.revalidator.Schedule(Refresh{
					Key:     state.CacheKey.Key,
					Method:  method,
					Target:  target,
					Path:    state.EffectivePath(),
					Headers: fwd,
					Cached:  cached,
				})
				a.serveEntry(state, cached, pipeline.CacheStatusStale, Stale)
				return pipeline.Result{Name: a.Name(), Status: "stale", Details: "revalidation scheduled"}
			}
			// SWR disabled: a stale entry is refetched synchronously.
		}
	}

	return a.fetchAndStore(ctx, method, target, fwd, state, cached)
}

// lookup reads and decodes the cached envelope. Store trouble and corrupt
// entries both degrade to the miss path.
func (a *Agent) lookup(ctx context.Context, key string) *Entry {
	start := a.now()
	raw, found, err := a.store.Get(ctx, key)
	elapsed := a.now().Sub(start)
	if err != nil {
		a.metrics.ObserveCacheLookup(metrics.CacheLookupError, elapsed)
		a.logger.Warn("cache lookup failed", slog.Any("error", err))
		return nil
	}
	if !found {
		a.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, elapsed)
		return nil
	}
	entry, err := DecodeEntry(raw)
	if err != nil {
		a.metrics.ObserveCacheLookup(metrics.CacheLookupError, elapsed)
		a.logger.Warn("corrupt cache entry", slog.String("key", key), slog.Any("error", err))
		return nil
	}
	a.metrics.ObserveCacheLookup(metrics.CacheLookupHit, elapsed)
	return entry
}

// fetchAndStore runs the miss path: synchronous origin fetch, store on
// success. A previously expired entry is kept around as the fallback when
// the origin errors.
func (a *Agent) fetchAndStore(ctx context.Context, method, target string, fwd http.Header, state *pipeline.State, expired *Entry) pipeline.Result {
	resp, err := a.fetcher.Fetch(ctx, method, target, fwd)
	state.Upstream.Fetched = true
	state.Upstream.URL = target
	if err != nil {
		state.Upstream.Error = err.Error()
		if expired != nil {
			a.logger.Warn("origin fetch failed, serving stale entry",
				slog.String("target", target), slog.Any("error", err))
			a.serveEntry(state, expired, pipeline.CacheStatusStale, Stale)
			return pipeline.Result{Name: a.Name(), Status: "stale", Details: "origin error"}
		}
		a.logger.Error("origin fetch failed", slog.String("target", target), slog.Any("error", err))
		state.Cache.Status = pipeline.CacheStatusMiss
		state.Response.Status = http.StatusBadGateway
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "origin unreachable"}
	}
	state.Upstream.Status = resp.Status
	state.Upstream.Headers = resp.Headers

	status := pipeline.CacheStatusMiss
	freshnessLabel := Fresh
	if expired != nil {
		status = pipeline.CacheStatusExpired
		freshnessLabel = Expired
	}

	if resp.Status != http.StatusOK {
		// Non-200 answers pass through uncached.
		a.serveOrigin(state, resp)
		state.Cache.Status = status
		state.Cache.Freshness = freshnessLabel
		return pipeline.Result{Name: a.Name(), Status: "miss", Details: "uncacheable status"}
	}

	now := a.now()
	entry := BuildEntry(state.EffectivePath(), resp, now, a.cfg.MaxAgeCapSeconds)
	a.storeEntry(ctx, state.CacheKey.Key, entry)
	state.Cache.Stored = true
	a.serveEntry(state, entry, status, freshnessLabel)
	return pipeline.Result{Name: a.Name(), Status: "miss", Meta: map[string]any{"ttl": entry.MaxAgeSeconds}}
}

func (a *Agent) storeEntry(ctx context.Context, key string, entry *Entry) {
	encoded, err := entry.Encode()
	if err != nil {
		a.metrics.ObserveCacheStore(metrics.CacheStoreError, 0)
		a.logger.Warn("cache encode failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	start := a.now()
	err = a.store.Put(ctx, key, encoded, entry.StorageTTL(a.cfg.StaleWindowSeconds, start))
	elapsed := a.now().Sub(start)
	if err != nil {
		a.metrics.ObserveCacheStore(metrics.CacheStoreError, elapsed)
		a.logger.Warn("cache store failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	a.metrics.ObserveCacheStore(metrics.CacheStoreStored, elapsed)
}

// fetchWithoutCache serves bypass and uncacheable requests: origin fetch
// with no cache read or write.
func (a *Agent) fetchWithoutCache(ctx context.Context, method, target string, fwd http.Header, state *pipeline.State, detail string) pipeline.Result {
	resp, err := a.fetcher.Fetch(ctx, method, target, fwd)
	state.Upstream.Fetched = true
	state.Upstream.URL = target
	state.Cache.Status = pipeline.CacheStatusBypass
	if err != nil {
		state.Upstream.Error = err.Error()
		a.logger.Error("origin fetch failed", slog.String("target", target), slog.Any("error", err))
		state.Response.Status = http.StatusBadGateway
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "origin unreachable"}
	}
	state.Upstream.Status = resp.Status
	state.Upstream.Headers = resp.Headers
	a.serveOrigin(state, resp)
	return pipeline.Result{Name: a.Name(), Status: "bypass", Details: detail}
}

// serveEntry composes the client response from a cached (or just stored)
// envelope, including the synthesized caching headers.
func (a *Agent) serveEntry(state *pipeline.State, entry *Entry, status, freshnessLabel string) {
	copyResponseHeaders(state.Response.Headers, entry.Headers)
	state.Response.Headers.Set("Cache-Control",
		CacheControlValue(entry.MaxAgeSeconds, a.cfg.StaleWindowSeconds, entry.Immutable))
	state.Response.Headers.Set("ETag", entry.ETag)
	state.Response.Headers.Set("Last-Modified", entry.LastModified.UTC().Format(http.TimeFormat))
	if entry.VaryOrigin {
		state.Response.Headers.Add("Vary", "Origin")
	}
	state.Response.Status = entry.Status
	state.Response.Body = entry.Body

	state.Cache.Status = status
	state.Cache.Freshness = freshnessLabel
	state.Cache.Hit = status == pipeline.CacheStatusHit || status == pipeline.CacheStatusStale
	state.Cache.StoredAt = entry.Date
	state.Cache.ExpiresAt = entry.ExpiresAt()
	state.Cache.StaleUntil = entry.StaleUntil(a.cfg.StaleWindowSeconds)
	state.Cache.TTLSeconds = entry.MaxAgeSeconds
}

func (a *Agent) serveOrigin(state *pipeline.State, resp *origin.Response) {
	copyResponseHeaders(state.Response.Headers, resp.Headers)
	state.Response.Status = resp.Status
	state.Response.Body = resp.Body
}

// originTarget recomputes the absolute origin URL: A/B origin override wins
// over the region origin, which wins over the default; subdomain routing
// rewrites the host; the effective path carries any rewrite or region
// content swap.
func (a *Agent) originTarget(r *http.Request, state *pipeline.State) string {
	base := state.OriginBase()
	if base == "" {
		base = a.defaultOrigin
	}
	if state.AB.Subdomain != "" {
		if parsed, err := url.Parse(base); err == nil && parsed.Host != "" {
			parsed.Host = abtest.SwapSubdomain(parsed.Host, state.AB.Subdomain)
			base = strings.TrimSuffix(parsed.String(), "/")
		}
	}

	target := base + state.EffectivePath()
	query := r.URL.RawQuery
	if state.AB.AppendParam != "" {
		if query == "" {
			query = state.AB.AppendParam
		} else {
			query += "&" + state.AB.AppendParam
		}
	}
	if query != "" {
		target += "?" + query
	}
	return target
}

// forwardHeaders clones the inbound headers for the origin request, minus
// the conditional validators (the edge validates against its own ETag) and
// hop-by-hop fields.
func forwardHeaders(r *http.Request) http.Header {
	fwd := r.Header.Clone()
	for _, name := range []string{
		"If-None-Match", "If-Modified-Since",
		"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade",
	} {
		fwd.Del(name)
	}
	return fwd
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		switch name {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Content-Length":
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
