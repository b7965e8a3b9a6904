package flags

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Flag names understood by the pipeline. Unknown flags resolve to their
// caller-supplied default.
const (
	GeoRoutingEnabled   = "geo_routing_enabled"
	ABTestingEnabled    = "ab_testing_enabled"
	RateLimitingEnabled = "rate_limiting_enabled"
	SWREnabled          = "swr_enabled"
)

// cacheTTL bounds how stale a cached flag value may be before the provider is
// consulted again.
const cacheTTL = 5 * time.Minute

// Provider resolves a feature flag by name. The second return reports whether
// the provider knows the flag at all.
type Provider interface {
	Lookup(ctx context.Context, name string) (bool, bool, error)
}

// StaticProvider serves flags from a fixed map, typically the config file's
// overrides block.
type StaticProvider struct {
	values map[string]bool
}

// NewStaticProvider copies the supplied overrides so later config mutations
// cannot leak into resolved flags.
func NewStaticProvider(values map[string]bool) *StaticProvider {
	copied := make(map[string]bool, len(values))
	for name, value := range values {
		copied[name] = value
	}
	return &StaticProvider{values: copied}
}

// Lookup implements Provider.
func (p *StaticProvider) Lookup(_ context.Context, name string) (bool, bool, error) {
	value, ok := p.values[name]
	return value, ok, nil
}

type cachedFlag struct {
	value     bool
	known     bool
	fetchedAt time.Time
}

// Resolver answers flag queries through a per-flag read-through cache so a
// slow or failing provider cannot stall the request path more than once per
// TTL window.
type Resolver struct {
	provider Provider
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cached map[string]cachedFlag
}

// NewResolver wraps the provider with the read-through cache.
func NewResolver(provider Provider, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		provider: provider,
		logger:   logger.With(slog.String("component", "flags")),
		now:      time.Now,
		cached:   make(map[string]cachedFlag),
	}
}

// Enabled resolves the named flag, falling back to def when the provider does
// not know the flag or returns an error. Provider errors are logged and the
// previous cached value, if any, keeps serving until its TTL lapses.
func (r *Resolver) Enabled(ctx context.Context, name string, def bool) bool {
	if r == nil {
		return def
	}
	r.mu.Lock()
	entry, ok := r.cached[name]
	if ok && r.now().Sub(entry.fetchedAt) < cacheTTL {
		r.mu.Unlock()
		if !entry.known {
			return def
		}
		return entry.value
	}
	r.mu.Unlock()

	value, known, err := r.provider.Lookup(ctx, name)
	if err != nil {
		r.logger.Warn("flag lookup failed", slog.String("flag", name), slog.Any("error", err))
		if ok && entry.known {
			return entry.value
		}
		return def
	}

	r.mu.Lock()
	r.cached[name] = cachedFlag{value: value, known: known, fetchedAt: r.now()}
	r.mu.Unlock()

	if !known {
		return def
	}
	return value
}

// Invalidate drops every cached value, forcing the next query back to the
// provider. Config reloads call this.
func (r *Resolver) Invalidate() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.cached = make(map[string]cachedFlag)
	r.mu.Unlock()
}
