package freshness

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/l0p7/edgectrl/internal/metrics"
	"github.com/l0p7/edgectrl/internal/origin"
	"github.com/l0p7/edgectrl/internal/store"
)

const revalidateTimeout = 30 * time.Second

// Revalidator refreshes stale cache entries in the background. Errors are
// logged and swallowed; the previously stored entry stays in place. Refreshes
// are deduplicated per cache key within the process so a burst of stale reads
// schedules exactly one fetch.
type Revalidator struct {
	store   store.Store
	fetcher origin.Fetcher
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time

	maxAgeCapSeconds   int
	staleWindowSeconds int

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// Refresh describes one scheduled revalidation.
type Refresh struct {
	Key     string
	Method  string
	Target  string
	Path    string
	Headers http.Header
	Cached  *Entry
}

func NewRevalidator(st store.Store, fetcher origin.Fetcher, staleWindowSeconds, maxAgeCapSeconds int, recorder *metrics.Recorder, logger *slog.Logger) *Revalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Revalidator{
		store:              st,
		fetcher:            fetcher,
		metrics:            recorder,
		logger:             logger.With(slog.String("agent", "revalidator")),
		now:                time.Now,
		maxAgeCapSeconds:   maxAgeCapSeconds,
		staleWindowSeconds: staleWindowSeconds,
		inflight:           make(map[string]struct{}),
	}
}

// Schedule fires a background refresh for the key unless one is already in
// flight. It never blocks the calling request.
func (r *Revalidator) Schedule(refresh Refresh) bool {
	if r == nil || r.fetcher == nil {
		return false
	}
	r.mu.Lock()
	if _, busy := r.inflight[refresh.Key]; busy {
		r.mu.Unlock()
		r.metrics.ObserveRevalidation(metrics.RevalidationCoalesced)
		return false
	}
	r.inflight[refresh.Key] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, refresh.Key)
			r.mu.Unlock()
		}()
		r.run(refresh)
	}()
	return true
}

// Wait blocks until all in-flight refreshes finish. Shutdown only.
func (r *Revalidator) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

func (r *Revalidator) run(refresh Refresh) {
	ctx, cancel := context.WithTimeout(context.Background(), revalidateTimeout)
	defer cancel()

	headers := refresh.Headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	if refresh.Cached != nil && refresh.Cached.ETag != "" {
		headers.Set("If-None-Match", refresh.Cached.ETag)
	}

	resp, err := r.fetcher.Fetch(ctx, refresh.Method, refresh.Target, headers)
	if err != nil {
		r.logger.Warn("revalidation fetch failed",
			slog.String("key", refresh.Key),
			slog.Any("error", err))
		r.metrics.ObserveRevalidation(metrics.RevalidationError)
		return
	}

	now := r.now()
	var entry *Entry
	outcome := metrics.RevalidationRefreshed
	switch {
	case resp.Status == http.StatusNotModified && refresh.Cached != nil:
		// Origin confirmed the cached body; only the clock restarts. The
		// scheduling request may still be reading the shared entry, so the
		// stored copy gets the new date, never the original.
		refreshed := *refresh.Cached
		refreshed.Date = now
		entry = &refreshed
		outcome = metrics.RevalidationUnchanged
	case resp.Status == http.StatusOK:
		entry = BuildEntry(refresh.Path, resp, now, r.maxAgeCapSeconds)
	default:
		// A failed refresh never replaces a servable entry.
		r.logger.Warn("revalidation returned non-cacheable status",
			slog.String("key", refresh.Key),
			slog.Int("status", resp.Status))
		r.metrics.ObserveRevalidation(metrics.RevalidationError)
		return
	}

	encoded, err := entry.Encode()
	if err != nil {
		r.logger.Warn("revalidation encode failed",
			slog.String("key", refresh.Key),
			slog.Any("error", err))
		r.metrics.ObserveRevalidation(metrics.RevalidationError)
		return
	}
	ttl := entry.StorageTTL(r.staleWindowSeconds, now)
	if err := r.store.Put(ctx, refresh.Key, encoded, ttl); err != nil {
		r.logger.Warn("revalidation store failed",
			slog.String("key", refresh.Key),
			slog.Any("error", err))
		r.metrics.ObserveRevalidation(metrics.RevalidationError)
		return
	}

	r.logger.Debug("revalidated cache entry",
		slog.String("key", refresh.Key),
		slog.String("outcome", string(outcome)))
	r.metrics.ObserveRevalidation(outcome)
}
