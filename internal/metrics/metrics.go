package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the shared-store method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records cache entry lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records cache entry store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup reused a cached entry.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no cached entry was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the cache entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// RevalidationOutcome captures how a background refresh finished.
type RevalidationOutcome string

const (
	// RevalidationRefreshed indicates the origin returned a fresh body.
	RevalidationRefreshed RevalidationOutcome = "refreshed"
	// RevalidationUnchanged indicates the origin confirmed the cached body.
	RevalidationUnchanged RevalidationOutcome = "unchanged"
	// RevalidationError indicates the refresh attempt failed.
	RevalidationError RevalidationOutcome = "error"
	// RevalidationCoalesced indicates another refresh was already in flight.
	RevalidationCoalesced RevalidationOutcome = "coalesced"
)

// Recorder publishes Prometheus metrics for pipeline activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	edgeRequests *prometheus.CounterVec
	edgeLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	bypasses       *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	revalidations  *prometheus.CounterVec
	variantAssigns *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	edgeRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgectrl",
		Subsystem: "edge",
		Name:      "requests_total",
		Help:      "Total edge requests processed by the pipeline.",
	}, []string{"cache_status", "status_code"})

	edgeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edgectrl",
		Subsystem: "edge",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed edge requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"cache_status"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgectrl",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Shared-store cache operations executed by the pipeline.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edgectrl",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for shared-store cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	bypasses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgectrl",
		Subsystem: "cache",
		Name:      "bypasses_total",
		Help:      "Requests that skipped the cache, by bypass category.",
	}, []string{"category"})

	rateLimited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgectrl",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter decisions by outcome.",
	}, []string{"outcome"})

	revalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgectrl",
		Subsystem: "cache",
		Name:      "revalidations_total",
		Help:      "Background stale-while-revalidate refreshes by outcome.",
	}, []string{"outcome"})

	variantAssigns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgectrl",
		Subsystem: "abtest",
		Name:      "assignments_total",
		Help:      "A/B test variant assignments, split by sticky cookie reuse.",
	}, []string{"test", "variant", "sticky"})

	reg.MustRegister(edgeRequests, edgeLatency, cacheOperations, cacheLatency,
		bypasses, rateLimited, revalidations, variantAssigns)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		edgeRequests:    edgeRequests,
		edgeLatency:     edgeLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		bypasses:        bypasses,
		rateLimited:     rateLimited,
		revalidations:   revalidations,
		variantAssigns:  variantAssigns,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the cache status and latency for a completed edge
// request.
func (r *Recorder) ObserveRequest(cacheStatus string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := normalizeLabel(cacheStatus)
	r.edgeRequests.WithLabelValues(cacheLabel, statusLabel).Inc()
	r.edgeLatency.WithLabelValues(cacheLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(CacheOperationStore, resultLabel, duration)
}

// ObserveBypass counts a request that skipped the cache.
func (r *Recorder) ObserveBypass(category string) {
	if r == nil {
		return
	}
	r.bypasses.WithLabelValues(normalizeLabel(category)).Inc()
}

// ObserveRateLimit counts a limiter decision ("allowed", "limited" or
// "exempt").
func (r *Recorder) ObserveRateLimit(outcome string) {
	if r == nil {
		return
	}
	r.rateLimited.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveRevalidation counts a background refresh outcome.
func (r *Recorder) ObserveRevalidation(outcome RevalidationOutcome) {
	if r == nil {
		return
	}
	label := string(outcome)
	if label == "" {
		label = string(RevalidationError)
	}
	r.revalidations.WithLabelValues(label).Inc()
}

// ObserveVariantAssignment counts an A/B test assignment.
func (r *Recorder) ObserveVariantAssignment(test, variant string, sticky bool) {
	if r == nil {
		return
	}
	stickyLabel := "false"
	if sticky {
		stickyLabel = "true"
	}
	r.variantAssigns.WithLabelValues(normalizeLabel(test), normalizeLabel(variant), stickyLabel).Inc()
}

func (r *Recorder) observeCache(operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
