package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveRequest(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRequest("HIT", 200, 250*time.Millisecond)

	families := gather(t, rec, "edgectrl_edge_requests_total", "edgectrl_edge_request_duration_seconds")

	counter := findMetric(t, families["edgectrl_edge_requests_total"], map[string]string{
		"cache_status": "HIT",
		"status_code":  "200",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for edge requests")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["edgectrl_edge_request_duration_seconds"], map[string]string{
		"cache_status": "HIT",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for edge latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveCacheOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheLookup(CacheLookupHit, 10*time.Millisecond)
	rec.ObserveCacheStore(CacheStoreStored, 5*time.Millisecond)

	families := gather(t, rec, "edgectrl_cache_operations_total", "edgectrl_cache_operation_duration_seconds")

	lookupMetric := findMetric(t, families["edgectrl_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationLookup),
		"result":    string(CacheLookupHit),
	})
	if lookupMetric.GetCounter() == nil {
		t.Fatalf("expected counter metric for cache lookup")
	}
	if got := lookupMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected lookup counter 1, got %v", got)
	}

	storeMetric := findMetric(t, families["edgectrl_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationStore),
		"result":    string(CacheStoreStored),
	})
	if storeMetric.GetCounter() == nil {
		t.Fatalf("expected counter metric for cache store")
	}
	if got := storeMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected store counter 1, got %v", got)
	}

	latencyMetric := findMetric(t, families["edgectrl_cache_operation_duration_seconds"], map[string]string{
		"operation": string(CacheOperationStore),
		"result":    string(CacheStoreStored),
	})
	hist := latencyMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for cache store latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.005
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveDecisionCounters(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveBypass("cookie")
	rec.ObserveRateLimit("limited")
	rec.ObserveRevalidation(RevalidationRefreshed)
	rec.ObserveVariantAssignment("checkout-flow", "redesign", false)

	families := gather(t, rec,
		"edgectrl_cache_bypasses_total",
		"edgectrl_ratelimit_decisions_total",
		"edgectrl_cache_revalidations_total",
		"edgectrl_abtest_assignments_total",
	)

	bypass := findMetric(t, families["edgectrl_cache_bypasses_total"], map[string]string{"category": "cookie"})
	if got := bypass.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected bypass counter 1, got %v", got)
	}
	limited := findMetric(t, families["edgectrl_ratelimit_decisions_total"], map[string]string{"outcome": "limited"})
	if got := limited.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected ratelimit counter 1, got %v", got)
	}
	reval := findMetric(t, families["edgectrl_cache_revalidations_total"], map[string]string{"outcome": string(RevalidationRefreshed)})
	if got := reval.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected revalidation counter 1, got %v", got)
	}
	assign := findMetric(t, families["edgectrl_abtest_assignments_total"], map[string]string{
		"test":    "checkout-flow",
		"variant": "redesign",
		"sticky":  "false",
	})
	if got := assign.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected assignment counter 1, got %v", got)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
