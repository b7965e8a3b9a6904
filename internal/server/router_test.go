package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakePipeline struct {
	requests int
	health   int
	status   int
}

func (f *fakePipeline) ServeRequest(w http.ResponseWriter, _ *http.Request) {
	f.requests++
	w.WriteHeader(http.StatusOK)
}

func (f *fakePipeline) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	f.health++
	w.WriteHeader(http.StatusOK)
}

func (f *fakePipeline) ServeStatus(w http.ResponseWriter, _ *http.Request) {
	f.status++
	w.WriteHeader(http.StatusOK)
}

func TestHandlerRoutesOperationalEndpoints(t *testing.T) {
	p := &fakePipeline{}
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := NewPipelineHandler(p, metricsHandler)

	for _, path := range []string{"/healthz", "/health"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", path, rec.Code)
		}
	}
	if p.health != 2 {
		t.Fatalf("expected 2 health calls, got %d", p.health)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	if p.status != 1 {
		t.Fatalf("expected status call, got %d", p.status)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics handler response, got %d", rec.Code)
	}
	if p.requests != 0 {
		t.Fatalf("operational endpoints must not reach the pipeline")
	}
}

func TestHandlerRoutesEverythingElseToPipeline(t *testing.T) {
	p := &fakePipeline{}
	handler := NewPipelineHandler(p, nil)

	for _, path := range []string{"/", "/products/1", "/photo.jpg?width=300"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", path, rec.Code)
		}
	}
	if p.requests != 3 {
		t.Fatalf("expected 3 pipeline calls, got %d", p.requests)
	}
}

func TestHandlerWithoutPipeline(t *testing.T) {
	handler := NewPipelineHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
