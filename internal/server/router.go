package server

import (
	"net/http"
)

// PipelineHTTP is the minimal surface the lifecycle router needs from the
// runtime pipeline to serve HTTP requests.
type PipelineHTTP interface {
	ServeRequest(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeStatus(http.ResponseWriter, *http.Request)
}

// NewPipelineHandler wires URL dispatch to the runtime pipeline. The
// operational endpoints are reserved; everything else is edge traffic.
func NewPipelineHandler(p PipelineHTTP, metricsHandler http.Handler) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", p.ServeHealth)
	mux.HandleFunc("/health", p.ServeHealth)
	mux.HandleFunc("/statusz", p.ServeStatus)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("/", p.ServeRequest)
	return mux
}
