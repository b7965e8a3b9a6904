package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/edgectrl/internal/config"
	"github.com/l0p7/edgectrl/internal/expr"
	"github.com/l0p7/edgectrl/internal/flags"
	"github.com/l0p7/edgectrl/internal/metrics"
	"github.com/l0p7/edgectrl/internal/origin"
	"github.com/l0p7/edgectrl/internal/pathmatch"
	"github.com/l0p7/edgectrl/internal/runtime/abtest"
	"github.com/l0p7/edgectrl/internal/runtime/assembler"
	"github.com/l0p7/edgectrl/internal/runtime/bypass"
	"github.com/l0p7/edgectrl/internal/runtime/cachekey"
	"github.com/l0p7/edgectrl/internal/runtime/freshness"
	"github.com/l0p7/edgectrl/internal/runtime/georouting"
	"github.com/l0p7/edgectrl/internal/runtime/intake"
	"github.com/l0p7/edgectrl/internal/runtime/pipeline"
	"github.com/l0p7/edgectrl/internal/runtime/ratelimit"
	"github.com/l0p7/edgectrl/internal/stats"
	"github.com/l0p7/edgectrl/internal/store"
	"github.com/l0p7/edgectrl/internal/templates"
)

// PipelineOptions wires the collaborators the request pipeline depends on.
type PipelineOptions struct {
	Config  config.Config
	Store   store.Store
	Fetcher origin.Fetcher
	Flags   *flags.Resolver
	Metrics *metrics.Recorder
	Stats   *stats.Aggregator
	Bodies  *templates.Bodies
}

// Pipeline executes the agent sequence for every inbound request and owns
// the reloadable definition snapshot.
type Pipeline struct {
	logger            *slog.Logger
	server            config.ServerConfig
	store             store.Store
	fetcher           origin.Fetcher
	flags             *flags.Resolver
	metrics           *metrics.Recorder
	stats             *stats.Aggregator
	bodies            *templates.Bodies
	matcher           *pathmatch.Matcher
	env               *expr.Environment
	revalidator       *freshness.Revalidator
	correlationHeader string

	mu      sync.RWMutex
	agents  []pipeline.Agent
	sources []string
	skipped []config.DefinitionSkip
}

func NewPipeline(logger *slog.Logger, opts PipelineOptions) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemory(time.Duration(opts.Config.Server.Store.DefaultTTLSeconds) * time.Second)
	}
	aggregator := opts.Stats
	if aggregator == nil {
		aggregator = stats.NewAggregator(0)
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		// Predicates degrade to disabled; everything else keeps working.
		logger.Warn("expression environment unavailable", slog.Any("error", err))
		env = nil
	}

	serverCfg := opts.Config.Server
	p := &Pipeline{
		logger:            logger.With(slog.String("agent", "pipeline")),
		server:            serverCfg,
		store:             st,
		fetcher:           opts.Fetcher,
		flags:             opts.Flags,
		metrics:           opts.Metrics,
		stats:             aggregator,
		bodies:            opts.Bodies,
		matcher:           pathmatch.New(logger),
		env:               env,
		correlationHeader: strings.TrimSpace(serverCfg.Logging.CorrelationHeader),
	}
	p.revalidator = freshness.NewRevalidator(
		st, opts.Fetcher,
		serverCfg.Cache.StaleWindowSeconds, serverCfg.Cache.MaxAgeCapSeconds,
		opts.Metrics, logger,
	)

	p.configureAgents(opts.Config.Tests, opts.Config.Mappings)
	p.sources = cloneStringSlice(opts.Config.DefinitionSources)
	p.skipped = cloneDefinitionSkips(opts.Config.SkippedDefinitions)
	return p
}

// configureAgents rebuilds the agent chain against a definition snapshot.
// Order is fixed: identity first, routing resolution before the cache key,
// the limiter before any origin work, the assembler always last.
func (p *Pipeline) configureAgents(tests map[string]config.TestDefinition, mappings map[string]config.RegionContentMapping) {
	cfg := p.server
	agents := []pipeline.Agent{
		intake.New(intake.Config{CountryHeader: cfg.Geo.CountryHeader}),
		abtest.New(tests, cfg.ABTest, p.matcher, p.flags, p.metrics, p.logger),
		georouting.New(cfg.Geo, cfg.Origin.DefaultBaseURL, mappings, p.matcher, p.flags, p.logger),
		cachekey.New(),
		bypass.New(cfg.Bypass, p.env, p.metrics, p.logger),
		ratelimit.New(cfg.RateLimit, p.store, p.matcher, p.env, p.bodies, p.flags, p.metrics, p.logger),
		freshness.New(cfg.Cache, cfg.Origin.DefaultBaseURL, p.store, p.fetcher, p.revalidator, p.flags, p.metrics, p.logger),
		assembler.New(p.bodies, p.stats, p.logger),
	}
	p.agents = p.instrumentAgents(agents)
}

// Reload swaps in a fresh definition bundle; in-flight requests finish on
// the previous snapshot. Flag caches are dropped so toggles take effect with
// the new definitions.
func (p *Pipeline) Reload(_ context.Context, bundle config.DefinitionBundle) {
	p.mu.Lock()
	p.configureAgents(bundle.Tests, bundle.Mappings)
	p.sources = cloneStringSlice(bundle.Sources)
	p.skipped = cloneDefinitionSkips(bundle.Skipped)
	p.mu.Unlock()

	p.flags.Invalidate()
	p.logger.Info("definitions reloaded",
		slog.String("event", "definitions_reload"),
		slog.Int("tests", len(bundle.Tests)),
		slog.Int("mappings", len(bundle.Mappings)),
	)
}

// Close drains background revalidations and releases the store.
func (p *Pipeline) Close(ctx context.Context) error {
	p.revalidator.Wait()
	if p.store == nil {
		return nil
	}
	return p.store.Close(ctx)
}

// ServeRequest runs the agent chain and writes the assembled response.
func (p *Pipeline) ServeRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := p.requestCorrelationID(r)
	state := pipeline.NewState(r, correlationID)

	reqLogger := p.logger.With(slog.String("correlation_id", correlationID))

	p.mu.RLock()
	agents := p.agents
	p.mu.RUnlock()

	for _, ag := range agents {
		// Agents publish their observable state via the shared pipeline.State.
		_ = ag.Execute(r.Context(), r, state)
	}

	if p.correlationHeader != "" {
		state.Response.Headers.Set(p.correlationHeader, correlationID)
	}
	for name, values := range state.Response.Headers {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(state.Response.Status)
	if !state.Response.NotModified && r.Method != http.MethodHead && len(state.Response.Body) > 0 {
		if _, err := w.Write(state.Response.Body); err != nil {
			reqLogger.Error("response write failed", slog.Any("error", err))
			return
		}
	}

	duration := time.Since(start)
	reqLogger.Info("request completed",
		slog.String("method", state.Request.Method),
		slog.String("path", state.Request.Path),
		slog.Int("http_status", state.Response.Status),
		slog.String("cache_status", state.Cache.Status),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
	p.metrics.ObserveRequest(state.Cache.Status, state.Response.Status, duration)
}

// ServeHealth reports liveness plus definition provenance.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, r *http.Request) {
	cacheEntries, err := p.store.Size(r.Context())
	if err != nil {
		p.logger.Error("store size query failed", slog.Any("error", err))
		cacheEntries = 0
	}
	status, sources, skipped := p.healthSnapshot()
	payload := map[string]any{
		"status":       status,
		"cacheEntries": cacheEntries,
		"observedAt":   time.Now().UTC(),
	}
	if len(sources) > 0 {
		payload["definitionSources"] = sources
	}
	if len(skipped) > 0 {
		payload["skippedDefinitions"] = skipped
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("health encode failed", slog.Any("error", err))
	}
}

// ServeStatus exposes the stats aggregator snapshot alongside definition
// provenance for operators.
func (p *Pipeline) ServeStatus(w http.ResponseWriter, r *http.Request) {
	cacheEntries, err := p.store.Size(r.Context())
	if err != nil {
		p.logger.Error("store size query failed", slog.Any("error", err))
		cacheEntries = 0
	}
	status, sources, skipped := p.healthSnapshot()
	payload := struct {
		Status             string                  `json:"status"`
		ObservedAt         time.Time               `json:"observedAt"`
		CacheEntries       int64                   `json:"cacheEntries"`
		Stats              stats.Snapshot          `json:"stats"`
		DefinitionSources  []string                `json:"definitionSources,omitempty"`
		SkippedDefinitions []config.DefinitionSkip `json:"skippedDefinitions,omitempty"`
	}{
		Status:       status,
		ObservedAt:   time.Now().UTC(),
		CacheEntries: cacheEntries,
		Stats:        p.stats.Snapshot(),
	}
	payload.DefinitionSources = sources
	payload.SkippedDefinitions = skipped
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("status encode failed", slog.Any("error", err))
	}
}

// WriteError emits the JSON error payload used by the router for requests
// that never reach the pipeline.
func (p *Pipeline) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		p.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

func (p *Pipeline) healthSnapshot() (string, []string, []config.DefinitionSkip) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := "ok"
	if len(p.skipped) > 0 {
		status = "degraded"
	}
	return status, cloneStringSlice(p.sources), cloneDefinitionSkips(p.skipped)
}

func (p *Pipeline) requestCorrelationID(r *http.Request) string {
	if r != nil && p.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(p.correlationHeader)); candidate != "" {
			return candidate
		}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

func cloneStringSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneDefinitionSkips(in []config.DefinitionSkip) []config.DefinitionSkip {
	if len(in) == 0 {
		return nil
	}
	out := make([]config.DefinitionSkip, len(in))
	for i, skip := range in {
		cloned := config.DefinitionSkip{
			Kind:   skip.Kind,
			Name:   skip.Name,
			Reason: skip.Reason,
		}
		if len(skip.Sources) > 0 {
			cloned.Sources = make([]string, len(skip.Sources))
			copy(cloned.Sources, skip.Sources)
		}
		out[i] = cloned
	}
	return out
}
