package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/edgectrl/internal/config"
	"github.com/l0p7/edgectrl/internal/expr"
	"github.com/l0p7/edgectrl/internal/flags"
	"github.com/l0p7/edgectrl/internal/metrics"
	"github.com/l0p7/edgectrl/internal/pathmatch"
	"github.com/l0p7/edgectrl/internal/runtime/pipeline"
	"github.com/l0p7/edgectrl/internal/store"
	"github.com/l0p7/edgectrl/internal/templates"
)

// keyPrefix namespaces limiter windows inside the shared store.
const keyPrefix = "rl:"

// window is the per-client fixed-window record. ResetAt is unix
// milliseconds.
type window struct {
	Count   int   `json:"count"`
	ResetAt int64 `json:"resetAt"`
}

// Agent enforces a per-client fixed-window limit backed by the shared store.
// The read-modify-write is deliberately not atomic: concurrent bursts may
// overshoot by a small margin, and store failures fail open.
type Agent struct {
	cfg     config.RateLimitConfig
	store   store.Store
	matcher *pathmatch.Matcher
	exempt  *expr.Program
	bodies  *templates.Bodies
	flags   *flags.Resolver
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg config.RateLimitConfig, st store.Store, matcher *pathmatch.Matcher, env *expr.Environment, bodies *templates.Bodies, resolver *flags.Resolver, recorder *metrics.Recorder, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(slog.String("agent", "ratelimit"))

	a := &Agent{
		cfg:     cfg,
		store:   st,
		matcher: matcher,
		bodies:  bodies,
		flags:   resolver,
		metrics: recorder,
		logger:  log,
		now:     time.Now,
	}
	if strings.TrimSpace(cfg.ExemptExpression) != "" && env != nil {
		program, err := env.Compile(cfg.ExemptExpression)
		if err != nil {
			log.Warn("invalid rate-limit exemption expression", slog.Any("error", err))
		} else {
			a.exempt = &program
		}
	}
	return a
}

func (a *Agent) Name() string { return "ratelimit" }

func (a *Agent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if state.Halted {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}
	if !a.flags.Enabled(ctx, flags.RateLimitingEnabled, a.cfg.Enabled) {
		return pipeline.Result{Name: a.Name(), Status: "disabled"}
	}

	state.RateLimit.Checked = true
	state.RateLimit.Limit = a.cfg.MaxRequests

	if a.isExempt(ctx, r, state) {
		state.RateLimit.Exempt = true
		a.metrics.ObserveRateLimit("exempt")
		return pipeline.Result{Name: a.Name(), Status: "exempt"}
	}

	if a.isDenied(state.Request.Path) {
		a.deny(state, a.cfg.WindowSeconds)
		a.metrics.ObserveRateLimit("limited")
		return pipeline.Result{Name: a.Name(), Status: "limited", Details: "deny-listed path"}
	}

	win, err := a.increment(ctx, keyPrefix+state.Identity.ClientIP)
	if err != nil {
		// Store trouble fails open; blocking traffic on backend outages
		// would be worse than overshooting a window.
		a.logger.Warn("rate-limit store unavailable, failing open", slog.Any("error", err))
		a.metrics.ObserveRateLimit("allowed")
		return pipeline.Result{Name: a.Name(), Status: "fail-open"}
	}

	remaining := a.cfg.MaxRequests - win.Count
	if remaining < 0 {
		remaining = 0
	}
	state.RateLimit.Remaining = remaining
	state.RateLimit.ResetAt = time.UnixMilli(win.ResetAt)

	if win.Count > a.cfg.MaxRequests {
		retryAfter := int((win.ResetAt - a.now().UnixMilli() + 999) / 1000)
		if retryAfter < 1 {
			retryAfter = 1
		}
		a.deny(state, retryAfter)
		a.metrics.ObserveRateLimit("limited")
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "limited",
			Details: "window capacity exceeded",
			Meta:    map[string]any{"count": win.Count, "retryAfter": retryAfter},
		}
	}

	a.metrics.ObserveRateLimit("allowed")
	return pipeline.Result{
		Name:   a.Name(),
		Status: "allowed",
		Meta:   map[string]any{"count": win.Count, "remaining": remaining},
	}
}

func (a *Agent) isExempt(ctx context.Context, r *http.Request, state *pipeline.State) bool {
	if len(a.cfg.AllowPaths) > 0 {
		rules := pathmatch.RuleSet{Include: a.cfg.AllowPaths}
		if a.matcher.MatchesRuleSet(state.Request.Path, rules) {
			return true
		}
	}
	if a.exempt != nil {
		vars := expr.RequestActivation(r, state.Identity.ClientIP, state.Identity.Country, state.Identity.Device)
		matched, err := a.exempt.EvalBool(vars)
		if err != nil {
			a.logger.Warn("rate-limit exemption predicate failed", slog.Any("error", err))
			return false
		}
		return matched
	}
	return false
}

func (a *Agent) isDenied(path string) bool {
	if len(a.cfg.DenyPaths) == 0 {
		return false
	}
	rules := pathmatch.RuleSet{Include: a.cfg.DenyPaths}
	return a.matcher.MatchesRuleSet(path, rules)
}

// increment performs the read-modify-write against the shared store. A
// corrupt or missing record starts a fresh window.
func (a *Agent) increment(ctx context.Context, key string) (window, error) {
	nowMs := a.now().UnixMilli()

	var win window
	raw, found, err := a.store.Get(ctx, key)
	if err != nil {
		return window{}, err
	}
	if found {
		if err := json.Unmarshal(raw, &win); err != nil {
			a.logger.Warn("corrupt rate-limit window, resetting", slog.String("key", key))
			found = false
		}
	}
	if !found || nowMs >= win.ResetAt {
		win = window{Count: 1, ResetAt: nowMs + int64(a.cfg.WindowSeconds)*1000}
	} else {
		win.Count++
	}

	encoded, err := json.Marshal(win)
	if err != nil {
		return window{}, err
	}
	ttl := time.Duration(win.ResetAt-nowMs) * time.Millisecond
	if ttl <= 0 {
		ttl = time.Duration(a.cfg.WindowSeconds) * time.Second
	}
	if err := a.store.Put(ctx, key, encoded, ttl); err != nil {
		return window{}, err
	}
	return win, nil
}

// deny composes the 429 response and halts the pipeline short of the
// assembler.
func (a *Agent) deny(state *pipeline.State, retryAfter int) {
	state.RateLimit.Limited = true
	state.RateLimit.RetryAfter = retryAfter
	state.RateLimit.Remaining = 0

	headers := state.Response.Headers
	headers.Set("Retry-After", strconv.Itoa(retryAfter))

	// The content type follows the body actually sent: the rendered
	// template is JSON, the built-in fallback is plain text.
	body := "rate limit exceeded"
	contentType := "text/plain; charset=utf-8"
	if a.bodies != nil {
		body = a.bodies.RenderRateLimited(templates.RateLimitedBodyData{
			RetryAfter: retryAfter,
			Limit:      a.cfg.MaxRequests,
			Path:       state.Request.Path,
		})
		contentType = "application/json"
	}
	headers.Set("Content-Type", contentType)
	state.Response.Status = http.StatusTooManyRequests
	state.Response.Body = []byte(body)
	state.Halted = true
}
