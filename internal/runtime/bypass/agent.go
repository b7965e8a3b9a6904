package bypass

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/l0p7/edgectrl/internal/config"
	"github.com/l0p7/edgectrl/internal/expr"
	"github.com/l0p7/edgectrl/internal/metrics"
	"github.com/l0p7/edgectrl/internal/runtime/pipeline"
)

// Bypass categories in their fixed evaluation order.
const (
	CategoryCookie        = "cookie"
	CategoryUserAgent     = "user-agent"
	CategoryCacheControl  = "cache-control"
	CategoryAuthorization = "authorization"
	CategoryCustom        = "custom"
)

// Agent decides whether the request skips the cache entirely. Categories are
// evaluated in a fixed order and the first match wins; a decision
// short-circuits both the cache read and the cache write downstream.
type Agent struct {
	cfg      config.BypassConfig
	patterns []*regexp.Regexp
	program  *expr.Program
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

func New(cfg config.BypassConfig, env *expr.Environment, recorder *metrics.Recorder, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(slog.String("agent", "bypass"))

	a := &Agent{cfg: cfg, metrics: recorder, logger: log}

	for _, pattern := range cfg.UserAgents.Patterns {
		source := pattern
		if !cfg.UserAgents.CaseSensitive && !strings.HasPrefix(source, "(?i)") {
			source = "(?i)" + source
		}
		compiled, err := regexp.Compile(source)
		if err != nil {
			// Broken patterns fall back to no-match rather than failing
			// the request path.
			log.Warn("invalid user-agent pattern", slog.String("pattern", pattern), slog.Any("error", err))
			continue
		}
		a.patterns = append(a.patterns, compiled)
	}

	if cfg.Custom.Enabled && strings.TrimSpace(cfg.Custom.Expression) != "" && env != nil {
		program, err := env.Compile(cfg.Custom.Expression)
		if err != nil {
			log.Warn("invalid custom bypass expression", slog.Any("error", err))
		} else {
			a.program = &program
		}
	}

	return a
}

func (a *Agent) Name() string { return "bypass" }

func (a *Agent) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if state.Halted {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}

	category, detail := a.evaluate(r, state)
	if category == "" {
		return pipeline.Result{Name: a.Name(), Status: "cacheable"}
	}

	state.Bypass.Bypassed = true
	state.Bypass.Category = category
	state.Bypass.Detail = detail
	a.metrics.ObserveBypass(category)

	return pipeline.Result{
		Name:    a.Name(),
		Status:  "bypass",
		Details: detail,
		Meta:    map[string]any{"category": category},
	}
}

func (a *Agent) evaluate(r *http.Request, state *pipeline.State) (string, string) {
	if a.cfg.Cookies.Enabled {
		if name, ok := a.matchCookie(r); ok {
			return CategoryCookie, name
		}
	}
	if a.cfg.UserAgents.Enabled {
		if rule, ok := a.matchUserAgent(r.UserAgent()); ok {
			return CategoryUserAgent, rule
		}
	}
	if a.cfg.CacheControl.Enabled {
		cc := strings.ToLower(r.Header.Get("Cache-Control"))
		if strings.Contains(cc, "no-cache") {
			return CategoryCacheControl, "no-cache"
		}
		if strings.Contains(cc, "no-store") {
			return CategoryCacheControl, "no-store"
		}
	}
	if a.cfg.Authorization.Enabled {
		if scheme, ok := a.matchAuthorization(r.Header.Get("Authorization")); ok {
			return CategoryAuthorization, scheme
		}
	}
	if a.program != nil {
		vars := expr.RequestActivation(r, state.Identity.ClientIP, state.Identity.Country, state.Identity.Device)
		matched, err := a.program.EvalBool(vars)
		if err != nil {
			a.logger.Warn("custom bypass predicate failed", slog.Any("error", err))
		} else if matched {
			return CategoryCustom, a.program.Source()
		}
	}
	return "", ""
}

func (a *Agent) matchCookie(r *http.Request) (string, bool) {
	for _, cookie := range r.Cookies() {
		for _, name := range a.cfg.Cookies.Names {
			if cookie.Name == name {
				return cookie.Name, true
			}
		}
		for _, prefix := range a.cfg.Cookies.Prefixes {
			if prefix != "" && strings.HasPrefix(cookie.Name, prefix) {
				return cookie.Name, true
			}
		}
	}
	return "", false
}

func (a *Agent) matchUserAgent(userAgent string) (string, bool) {
	candidate := userAgent
	if !a.cfg.UserAgents.CaseSensitive {
		candidate = strings.ToLower(candidate)
	}
	for _, substring := range a.cfg.UserAgents.Substrings {
		needle := substring
		if !a.cfg.UserAgents.CaseSensitive {
			needle = strings.ToLower(needle)
		}
		if needle != "" && strings.Contains(candidate, needle) {
			return substring, true
		}
	}
	for _, pattern := range a.patterns {
		if pattern.MatchString(userAgent) {
			return pattern.String(), true
		}
	}
	return "", false
}

func (a *Agent) matchAuthorization(header string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", false
	}
	if len(a.cfg.Authorization.Schemes) == 0 {
		return "present", true
	}
	scheme, _, _ := strings.Cut(trimmed, " ")
	for _, allowed := range a.cfg.Authorization.Schemes {
		if strings.EqualFold(scheme, allowed) {
			return scheme, true
		}
	}
	return "", false
}
