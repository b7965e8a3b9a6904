package assembler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/l0p7/edgectrl/internal/runtime/abtest"
	"github.com/l0p7/edgectrl/internal/runtime/freshness"
	"github.com/l0p7/edgectrl/internal/runtime/pipeline"
	"github.com/l0p7/edgectrl/internal/stats"
	"github.com/l0p7/edgectrl/internal/templates"
)

// Agent finalizes the client response: diagnostic headers, the assignment
// cookie, the conditional-request check (applied last, so a 304 never
// carries a body), and a guaranteed valid response even when everything
// upstream failed. It runs unconditionally, including after a halt.
type Agent struct {
	bodies *templates.Bodies
	stats  *stats.Aggregator
	logger *slog.Logger
	now    func() time.Time
}

func New(bodies *templates.Bodies, aggregator *stats.Aggregator, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		bodies: bodies,
		stats:  aggregator,
		logger: logger.With(slog.String("agent", "assembler")),
		now:    time.Now,
	}
}

func (a *Agent) Name() string { return "assembler" }

func (a *Agent) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	a.ensureResponse(state)
	a.mergeHeaders(state)
	a.setAssignmentCookie(state)
	a.applyConditional(r, state)
	a.record(state)

	return pipeline.Result{
		Name:   a.Name(),
		Status: "built",
		Meta: map[string]any{
			"status":      state.Response.Status,
			"cacheStatus": state.Cache.Status,
		},
	}
}

// ensureResponse is the last line of defense: whatever happened upstream,
// the caller gets a well-formed answer.
func (a *Agent) ensureResponse(state *pipeline.State) {
	if state.Response.Status == 0 {
		a.logger.Error("no response composed upstream", slog.String("path", state.Request.Path))
		state.Response.Status = http.StatusInternalServerError
	}
	if state.Response.Status >= http.StatusInternalServerError && len(state.Response.Body) == 0 {
		message := http.StatusText(state.Response.Status)
		if state.Upstream.Error != "" {
			message = "origin unavailable"
		}
		body := message
		if a.bodies != nil {
			body = a.bodies.RenderError(templates.ErrorBodyData{
				Status:  state.Response.Status,
				Message: message,
				Path:    state.Request.Path,
			})
			state.Response.Headers.Set("Content-Type", "application/json")
		}
		state.Response.Body = []byte(body)
	}
}

func (a *Agent) mergeHeaders(state *pipeline.State) {
	headers := state.Response.Headers

	if state.Cache.Status != "" {
		headers.Set("X-Cache-Status", headerCacheStatus(state.Cache.Status))
	}
	if state.Cache.Freshness != "" {
		headers.Set("X-Cache-Freshness", state.Cache.Freshness)
	}
	if state.Cache.Revalidating {
		headers.Set("X-Cache-Revalidating", "true")
	}

	if state.Identity.Device != "" {
		headers.Set("X-Device-Type", state.Identity.Device)
	}
	if state.Identity.ImageFormat != "" {
		headers.Set("X-Image-Format", state.Identity.ImageFormat)
	}

	if state.AB.TestID != "" {
		headers.Set("X-AB-Test-Id", state.AB.TestID)
		if state.AB.TestName != "" {
			headers.Set("X-AB-Test-Name", state.AB.TestName)
		}
		headers.Set("X-AB-Test-Variant", state.AB.Variant)
		if state.AB.Strategy != "" {
			headers.Set("X-AB-Test-Routed", "true")
			headers.Set("X-AB-Test-Strategy", state.AB.Strategy)
		}
	}

	if state.Geo.Region != "" {
		headers.Set("X-Geo-Region", state.Geo.Region)
	}
	if state.Identity.Country != "" {
		headers.Set("X-Geo-Country", state.Identity.Country)
	}
	if state.Geo.Enabled && state.Geo.OriginBaseURL != "" {
		headers.Set("X-Geo-Origin", state.Geo.OriginBaseURL)
	}
	if state.Geo.MappingID != "" {
		headers.Set("X-Region-Content", state.Geo.MappingID)
		headers.Set("X-Region-Content-Path", state.Geo.ContentPath)
	}

	if state.Bypass.Bypassed {
		headers.Set("X-Cache-Bypass", "true")
		headers.Set("X-Cache-Bypass-Reason", state.Bypass.Category)
		if state.Bypass.Detail != "" {
			headers.Set("X-Cache-Bypass-Rule", state.Bypass.Detail)
		}
	}

	if state.RateLimit.Checked && !state.RateLimit.Exempt {
		headers.Set("X-RateLimit-Limit", strconv.Itoa(state.RateLimit.Limit))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(state.RateLimit.Remaining))
		if !state.RateLimit.ResetAt.IsZero() {
			headers.Set("X-RateLimit-Reset", strconv.FormatInt(state.RateLimit.ResetAt.Unix(), 10))
		}
	}
}

// setAssignmentCookie persists a freshly computed variant. Sticky requests
// already carry the cookie and do not get a new one.
func (a *Agent) setAssignmentCookie(state *pipeline.State) {
	if !state.AB.Assigned || state.AB.CookieName == "" || state.AB.Variant == "" {
		return
	}
	cookie := http.Cookie{
		Name:     state.AB.CookieName,
		Value:    state.AB.Variant,
		Path:     "/",
		MaxAge:   int(abtest.CookieMaxAge.Seconds()),
		SameSite: http.SameSiteLaxMode,
	}
	state.Response.Headers.Add("Set-Cookie", cookie.String())
}

// applyConditional turns a 200 into a 304 when the client's validators
// match. It runs after the cookie is set so new assignments survive a 304.
func (a *Agent) applyConditional(r *http.Request, state *pipeline.State) {
	if state.Response.Status != http.StatusOK {
		return
	}
	if state.Request.Method != http.MethodGet && state.Request.Method != http.MethodHead {
		return
	}
	etag := state.Response.Headers.Get("ETag")
	lastModified := a.now()
	if lm := state.Response.Headers.Get("Last-Modified"); lm != "" {
		if parsed, err := http.ParseTime(lm); err == nil {
			lastModified = parsed
		}
	}
	if !freshness.NotModified(r, etag, lastModified) {
		return
	}
	state.Response.Status = http.StatusNotModified
	state.Response.Body = nil
	state.Response.NotModified = true
}

func (a *Agent) record(state *pipeline.State) {
	if a.stats == nil {
		return
	}
	a.stats.Record(stats.Event{
		Time:        a.now(),
		Method:      state.Request.Method,
		Path:        state.Request.Path,
		CacheStatus: state.Cache.Status,
		StatusCode:  state.Response.Status,
		Variant:     state.AB.Variant,
		Region:      state.Geo.Region,
	})
}

// headerCacheStatus collapses the internal cache states onto the public
// header vocabulary: stale reads are hits, expired reads are misses.
func headerCacheStatus(status string) string {
	switch status {
	case pipeline.CacheStatusStale:
		return pipeline.CacheStatusHit
	case pipeline.CacheStatusExpired:
		return pipeline.CacheStatusMiss
	default:
		return status
	}
}
