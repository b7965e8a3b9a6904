package pipeline

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Agent represents a runtime component that collaborates on processing an
// incoming request. Each agent observes and mutates the shared State before
// returning its Result snapshot.
type Agent interface {
	Name() string
	Execute(context.Context, *http.Request, *State) Result
}

// Result captures the outcome emitted by an agent during pipeline execution.
type Result struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Details string         `json:"details,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Cache status values stamped on X-Cache-Status.
const (
	CacheStatusHit     = "HIT"
	CacheStatusMiss    = "MISS"
	CacheStatusStale   = "STALE"
	CacheStatusExpired = "EXPIRED"
	CacheStatusBypass  = "BYPASS"
)

// RequestState preserves the inbound request snapshot for auditing and
// predicate evaluation.
type RequestState struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Host    string            `json:"host"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
}

// IdentityState records who is asking: resolved client address, geography and
// device characteristics derived by the intake agent.
type IdentityState struct {
	ClientIP    string `json:"clientIp"`
	IPSource    string `json:"ipSource,omitempty"`
	Country     string `json:"country,omitempty"`
	Device      string `json:"device"`
	ImageFormat string `json:"imageFormat,omitempty"`
}

// ABState captures the A/B test resolution outcome.
type ABState struct {
	TestID     string `json:"testId,omitempty"`
	TestName   string `json:"testName,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
	Variant    string `json:"variant,omitempty"`
	Bucket     int    `json:"bucket"`
	Sticky     bool   `json:"sticky"`
	Assigned   bool   `json:"assigned"`
	CookieName string `json:"cookieName,omitempty"`
	// Routing outputs. Path rewrites feed the cache key and origin request;
	// OriginOverride redirects the fetch to a variant origin.
	RewrittenPath  string `json:"rewrittenPath,omitempty"`
	OriginOverride string `json:"originOverride,omitempty"`
	AppendParam    string `json:"appendParam,omitempty"`
	Subdomain      string `json:"subdomain,omitempty"`
}

// GeoState captures region resolution and region content mapping outcomes.
type GeoState struct {
	Enabled        bool   `json:"enabled"`
	Region         string `json:"region"`
	OriginBaseURL  string `json:"originBaseUrl,omitempty"`
	MappingID      string `json:"mappingId,omitempty"`
	ContentPath    string `json:"contentPath,omitempty"`
	MappingDefault bool   `json:"mappingDefault,omitempty"`
}

// CacheKeyState carries the canonical key and what was stripped to build it.
type CacheKeyState struct {
	Key            string   `json:"key"`
	StrippedParams []string `json:"strippedParams,omitempty"`
	Markers        []string `json:"markers,omitempty"`
}

// BypassState reports whether and why the request skipped the cache.
type BypassState struct {
	Bypassed bool   `json:"bypassed"`
	Category string `json:"category,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// RateLimitState reports the fixed-window limiter decision.
type RateLimitState struct {
	Checked    bool      `json:"checked"`
	Exempt     bool      `json:"exempt"`
	Limited    bool      `json:"limited"`
	Limit      int       `json:"limit,omitempty"`
	Remaining  int       `json:"remaining,omitempty"`
	RetryAfter int       `json:"retryAfter,omitempty"`
	ResetAt    time.Time `json:"resetAt,omitempty"`
}

// CacheState captures cache participation information for the request.
type CacheState struct {
	Status       string    `json:"status,omitempty"`
	Freshness    string    `json:"freshness,omitempty"`
	Hit          bool      `json:"hit"`
	Stored       bool      `json:"stored"`
	Revalidating bool      `json:"revalidating"`
	StoredAt     time.Time `json:"storedAt,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	StaleUntil   time.Time `json:"staleUntil,omitempty"`
	TTLSeconds   int       `json:"ttlSeconds,omitempty"`
}

// UpstreamState reports the origin interaction, when one happened.
type UpstreamState struct {
	Fetched     bool        `json:"fetched"`
	URL         string      `json:"url,omitempty"`
	Status      int         `json:"status,omitempty"`
	Headers     http.Header `json:"headers,omitempty"`
	Body        []byte      `json:"-"`
	NotModified bool        `json:"notModified"`
	Error       string      `json:"error,omitempty"`
}

// ResponseState is the HTTP response composed for the caller. Headers is a
// full http.Header so multiple Set-Cookie values survive assembly.
type ResponseState struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers"`
	Body    []byte      `json:"-"`
	// NotModified marks a conditional 304 answer; the assembler drops the
	// body last so Set-Cookie still reaches the client.
	NotModified bool `json:"notModified"`
}

// State is the shared context threaded through every agent in the pipeline.
type State struct {
	CorrelationID string `json:"correlationId"`

	Request   RequestState   `json:"request"`
	Identity  IdentityState  `json:"identity"`
	AB        ABState        `json:"abTest"`
	Geo       GeoState       `json:"geo"`
	CacheKey  CacheKeyState  `json:"cacheKey"`
	Bypass    BypassState    `json:"bypass"`
	RateLimit RateLimitState `json:"rateLimit"`
	Cache     CacheState     `json:"cache"`
	Upstream  UpstreamState  `json:"upstream"`
	Response  ResponseState  `json:"response"`

	// Halted short-circuits the remaining agents once a terminal response
	// (rate limited, origin error) has been composed.
	Halted bool `json:"-"`
}

// NewState captures the inbound request metadata and initializes the shared
// state for a pipeline evaluation.
func NewState(r *http.Request, correlationID string) *State {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}
	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		query[strings.ToLower(name)] = values[0]
	}
	return &State{
		CorrelationID: correlationID,
		Request: RequestState{
			Method:  r.Method,
			Path:    r.URL.Path,
			Host:    r.Host,
			Headers: headers,
			Query:   query,
		},
		Response: ResponseState{
			Headers: make(http.Header),
		},
	}
}

// EffectivePath is the origin path after any A/B rewrite or region content
// mapping; agents downstream of abtest and georouting consult it instead of
// the raw request path.
func (s *State) EffectivePath() string {
	if s.Geo.ContentPath != "" {
		return s.Geo.ContentPath
	}
	if s.AB.RewrittenPath != "" {
		return s.AB.RewrittenPath
	}
	return s.Request.Path
}

// OriginBase picks the origin the fetch should target: A/B variant origins
// win over region origins, which win over the default.
func (s *State) OriginBase() string {
	if s.AB.OriginOverride != "" {
		return s.AB.OriginOverride
	}
	return s.Geo.OriginBaseURL
}
