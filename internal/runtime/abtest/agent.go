package abtest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/l0p7/edgectrl/internal/bucket"
	"github.com/l0p7/edgectrl/internal/config"
	"github.com/l0p7/edgectrl/internal/flags"
	"github.com/l0p7/edgectrl/internal/metrics"
	"github.com/l0p7/edgectrl/internal/pathmatch"
	"github.com/l0p7/edgectrl/internal/runtime/pipeline"
)

// CookieMaxAge keeps variant assignments sticky for 30 days.
const CookieMaxAge = 30 * 24 * time.Hour

// Agent resolves the primary A/B test for the request path, assigns or
// recovers a variant, and records the URL rewrite the variant's routing
// strategy demands.
type Agent struct {
	tests        map[string]config.TestDefinition
	cookiePrefix string
	enabled      bool
	matcher      *pathmatch.Matcher
	flags        *flags.Resolver
	metrics      *metrics.Recorder
	logger       *slog.Logger
	now          func() time.Time
}

func New(tests map[string]config.TestDefinition, cfg config.ABTestConfig, matcher *pathmatch.Matcher, resolver *flags.Resolver, recorder *metrics.Recorder, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.CookiePrefix
	if prefix == "" {
		prefix = "ab"
	}
	return &Agent{
		tests:        tests,
		cookiePrefix: prefix,
		enabled:      cfg.Enabled,
		matcher:      matcher,
		flags:        resolver,
		metrics:      recorder,
		logger:       logger.With(slog.String("agent", "abtest")),
		now:          time.Now,
	}
}

func (a *Agent) Name() string { return "abtest" }

func (a *Agent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if state.Halted {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}
	// A known flag overrides the static config switch either way.
	if !a.flags.Enabled(ctx, flags.ABTestingEnabled, a.enabled) {
		return pipeline.Result{Name: a.Name(), Status: "disabled"}
	}

	testID, def, ok := a.primaryTest(state.Request.Path)
	if !ok {
		return pipeline.Result{Name: a.Name(), Status: "no-test"}
	}

	cookieName := a.cookiePrefix + "_" + testID
	state.AB.TestID = testID
	state.AB.TestName = def.Description
	state.AB.CookieName = cookieName

	variant, sticky := a.resolveVariant(r, testID, def, cookieName, state.Identity.ClientIP, state)
	state.AB.Variant = variant
	state.AB.Sticky = sticky
	state.AB.Assigned = !sticky

	a.metrics.ObserveVariantAssignment(testID, variant, sticky)

	if cfg, ok := def.Variants[variant]; ok {
		a.applyRouting(state, cfg.Routing)
	}

	return pipeline.Result{
		Name:   a.Name(),
		Status: "resolved",
		Meta: map[string]any{
			"test":    testID,
			"variant": variant,
			"sticky":  sticky,
		},
	}
}

// primaryTest picks the highest-priority enabled test whose window covers now
// and whose path rules match. Ties break on the test ID so resolution stays
// deterministic across processes.
func (a *Agent) primaryTest(path string) (string, config.TestDefinition, bool) {
	now := a.now().UTC()
	ids := make([]string, 0, len(a.tests))
	for id := range a.tests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := a.tests[ids[i]].Priority, a.tests[ids[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return ids[i] < ids[j]
	})

	for _, id := range ids {
		def := a.tests[id]
		if !def.Enabled {
			continue
		}
		start, end, err := def.ActiveWindow()
		if err != nil {
			// Loader quarantines these; a bad window here means the
			// definition slipped through, so skip defensively.
			continue
		}
		if !start.IsZero() && now.Before(start) {
			continue
		}
		if !end.IsZero() && !now.Before(end) {
			continue
		}
		if !a.matcher.MatchesRuleSet(path, ruleSet(def.Paths)) {
			continue
		}
		return id, def, true
	}
	return "", config.TestDefinition{}, false
}

// resolveVariant honors a valid sticky cookie before recomputing from the
// hash bucket. The cookie always wins once it names a variant the test still
// has.
func (a *Agent) resolveVariant(r *http.Request, testID string, def config.TestDefinition, cookieName, identity string, state *pipeline.State) (string, bool) {
	if cookie, err := r.Cookie(cookieName); err == nil {
		if _, exists := def.Variants[cookie.Value]; exists {
			return cookie.Value, true
		}
	}
	bkt := bucket.Assign(testID + "-" + identity)
	state.AB.Bucket = bkt
	return bucket.SelectVariant(def.Allocations(), bkt), false
}

// applyRouting dispatches on the closed strategy set. Unknown strategies are
// a logged no-op, never a failure.
func (a *Agent) applyRouting(state *pipeline.State, routing config.RoutingConfig) {
	strategy := strings.TrimSpace(routing.Strategy)
	switch strategy {
	case "":
		// Control variants routinely have no routing.
	case "path-suffix":
		state.AB.Strategy = strategy
		state.AB.RewrittenPath = rewritePathSuffix(state.Request.Path, routing.Suffix, routing.Extensions)
	case "different-origin":
		if routing.Origin != "" {
			state.AB.Strategy = strategy
			state.AB.OriginOverride = routing.Origin
		}
	case "query-param":
		if pair := firstParamPair(routing.Param); pair != "" {
			state.AB.Strategy = strategy
			state.AB.AppendParam = pair
		}
	case "subdomain":
		if routing.Subdomain != "" {
			state.AB.Strategy = strategy
			state.AB.Subdomain = routing.Subdomain
		}
	default:
		a.logger.Warn("unknown routing strategy", slog.String("strategy", strategy))
	}
}

// rewritePathSuffix inserts the suffix before the file extension when the
// extension is allow-listed (or the allow-list is empty); otherwise the
// suffix is appended to the path.
func rewritePathSuffix(path, suffix string, extensions []string) string {
	if suffix == "" {
		return path
	}
	dot := strings.LastIndex(path, ".")
	slash := strings.LastIndex(path, "/")
	if dot > slash {
		ext := path[dot+1:]
		if len(extensions) == 0 || containsFold(extensions, ext) {
			return path[:dot] + suffix + path[dot:]
		}
	}
	return path + suffix
}

// firstParamPair honors only the first key=value split of the configured
// param string.
func firstParamPair(param string) string {
	trimmed := strings.TrimSpace(param)
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "=")
	if len(parts) < 2 || parts[0] == "" {
		return ""
	}
	return fmt.Sprintf("%s=%s", parts[0], parts[1])
}

// SwapSubdomain replaces the first DNS label of host. Hosts without a
// subdomain label to swap are returned unchanged.
func SwapSubdomain(host, label string) string {
	if label == "" || host == "" {
		return host
	}
	parts := strings.Split(host, ".")
	if len(parts) < 3 {
		return host
	}
	parts[0] = label
	return strings.Join(parts, ".")
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimPrefix(item, "."), value) {
			return true
		}
	}
	return false
}

func ruleSet(p config.PathRulesConfig) pathmatch.RuleSet {
	return pathmatch.RuleSet{
		Include:   p.Include,
		Exclude:   p.Exclude,
		MatchType: pathmatch.MatchType(p.MatchType),
	}
}
