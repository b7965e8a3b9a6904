package georouting

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/l0p7/edgectrl/internal/config"
	"github.com/l0p7/edgectrl/internal/flags"
	"github.com/l0p7/edgectrl/internal/pathmatch"
	"github.com/l0p7/edgectrl/internal/runtime/pipeline"
)

// Region names produced by the resolver.
const (
	RegionNorthAmerica = "north-america"
	RegionEurope       = "europe"
	RegionAsia         = "asia"
	RegionDefault      = "default"
)

// countryRegions is the static ISO 3166-1 alpha-2 → region table. Unmapped
// countries resolve to the default region.
var countryRegions = map[string]string{
	"US": RegionNorthAmerica, "CA": RegionNorthAmerica, "MX": RegionNorthAmerica,

	"GB": RegionEurope, "DE": RegionEurope, "FR": RegionEurope, "ES": RegionEurope,
	"IT": RegionEurope, "NL": RegionEurope, "SE": RegionEurope, "PL": RegionEurope,
	"IE": RegionEurope, "PT": RegionEurope, "BE": RegionEurope, "AT": RegionEurope,
	"DK": RegionEurope, "FI": RegionEurope, "NO": RegionEurope, "CH": RegionEurope,

	"JP": RegionAsia, "CN": RegionAsia, "KR": RegionAsia, "IN": RegionAsia,
	"SG": RegionAsia, "HK": RegionAsia, "TW": RegionAsia, "TH": RegionAsia,
	"MY": RegionAsia, "ID": RegionAsia, "PH": RegionAsia, "VN": RegionAsia,
}

// RegionFor maps a country code to its region, falling back to default.
func RegionFor(country string) string {
	if region, ok := countryRegions[strings.ToUpper(strings.TrimSpace(country))]; ok {
		return region
	}
	return RegionDefault
}

// Agent resolves the serving region and origin for a request and applies
// region content mappings. Even when geo routing is disabled the decision
// object is fully populated so downstream agents never null-check.
type Agent struct {
	cfg           config.GeoConfig
	defaultOrigin string
	mappings      map[string]config.RegionContentMapping
	matcher       *pathmatch.Matcher
	flags         *flags.Resolver
	logger        *slog.Logger
}

func New(cfg config.GeoConfig, defaultOrigin string, mappings map[string]config.RegionContentMapping, matcher *pathmatch.Matcher, resolver *flags.Resolver, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:           cfg,
		defaultOrigin: strings.TrimRight(defaultOrigin, "/"),
		mappings:      mappings,
		matcher:       matcher,
		flags:         resolver,
		logger:        logger.With(slog.String("agent", "georouting")),
	}
}

func (a *Agent) Name() string { return "georouting" }

func (a *Agent) Execute(ctx context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if state.Halted {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}

	// A known flag overrides the static config switch either way.
	enabled := a.flags.Enabled(ctx, flags.GeoRoutingEnabled, a.cfg.Enabled)
	if !enabled {
		state.Geo.Region = RegionDefault
		state.Geo.OriginBaseURL = a.defaultOrigin
		return pipeline.Result{Name: a.Name(), Status: "disabled"}
	}

	state.Geo.Enabled = true
	region := RegionFor(state.Identity.Country)
	state.Geo.Region = region
	state.Geo.OriginBaseURL = a.originFor(region)

	a.applyContentMapping(state, region)

	return pipeline.Result{
		Name:   a.Name(),
		Status: "resolved",
		Meta: map[string]any{
			"region":  region,
			"origin":  state.Geo.OriginBaseURL,
			"mapping": state.Geo.MappingID,
		},
	}
}

// originFor returns the configured origin for the region, preferring the
// region entry, then the configured default entry, then the server default.
func (a *Agent) originFor(region string) string {
	if origin, ok := a.cfg.RegionOrigins[region]; ok && origin != "" {
		return strings.TrimRight(origin, "/")
	}
	if origin, ok := a.cfg.RegionOrigins[RegionDefault]; ok && origin != "" {
		return strings.TrimRight(origin, "/")
	}
	return a.defaultOrigin
}

// applyContentMapping resolves the first enabled mapping (highest priority,
// then ID) whose path rules match, preferring the exact country entry over
// the region entry over the mapping default. Absolute content URLs replace
// the whole target; relative values replace only the path.
func (a *Agent) applyContentMapping(state *pipeline.State, region string) {
	ids := make([]string, 0, len(a.mappings))
	for id := range a.mappings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := a.mappings[ids[i]].Priority, a.mappings[ids[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return ids[i] < ids[j]
	})

	country := strings.ToUpper(strings.TrimSpace(state.Identity.Country))
	for _, id := range ids {
		mapping := a.mappings[id]
		if !mapping.Enabled {
			continue
		}
		rules := pathmatch.RuleSet{
			Include:   mapping.Paths.Include,
			Exclude:   mapping.Paths.Exclude,
			MatchType: pathmatch.MatchType(mapping.Paths.MatchType),
		}
		if !a.matcher.MatchesRuleSet(state.Request.Path, rules) {
			continue
		}

		content, isDefault := resolveContent(mapping, country, region)
		if content == "" {
			continue
		}

		state.Geo.MappingID = id
		state.Geo.MappingDefault = isDefault
		if parsed, err := url.Parse(content); err == nil && parsed.IsAbs() {
			state.Geo.OriginBaseURL = strings.TrimRight(parsed.Scheme+"://"+parsed.Host, "/")
			state.Geo.ContentPath = parsed.Path
		} else {
			state.Geo.ContentPath = content
		}
		return
	}
}

func resolveContent(mapping config.RegionContentMapping, country, region string) (string, bool) {
	if content, ok := mapping.Content[country]; ok && content != "" {
		return content, false
	}
	if content, ok := mapping.Content[region]; ok && content != "" {
		return content, false
	}
	if mapping.DefaultContent != "" {
		return mapping.DefaultContent, true
	}
	return "", false
}
