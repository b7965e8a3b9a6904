package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the A/B test and region content
// definitions once the loader resolves them.
type Config struct {
	Server   ServerConfig                    `koanf:"server"`
	Tests    map[string]TestDefinition       `koanf:"tests"`
	Mappings map[string]RegionContentMapping `koanf:"mappings"`

	InlineTests    map[string]TestDefinition       `koanf:"-"`
	InlineMappings map[string]RegionContentMapping `koanf:"-"`

	// DefinitionSources records which files contributed test or mapping
	// definitions once the loader resolves the configured sources.
	DefinitionSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid definitions
	// the loader intentionally disabled so /statusz can surface them without
	// re-parsing raw files.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle layer.
type ServerConfig struct {
	Listen      ListenConfig      `koanf:"listen"`
	Logging     LoggingConfig     `koanf:"logging"`
	Definitions DefinitionsConfig `koanf:"definitions"`
	Store       StoreConfig       `koanf:"store"`
	Origin      OriginConfig      `koanf:"origin"`
	Geo         GeoConfig         `koanf:"geo"`
	ABTest      ABTestConfig      `koanf:"abtest"`
	Cache       CacheConfig       `koanf:"cache"`
	Bypass      BypassConfig      `koanf:"bypass"`
	RateLimit   RateLimitConfig   `koanf:"ratelimit"`
	Flags       FlagsConfig       `koanf:"flags"`
	Templates   TemplatesConfig   `koanf:"templates"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// DefinitionsConfig announces how test/mapping documents are sourced.
type DefinitionsConfig struct {
	Folder string `koanf:"folder"`
	File   string `koanf:"file"`
}

// StoreConfig selects and tunes the shared key/value store backing the
// response cache and the rate-limit windows.
type StoreConfig struct {
	Backend           string            `koanf:"backend"`
	DefaultTTLSeconds int               `koanf:"defaultTTLSeconds"`
	Valkey            ValkeyStoreConfig `koanf:"valkey"`
}

type ValkeyStoreConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ValkeyStoreTLSConfig `koanf:"tls"`
}

type ValkeyStoreTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// OriginConfig describes the upstream the edge fetches from when geo routing
// does not pick a region-specific origin.
type OriginConfig struct {
	DefaultBaseURL string `koanf:"defaultBaseURL"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// GeoConfig maps regions to origin base URLs. Keys are the fixed region
// names plus "default"; unmapped regions fall back to the default origin.
type GeoConfig struct {
	Enabled       bool              `koanf:"enabled"`
	CountryHeader string            `koanf:"countryHeader"`
	RegionOrigins map[string]string `koanf:"regionOrigins"`
}

// ABTestConfig tunes assignment cookies for the A/B resolver.
type ABTestConfig struct {
	Enabled      bool   `koanf:"enabled"`
	CookiePrefix string `koanf:"cookiePrefix"`
}

// CacheConfig tunes the freshness engine.
type CacheConfig struct {
	// StaleWindowSeconds is the stale-while-revalidate window appended to
	// every computed max-age.
	StaleWindowSeconds int `koanf:"staleWindowSeconds"`
	// MaxAgeCapSeconds optionally caps every computed TTL (0 = no cap).
	MaxAgeCapSeconds int `koanf:"maxAgeCapSeconds"`
}

// BypassConfig describes the ordered cache bypass rule categories. Each
// category toggles independently; evaluation order is fixed regardless of
// configuration order.
type BypassConfig struct {
	Cookies       BypassCookieConfig    `koanf:"cookies"`
	UserAgents    BypassUserAgentConfig `koanf:"userAgents"`
	CacheControl  BypassToggle          `koanf:"cacheControl"`
	Authorization BypassAuthConfig      `koanf:"authorization"`
	Custom        BypassCustomConfig    `koanf:"custom"`
}

type BypassToggle struct {
	Enabled bool `koanf:"enabled"`
}

type BypassCookieConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Names    []string `koanf:"names"`
	Prefixes []string `koanf:"prefixes"`
}

type BypassUserAgentConfig struct {
	Enabled       bool     `koanf:"enabled"`
	Substrings    []string `koanf:"substrings"`
	Patterns      []string `koanf:"patterns"`
	CaseSensitive bool     `koanf:"caseSensitive"`
}

type BypassAuthConfig struct {
	Enabled bool     `koanf:"enabled"`
	Schemes []string `koanf:"schemes"`
}

// BypassCustomConfig holds a CEL predicate evaluated against the request
// snapshot. Disabled by default.
type BypassCustomConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Expression string `koanf:"expression"`
}

// RateLimitConfig describes the fixed-window per-client limiter.
type RateLimitConfig struct {
	Enabled          bool     `koanf:"enabled"`
	MaxRequests      int      `koanf:"maxRequests"`
	WindowSeconds    int      `koanf:"windowSeconds"`
	AllowPaths       []string `koanf:"allowPaths"`
	DenyPaths        []string `koanf:"denyPaths"`
	ExemptExpression string   `koanf:"exemptExpression"`
}

// FlagsConfig seeds the feature-flag provider with static overrides. Flags
// resolved at runtime take precedence over component enabled switches.
type FlagsConfig struct {
	Overrides map[string]bool `koanf:"overrides"`
}

// TemplatesConfig captures the response body template sandbox root plus the
// optional error and rate-limited body templates.
type TemplatesConfig struct {
	Folder          string   `koanf:"folder"`
	ErrorBody       string   `koanf:"errorBody"`
	RateLimitedBody string   `koanf:"rateLimitedBody"`
	ErrorBodyFile   string   `koanf:"errorBodyFile"`
	RateLimitedFile string   `koanf:"rateLimitedFile"`
	AllowEnv        bool     `koanf:"allowEnv"`
	AllowedEnv      []string `koanf:"allowedEnv"`
}

// PathRulesConfig pairs inclusion/exclusion patterns with a match type
// (exact, prefix, regex, wildcard).
type PathRulesConfig struct {
	Include   []string `koanf:"include"`
	Exclude   []string `koanf:"exclude"`
	MatchType string   `koanf:"matchType"`
}

// TestDefinition declares one A/B test. Definitions are immutable after
// load; at most one test (highest priority among active matches) applies to
// a request.
type TestDefinition struct {
	Description string                   `koanf:"description"`
	Enabled     bool                     `koanf:"enabled"`
	Priority    int                      `koanf:"priority"`
	Paths       PathRulesConfig          `koanf:"paths"`
	Variants    map[string]VariantConfig `koanf:"variants"`
	StartsAt    string                   `koanf:"startsAt"`
	EndsAt      string                   `koanf:"endsAt"`
}

// VariantConfig couples one variant's traffic share with its routing
// strategy.
type VariantConfig struct {
	Percent float64       `koanf:"percent"`
	Routing RoutingConfig `koanf:"routing"`
}

// RoutingConfig selects a URL rewrite strategy for a variant. Exactly the
// fields relevant to the chosen strategy are consulted; the rest are ignored.
type RoutingConfig struct {
	Strategy   string   `koanf:"strategy"`
	Suffix     string   `koanf:"suffix"`
	Extensions []string `koanf:"extensions"`
	Origin     string   `koanf:"origin"`
	Param      string   `koanf:"param"`
	Subdomain  string   `koanf:"subdomain"`
}

// Allocations flattens the variant map into label → percent for bucket
// selection.
func (d TestDefinition) Allocations() map[string]float64 {
	if len(d.Variants) == 0 {
		return nil
	}
	out := make(map[string]float64, len(d.Variants))
	for label, variant := range d.Variants {
		out[label] = variant.Percent
	}
	return out
}

// ActiveWindow parses the optional date window. Zero times mean unbounded.
func (d TestDefinition) ActiveWindow() (time.Time, time.Time, error) {
	var start, end time.Time
	if s := strings.TrimSpace(d.StartsAt); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return start, end, fmt.Errorf("config: startsAt: %w", err)
		}
		start = parsed
	}
	if s := strings.TrimSpace(d.EndsAt); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return start, end, fmt.Errorf("config: endsAt: %w", err)
		}
		end = parsed
	}
	return start, end, nil
}

// RegionContentMapping swaps the served content path for matching requests
// based on the resolved country or region. Priority orders mappings because
// document maps do not preserve declaration order; the highest value wins,
// as with test definitions.
type RegionContentMapping struct {
	Description    string            `koanf:"description"`
	Enabled        bool              `koanf:"enabled"`
	Priority       int               `koanf:"priority"`
	Paths          PathRulesConfig   `koanf:"paths"`
	Content        map[string]string `koanf:"content"`
	DefaultContent string            `koanf:"defaultContent"`
}

// DefinitionSkip describes a definition the loader intentionally ignored
// because it violated invariants (duplicates across files, broken variant
// allocations). The runtime surfaces these in status payloads so operators
// know which definitions were quarantined.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Definitions.Folder != "" && c.Server.Definitions.File != "" {
		return errors.New("config: definitions.folder and definitions.file are mutually exclusive")
	}
	if c.Server.Store.DefaultTTLSeconds < 0 {
		return fmt.Errorf("config: server.store.defaultTTLSeconds invalid: %d", c.Server.Store.DefaultTTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Store.Backend))
	switch backend {
	case "", "memory":
	case "valkey", "redis":
		if strings.TrimSpace(c.Server.Store.Valkey.Address) == "" {
			return errors.New("config: server.store.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: server.store.backend unsupported: %s", c.Server.Store.Backend)
	}
	if strings.TrimSpace(c.Server.Origin.DefaultBaseURL) == "" {
		return errors.New("config: server.origin.defaultBaseURL required")
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("config: server.ratelimit.maxRequests invalid: %d", c.Server.RateLimit.MaxRequests)
		}
		if c.Server.RateLimit.WindowSeconds <= 0 {
			return fmt.Errorf("config: server.ratelimit.windowSeconds invalid: %d", c.Server.RateLimit.WindowSeconds)
		}
	}
	if c.Server.Cache.StaleWindowSeconds < 0 {
		return fmt.Errorf("config: server.cache.staleWindowSeconds invalid: %d", c.Server.Cache.StaleWindowSeconds)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the edge
// defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Definitions: DefinitionsConfig{
				Folder: "./definitions",
			},
			Store: StoreConfig{
				Backend:           "memory",
				DefaultTTLSeconds: 86400,
			},
			Origin: OriginConfig{
				DefaultBaseURL: "http://localhost:9000",
				TimeoutSeconds: 30,
			},
			ABTest: ABTestConfig{
				Enabled:      true,
				CookiePrefix: "ab",
			},
			Cache: CacheConfig{
				StaleWindowSeconds: 60,
			},
			Bypass: BypassConfig{
				Cookies: BypassCookieConfig{
					Enabled:  true,
					Names:    []string{"session", "auth_token"},
					Prefixes: []string{"wordpress_logged_in"},
				},
				CacheControl:  BypassToggle{Enabled: true},
				Authorization: BypassAuthConfig{Enabled: true},
			},
			RateLimit: RateLimitConfig{
				Enabled:       true,
				MaxRequests:   100,
				WindowSeconds: 60,
			},
		},
	}
}
