package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting
// env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence
// rules, then resolves the configured definition sources.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.store.defaultttlseconds":    "server.store.defaultTTLSeconds",
			"server.store.valkey.tls.cafile":    "server.store.valkey.tls.caFile",
			"server.origin.defaultbaseurl":      "server.origin.defaultBaseURL",
			"server.origin.timeoutseconds":      "server.origin.timeoutSeconds",
			"server.geo.countryheader":          "server.geo.countryHeader",
			"server.geo.regionorigins":          "server.geo.regionOrigins",
			"server.abtest.cookieprefix":        "server.abtest.cookiePrefix",
			"server.cache.stalewindowseconds":   "server.cache.staleWindowSeconds",
			"server.cache.maxagecapseconds":     "server.cache.maxAgeCapSeconds",
			"server.ratelimit.maxrequests":      "server.ratelimit.maxRequests",
			"server.ratelimit.windowseconds":    "server.ratelimit.windowSeconds",
			"server.ratelimit.allowpaths":       "server.ratelimit.allowPaths",
			"server.ratelimit.denypaths":        "server.ratelimit.denyPaths",
			"server.ratelimit.exemptexpression": "server.ratelimit.exemptExpression",
			"server.templates.errorbody":        "server.templates.errorBody",
			"server.templates.ratelimitedbody":  "server.templates.rateLimitedBody",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into
			// listenport when callers choose not to use double underscores
			// for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineTests = cloneTestMap(cfg.Tests)
	cfg.InlineMappings = cloneMappingMap(cfg.Mappings)

	bundle, err := buildDefinitionBundle(ctx, cfg.InlineTests, cfg.InlineMappings, cfg.Server.Definitions)
	if err != nil {
		return Config{}, err
	}
	cfg.Tests = bundle.Tests
	cfg.Mappings = bundle.Mappings
	cfg.DefinitionSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap
// provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"definitions": map[string]any{
				"folder": cfg.Server.Definitions.Folder,
				"file":   cfg.Server.Definitions.File,
			},
			"store": map[string]any{
				"backend":           cfg.Server.Store.Backend,
				"defaultTTLSeconds": cfg.Server.Store.DefaultTTLSeconds,
				"valkey": map[string]any{
					"address":  cfg.Server.Store.Valkey.Address,
					"username": cfg.Server.Store.Valkey.Username,
					"password": cfg.Server.Store.Valkey.Password,
					"db":       cfg.Server.Store.Valkey.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Store.Valkey.TLS.Enabled,
						"caFile":  cfg.Server.Store.Valkey.TLS.CAFile,
					},
				},
			},
			"origin": map[string]any{
				"defaultBaseURL": cfg.Server.Origin.DefaultBaseURL,
				"timeoutSeconds": cfg.Server.Origin.TimeoutSeconds,
			},
			"geo": map[string]any{
				"enabled":       cfg.Server.Geo.Enabled,
				"countryHeader": cfg.Server.Geo.CountryHeader,
				"regionOrigins": cfg.Server.Geo.RegionOrigins,
			},
			"abtest": map[string]any{
				"enabled":      cfg.Server.ABTest.Enabled,
				"cookiePrefix": cfg.Server.ABTest.CookiePrefix,
			},
			"cache": map[string]any{
				"staleWindowSeconds": cfg.Server.Cache.StaleWindowSeconds,
				"maxAgeCapSeconds":   cfg.Server.Cache.MaxAgeCapSeconds,
			},
			"bypass": map[string]any{
				"cookies": map[string]any{
					"enabled":  cfg.Server.Bypass.Cookies.Enabled,
					"names":    cfg.Server.Bypass.Cookies.Names,
					"prefixes": cfg.Server.Bypass.Cookies.Prefixes,
				},
				"userAgents": map[string]any{
					"enabled":       cfg.Server.Bypass.UserAgents.Enabled,
					"substrings":    cfg.Server.Bypass.UserAgents.Substrings,
					"patterns":      cfg.Server.Bypass.UserAgents.Patterns,
					"caseSensitive": cfg.Server.Bypass.UserAgents.CaseSensitive,
				},
				"cacheControl": map[string]any{
					"enabled": cfg.Server.Bypass.CacheControl.Enabled,
				},
				"authorization": map[string]any{
					"enabled": cfg.Server.Bypass.Authorization.Enabled,
					"schemes": cfg.Server.Bypass.Authorization.Schemes,
				},
				"custom": map[string]any{
					"enabled":    cfg.Server.Bypass.Custom.Enabled,
					"expression": cfg.Server.Bypass.Custom.Expression,
				},
			},
			"ratelimit": map[string]any{
				"enabled":          cfg.Server.RateLimit.Enabled,
				"maxRequests":      cfg.Server.RateLimit.MaxRequests,
				"windowSeconds":    cfg.Server.RateLimit.WindowSeconds,
				"allowPaths":       cfg.Server.RateLimit.AllowPaths,
				"denyPaths":        cfg.Server.RateLimit.DenyPaths,
				"exemptExpression": cfg.Server.RateLimit.ExemptExpression,
			},
			"flags": map[string]any{
				"overrides": cfg.Server.Flags.Overrides,
			},
			"templates": map[string]any{
				"folder":          cfg.Server.Templates.Folder,
				"errorBody":       cfg.Server.Templates.ErrorBody,
				"rateLimitedBody": cfg.Server.Templates.RateLimitedBody,
				"errorBodyFile":   cfg.Server.Templates.ErrorBodyFile,
				"rateLimitedFile": cfg.Server.Templates.RateLimitedFile,
				"allowEnv":        cfg.Server.Templates.AllowEnv,
				"allowedEnv":      cfg.Server.Templates.AllowedEnv,
			},
		},
	}
}
