package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				t.Setenv("EDGECTRL_SERVER__DEFINITIONS__FOLDER", t.TempDir())
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, "memory", cfg.Server.Store.Backend)
				require.Equal(t, 60, cfg.Server.Cache.StaleWindowSeconds)
				require.Equal(t, "ab", cfg.Server.ABTest.CookiePrefix)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("EDGECTRL_SERVER__DEFINITIONS__FOLDER", t.TempDir())
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("EDGECTRL_SERVER__DEFINITIONS__FOLDER", t.TempDir())
				t.Setenv("EDGECTRL_SERVER__LISTEN__PORT", "9091")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
			},
		},
		{
			name: "canonicalizes camel-case env keys",
			setup: func(t *testing.T) []string {
				t.Setenv("EDGECTRL_SERVER__DEFINITIONS__FOLDER", t.TempDir())
				t.Setenv("EDGECTRL_SERVER__ORIGIN__DEFAULTBASEURL", "https://origin.example.com")
				t.Setenv("EDGECTRL_SERVER__RATELIMIT__MAXREQUESTS", "25")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "https://origin.example.com", cfg.Server.Origin.DefaultBaseURL)
				require.Equal(t, 25, cfg.Server.RateLimit.MaxRequests)
			},
		},
		{
			name: "rejects invalid port",
			setup: func(t *testing.T) []string {
				t.Setenv("EDGECTRL_SERVER__DEFINITIONS__FOLDER", t.TempDir())
				t.Setenv("EDGECTRL_SERVER__LISTEN__PORT", "0")
				return nil
			},
			wantErr: true,
		},
		{
			name: "rejects valkey backend without address",
			setup: func(t *testing.T) []string {
				t.Setenv("EDGECTRL_SERVER__DEFINITIONS__FOLDER", t.TempDir())
				t.Setenv("EDGECTRL_SERVER__STORE__BACKEND", "valkey")
				return nil
			},
			wantErr: true,
		},
		{
			name: "rejects missing config file",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "absent.yaml")}
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			loader := NewLoader("EDGECTRL", files...)
			cfg, err := loader.Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestLoaderResolvesInlineTests(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	contents := `
server:
  definitions:
    folder: ""
tests:
  hero-banner:
    enabled: true
    priority: 5
    paths:
      include: ["/**"]
    variants:
      control:
        percent: 50
      treatment:
        percent: 50
        routing:
          strategy: path-suffix
          suffix: "-b"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := NewLoader("EDGECTRL", path).Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, cfg.Tests, "hero-banner")
	require.Equal(t, 5, cfg.Tests["hero-banner"].Priority)
	require.InDelta(t, 50, cfg.Tests["hero-banner"].Variants["treatment"].Percent, 0.001)
	require.Equal(t, []string{inlineSourceName}, cfg.DefinitionSources)
}
