package intake

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/edgectrl/internal/runtime/pipeline"
)

func TestClientIPChain(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		wantIP     string
		wantSource string
	}{
		{
			name:       "cf connecting ip wins",
			headers:    map[string]string{"CF-Connecting-IP": "203.0.113.1", "X-Forwarded-For": "198.51.100.2", "X-Real-IP": "192.0.2.3"},
			wantIP:     "203.0.113.1",
			wantSource: "cf-connecting-ip",
		},
		{
			name:       "first forwarded-for element",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.2, 10.0.0.1, 10.0.0.2", "X-Real-IP": "192.0.2.3"},
			wantIP:     "198.51.100.2",
			wantSource: "x-forwarded-for",
		},
		{
			name:       "real ip fallback",
			headers:    map[string]string{"X-Real-IP": "192.0.2.3"},
			wantIP:     "192.0.2.3",
			wantSource: "x-real-ip",
		},
		{
			name:       "unknown when nothing present",
			headers:    map[string]string{},
			wantIP:     "unknown",
			wantSource: "none",
		},
	}

	agent := New(Config{})
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			state := pipeline.NewState(req, "test")
			agent.Execute(context.Background(), req, state)
			require.Equal(t, tc.wantIP, state.Identity.ClientIP)
			require.Equal(t, tc.wantSource, state.Identity.IPSource)
		})
	}
}

func TestClassifyDevice(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want string
	}{
		{"iphone", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)", "mobile"},
		{"android phone", "Mozilla/5.0 (Linux; Android 14; Pixel 8) Mobile Safari", "mobile"},
		{"android tablet", "Mozilla/5.0 (Linux; Android 14; SM-X910) Safari", "tablet"},
		{"ipad", "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X)", "tablet"},
		{"desktop chrome", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120", "desktop"},
		{"empty", "", "desktop"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, classifyDevice(tc.ua))
		})
	}
}

func TestNegotiateImageFormat(t *testing.T) {
	require.Equal(t, "avif", negotiateImageFormat("image/avif,image/webp,*/*"))
	require.Equal(t, "webp", negotiateImageFormat("image/webp,*/*;q=0.8"))
	require.Equal(t, "", negotiateImageFormat("text/html,*/*"))
}

func TestCountryHeader(t *testing.T) {
	agent := New(Config{})
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("CF-IPCountry", "de")
	state := pipeline.NewState(req, "test")
	agent.Execute(context.Background(), req, state)
	require.Equal(t, "DE", state.Identity.Country)

	custom := New(Config{CountryHeader: "X-Geo-Country"})
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Geo-Country", "JP")
	state = pipeline.NewState(req, "test")
	custom.Execute(context.Background(), req, state)
	require.Equal(t, "JP", state.Identity.Country)
}
