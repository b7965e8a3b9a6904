package freshness

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEdgeTTLPolicy(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"/api/users", 300},
		{"/api/image.png", 300},
		{"/photo.jpg", 2592000},
		{"/assets/logo.WEBP", 2592000},
		{"/scans/page.tiff", 2592000},
		{"/styles/main.css", 604800},
		{"/app.js", 604800},
		{"/index.html", 3600},
		{"/about", 3600},
		{"/", 3600},
		{"/download.pdf", 86400},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			require.Equal(t, tc.want, EdgeTTL(tc.path))
		})
	}
}

func TestImmutablePaths(t *testing.T) {
	require.True(t, Immutable("/photo.jpg"))
	require.True(t, Immutable("/scans/page.tiff"))
	require.True(t, Immutable("/fonts/inter.woff2"))
	require.False(t, Immutable("/index.html"))
	require.False(t, Immutable("/app.js"))
}

func TestMergeOriginCacheControl(t *testing.T) {
	tests := []struct {
		name     string
		edgeTTL  int
		origin   string
		wantTTL  int
		wantVary bool
	}{
		{"no origin header", 3600, "", 3600, false},
		{"no-cache caps at 60", 3600, "no-cache", 60, true},
		{"no-store caps at 60", 3600, "private, no-store", 60, true},
		{"no-cache leaves shorter ttl alone", 30, "no-cache", 30, true},
		{"origin max-age shortens", 3600, "public, max-age=120", 120, false},
		{"origin max-age never lengthens", 300, "max-age=9999", 300, false},
		{"garbage max-age ignored", 300, "max-age=abc", 300, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := MergeOriginCacheControl(tc.edgeTTL, tc.origin)
			require.Equal(t, tc.wantTTL, d.TTLSeconds)
			require.Equal(t, tc.wantVary, d.VaryOrigin)
		})
	}
}

func TestCacheControlValue(t *testing.T) {
	require.Equal(t, "public, max-age=3600, stale-while-revalidate=60",
		CacheControlValue(3600, 60, false))
	require.Equal(t, "public, max-age=2592000, stale-while-revalidate=60, immutable",
		CacheControlValue(2592000, 60, true))
	require.Equal(t, "public, max-age=300", CacheControlValue(300, 0, false))
}

func TestETagForDeterministicAndQuoted(t *testing.T) {
	etag := ETagFor("/page", []byte("body"))
	require.Equal(t, etag, ETagFor("/page", []byte("body")))
	require.NotEqual(t, etag, ETagFor("/page", []byte("other")))
	require.NotEqual(t, etag, ETagFor("/else", []byte("body")))
	require.True(t, len(etag) >= 3)
	require.Equal(t, byte('"'), etag[0])
	require.Equal(t, byte('"'), etag[len(etag)-1])
}

func TestClassifyBoundaries(t *testing.T) {
	date := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		age  time.Duration
		want string
	}{
		{0, Fresh},
		{99 * time.Second, Fresh},
		{100 * time.Second, Stale},
		{159 * time.Second, Stale},
		{160 * time.Second, Expired},
		{time.Hour, Expired},
	}
	for _, tc := range tests {
		got := Classify(date, 100, 60, date.Add(tc.age))
		require.Equal(t, tc.want, got, "age %s", tc.age)
	}
}

func TestNotModified(t *testing.T) {
	lastModified := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	etag := `"abc123"`

	newRequest := func(inm, ims string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/page", nil)
		if inm != "" {
			r.Header.Set("If-None-Match", inm)
		}
		if ims != "" {
			r.Header.Set("If-Modified-Since", ims)
		}
		return r
	}

	require.True(t, NotModified(newRequest(etag, ""), etag, lastModified))
	require.True(t, NotModified(newRequest("*", ""), etag, lastModified))
	require.True(t, NotModified(newRequest(`"zzz", "abc123"`, ""), etag, lastModified))
	require.False(t, NotModified(newRequest(`"zzz"`, ""), etag, lastModified))

	// If-None-Match wins over If-Modified-Since when both are present.
	freshIMS := lastModified.Add(time.Hour).Format(http.TimeFormat)
	require.False(t, NotModified(newRequest(`"zzz"`, freshIMS), etag, lastModified))

	require.True(t, NotModified(newRequest("", freshIMS), etag, lastModified))
	require.True(t, NotModified(newRequest("", lastModified.Format(http.TimeFormat)), etag, lastModified))
	staleIMS := lastModified.Add(-time.Hour).Format(http.TimeFormat)
	require.False(t, NotModified(newRequest("", staleIMS), etag, lastModified))
	require.False(t, NotModified(newRequest("", "not-a-date"), etag, lastModified))
}
