package freshness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/edgectrl/internal/config"
	"github.com/l0p7/edgectrl/internal/origin"
	"github.com/l0p7/edgectrl/internal/runtime/pipeline"
	"github.com/l0p7/edgectrl/internal/store"
)

type stubFetcher struct {
	mu      sync.Mutex
	calls   int
	targets []string
	resp    *origin.Response
	err     error
}

func (f *stubFetcher) Fetch(_ context.Context, _, target string, _ http.Header) (*origin.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.targets = append(f.targets, target)
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	resp.Headers = f.resp.Headers.Clone()
	return &resp, nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okResponse(body string) *origin.Response {
	return &origin.Response{
		Status:  http.StatusOK,
		Headers: http.Header{"Content-Type": []string{"text/html"}},
		Body:    []byte(body),
	}
}

func newAgent(fetcher origin.Fetcher, st store.Store) *Agent {
	cfg := config.CacheConfig{StaleWindowSeconds: 60}
	return New(cfg, "http://origin.internal", st, fetcher, nil, nil, nil, nil)
}

func runRequest(t *testing.T, agent *Agent, path string) (*pipeline.State, pipeline.Result) {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	state := pipeline.NewState(r, "test")
	state.CacheKey.Key = "GET:https://edge.example.com" + path
	result := agent.Execute(context.Background(), r, state)
	return state, result
}

func TestAgentMissThenHit(t *testing.T) {
	fetcher := &stubFetcher{resp: okResponse("hello")}
	agent := newAgent(fetcher, store.NewMemory(time.Minute))

	state, result := runRequest(t, agent, "/index.html")
	require.Equal(t, "miss", result.Status)
	require.Equal(t, pipeline.CacheStatusMiss, state.Cache.Status)
	require.Equal(t, Fresh, state.Cache.Freshness)
	require.True(t, state.Cache.Stored)
	require.Equal(t, http.StatusOK, state.Response.Status)
	require.Equal(t, "hello", string(state.Response.Body))
	require.NotEmpty(t, state.Response.Headers.Get("ETag"))
	require.NotEmpty(t, state.Response.Headers.Get("Last-Modified"))
	require.Contains(t, state.Response.Headers.Get("Cache-Control"), "stale-while-revalidate=60")

	state, result = runRequest(t, agent, "/index.html")
	require.Equal(t, "hit", result.Status)
	require.Equal(t, pipeline.CacheStatusHit, state.Cache.Status)
	require.True(t, state.Cache.Hit)
	require.Equal(t, "hello", string(state.Response.Body))
	require.Equal(t, 1, fetcher.callCount())
}

func TestAgentStaleServesAndRevalidates(t *testing.T) {
	fetcher := &stubFetcher{resp: okResponse("v1")}
	st := store.NewMemory(time.Hour)
	cfg := config.CacheConfig{StaleWindowSeconds: 60}
	revalidator := NewRevalidator(st, fetcher, cfg.StaleWindowSeconds, cfg.MaxAgeCapSeconds, nil, nil)
	agent := New(cfg, "http://origin.internal", st, fetcher, revalidator, nil, nil, nil)

	base := time.Now()
	agent.now = func() time.Time { return base }
	runRequest(t, agent, "/index.html")
	require.Equal(t, 1, fetcher.callCount())

	// Inside the stale window: the cached body is served immediately and a
	// background refresh fires.
	fetcher.mu.Lock()
	fetcher.resp = okResponse("v2")
	fetcher.mu.Unlock()
	agent.now = func() time.Time { return base.Add(3601 * time.Second) }
	state, result := runRequest(t, agent, "/index.html")
	require.Equal(t, "stale", result.Status)
	require.Equal(t, pipeline.CacheStatusStale, state.Cache.Status)
	require.Equal(t, Stale, state.Cache.Freshness)
	require.True(t, state.Cache.Revalidating)
	require.Equal(t, "v1", string(state.Response.Body))

	revalidator.Wait()
	require.Equal(t, 2, fetcher.callCount())

	// The refreshed entry is now served.
	agent.now = time.Now
	state, result = runRequest(t, agent, "/index.html")
	require.Equal(t, "hit", result.Status)
	require.Equal(t, "v2", string(state.Response.Body))
}

func TestAgentExpiredRefetchesSynchronously(t *testing.T) {
	fetcher := &stubFetcher{resp: okResponse("v1")}
	st := store.NewMemory(time.Hour)
	agent := newAgent(fetcher, st)

	base := time.Now()
	agent.now = func() time.Time { return base }
	runRequest(t, agent, "/index.html")

	fetcher.mu.Lock()
	fetcher.resp = okResponse("v2")
	fetcher.mu.Unlock()
	agent.now = func() time.Time { return base.Add(3700 * time.Second) }
	state, result := runRequest(t, agent, "/index.html")
	require.Equal(t, "miss", result.Status)
	require.Equal(t, pipeline.CacheStatusExpired, state.Cache.Status)
	require.Equal(t, Expired, state.Cache.Freshness)
	require.Equal(t, "v2", string(state.Response.Body))
	require.Equal(t, 2, fetcher.callCount())
}

func TestAgentBypassSkipsCache(t *testing.T) {
	fetcher := &stubFetcher{resp: okResponse("direct")}
	st := store.NewMemory(time.Minute)
	agent := newAgent(fetcher, st)

	r := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	state := pipeline.NewState(r, "test")
	state.CacheKey.Key = "GET:https://edge.example.com/index.html"
	state.Bypass.Bypassed = true

	result := agent.Execute(context.Background(), r, state)
	require.Equal(t, "bypass", result.Status)
	require.Equal(t, pipeline.CacheStatusBypass, state.Cache.Status)
	require.Equal(t, "direct", string(state.Response.Body))

	size, err := st.Size(context.Background())
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestAgentPostIsNotCached(t *testing.T) {
	fetcher := &stubFetcher{resp: okResponse("created")}
	st := store.NewMemory(time.Minute)
	agent := newAgent(fetcher, st)

	r := httptest.NewRequest(http.MethodPost, "/api/users", nil)
	state := pipeline.NewState(r, "test")
	state.CacheKey.Key = "POST:https://edge.example.com/api/users"

	result := agent.Execute(context.Background(), r, state)
	require.Equal(t, "bypass", result.Status)
	require.Equal(t, "uncacheable", result.Details)

	size, err := st.Size(context.Background())
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestAgentOriginErrorWithoutFallback(t *testing.T) {
	fetcher := &stubFetcher{err: context.DeadlineExceeded}
	agent := newAgent(fetcher, store.NewMemory(time.Minute))

	state, result := runRequest(t, agent, "/index.html")
	require.Equal(t, "error", result.Status)
	require.Equal(t, http.StatusBadGateway, state.Response.Status)
	require.NotEmpty(t, state.Upstream.Error)
}

func TestAgentOriginErrorServesExpiredEntry(t *testing.T) {
	fetcher := &stubFetcher{resp: okResponse("old")}
	st := store.NewMemory(time.Hour)
	agent := newAgent(fetcher, st)

	base := time.Now()
	agent.now = func() time.Time { return base }
	runRequest(t, agent, "/index.html")

	fetcher.mu.Lock()
	fetcher.err = context.DeadlineExceeded
	fetcher.mu.Unlock()
	agent.now = func() time.Time { return base.Add(5000 * time.Second) }
	state, result := runRequest(t, agent, "/index.html")
	require.Equal(t, "stale", result.Status)
	require.Equal(t, "origin error", result.Details)
	require.Equal(t, "old", string(state.Response.Body))
}

func TestAgentNonOKPassesThroughUncached(t *testing.T) {
	fetcher := &stubFetcher{resp: &origin.Response{
		Status:  http.StatusNotFound,
		Headers: http.Header{},
		Body:    []byte("nope"),
	}}
	st := store.NewMemory(time.Minute)
	agent := newAgent(fetcher, st)

	state, result := runRequest(t, agent, "/missing.html")
	require.Equal(t, "miss", result.Status)
	require.Equal(t, http.StatusNotFound, state.Response.Status)

	size, err := st.Size(context.Background())
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestAgentOriginTargetComposition(t *testing.T) {
	fetcher := &stubFetcher{resp: okResponse("ok")}
	agent := newAgent(fetcher, store.NewMemory(time.Minute))

	r := httptest.NewRequest(http.MethodGet, "/products?sort=asc", nil)
	state := pipeline.NewState(r, "test")
	state.CacheKey.Key = "GET:key"
	state.AB.RewrittenPath = "/products-b"
	state.AB.AppendParam = "exp=b"

	agent.Execute(context.Background(), r, state)
	require.Equal(t, []string{"http://origin.internal/products-b?sort=asc&exp=b"}, fetcher.targets)
}

func TestAgentOriginTargetSubdomainSwap(t *testing.T) {
	fetcher := &stubFetcher{resp: okResponse("ok")}
	cfg := config.CacheConfig{StaleWindowSeconds: 60}
	agent := New(cfg, "http://www.example.com", store.NewMemory(time.Minute), fetcher, nil, nil, nil, nil)

	r := httptest.NewRequest(http.MethodGet, "/landing", nil)
	state := pipeline.NewState(r, "test")
	state.CacheKey.Key = "GET:key"
	state.AB.Subdomain = "beta"

	agent.Execute(context.Background(), r, state)
	require.Equal(t, []string{"http://beta.example.com/landing"}, fetcher.targets)
}

func TestRevalidatorCoalescesPerKey(t *testing.T) {
	release := make(chan struct{})
	fetcher := &blockingFetcher{release: release, resp: okResponse("fresh")}
	st := store.NewMemory(time.Minute)
	revalidator := NewRevalidator(st, fetcher, 60, 0, nil, nil)

	refresh := Refresh{
		Key:    "GET:key",
		Method: http.MethodGet,
		Target: "http://origin.internal/page",
		Path:   "/page",
		Cached: &Entry{Status: 200, ETag: `"aa"`, Date: time.Now(), MaxAgeSeconds: 60},
	}
	require.True(t, revalidator.Schedule(refresh))
	require.False(t, revalidator.Schedule(refresh))
	close(release)
	revalidator.Wait()

	// The key is free again after completion.
	require.True(t, revalidator.Schedule(refresh))
	revalidator.Wait()
}

type blockingFetcher struct {
	release chan struct{}
	resp    *origin.Response
}

func (f *blockingFetcher) Fetch(context.Context, string, string, http.Header) (*origin.Response, error) {
	<-f.release
	return f.resp, nil
}

func TestRevalidatorNotModifiedKeepsBody(t *testing.T) {
	st := store.NewMemory(time.Minute)
	fetcher := &stubFetcher{resp: &origin.Response{
		Status:  http.StatusNotModified,
		Headers: http.Header{},
	}}
	revalidator := NewRevalidator(st, fetcher, 60, 0, nil, nil)

	cached := &Entry{
		Status:        http.StatusOK,
		Headers:       http.Header{"Content-Type": []string{"text/html"}},
		Body:          []byte("cached"),
		Date:          time.Now().Add(-2 * time.Hour),
		ETag:          `"aa"`,
		LastModified:  time.Now().Add(-2 * time.Hour),
		MaxAgeSeconds: 3600,
	}
	require.True(t, revalidator.Schedule(Refresh{
		Key:    "GET:key",
		Method: http.MethodGet,
		Target: "http://origin.internal/page",
		Path:   "/page",
		Cached: cached,
	}))
	revalidator.Wait()

	raw, found, err := st.Get(context.Background(), "GET:key")
	require.NoError(t, err)
	require.True(t, found)
	entry, err := DecodeEntry(raw)
	require.NoError(t, err)
	require.Equal(t, "cached", string(entry.Body))
	require.WithinDuration(t, time.Now(), entry.Date, 5*time.Second)

	// The refreshed copy is written to the store; the entry a racing
	// request may still be serving is left untouched.
	require.WithinDuration(t, time.Now().Add(-2*time.Hour), cached.Date, 5*time.Second)
}

func TestStorageTTLOutlastsStaleWindow(t *testing.T) {
	now := time.Now()
	entry := &Entry{Date: now, MaxAgeSeconds: 3600}

	ttl := entry.StorageTTL(60, now)
	staleSpan := entry.StaleUntil(60).Sub(now)

	// Entries stay in the store past the stale window so an origin
	// failure can still fall back to them.
	require.Greater(t, ttl, staleSpan)
	require.Equal(t, staleSpan+24*time.Hour, ttl)
}

func TestRevalidatorRejectsErrorStatus(t *testing.T) {
	st := store.NewMemory(time.Minute)
	fetcher := &stubFetcher{resp: &origin.Response{
		Status:  http.StatusServiceUnavailable,
		Headers: http.Header{"Content-Type": []string{"text/html"}},
		Body:    []byte("<h1>503</h1>"),
	}}
	revalidator := NewRevalidator(st, fetcher, 60, 0, nil, nil)

	cached := &Entry{
		Status:        http.StatusOK,
		Headers:       http.Header{"Content-Type": []string{"text/html"}},
		Body:          []byte("good"),
		Date:          time.Now().Add(-2 * time.Hour),
		MaxAgeSeconds: 3600,
	}
	encoded, err := cached.Encode()
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), "GET:key", encoded, time.Minute))

	require.True(t, revalidator.Schedule(Refresh{
		Key:    "GET:key",
		Method: http.MethodGet,
		Target: "http://origin.internal/page",
		Path:   "/page",
		Cached: cached,
	}))
	revalidator.Wait()

	// An origin failure never replaces a good entry.
	raw, found, err := st.Get(context.Background(), "GET:key")
	require.NoError(t, err)
	require.True(t, found)
	entry, err := DecodeEntry(raw)
	require.NoError(t, err)
	require.Equal(t, "good", string(entry.Body))
	require.Equal(t, http.StatusOK, entry.Status)
}
