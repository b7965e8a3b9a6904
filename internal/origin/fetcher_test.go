package origin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClientFetchResolvesRelativeTargets(t *testing.T) {
	var gotPath, gotQuery, gotIfNoneMatch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotIfNoneMatch = r.Header.Get("If-None-Match")
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("origin body"))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, time.Second, nil)
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set("If-None-Match", `"abc"`)
	resp, err := client.Fetch(context.Background(), http.MethodGet, "/products?id=42", headers)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "/products", gotPath)
	require.Equal(t, "id=42", gotQuery)
	require.Equal(t, `"abc"`, gotIfNoneMatch)
	require.Equal(t, `"abc"`, resp.Headers.Get("ETag"))
	require.Equal(t, []byte("origin body"), resp.Body)
}

func TestClientFetchAbsoluteTargetBypassesBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := NewClient("http://unused.invalid", time.Second, nil)
	require.NoError(t, err)

	resp, err := client.Fetch(context.Background(), http.MethodGet, srv.URL+"/eu/products", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.Status)
}

func TestClientFetchTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, 20*time.Millisecond, nil)
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), http.MethodGet, "/slow", nil)
	require.Error(t, err)
}

func TestNewClientRejectsRelativeBase(t *testing.T) {
	_, err := NewClient("/not-absolute", time.Second, nil)
	require.Error(t, err)
}

func TestClientFetchRequiresTarget(t *testing.T) {
	client, err := NewClient("http://origin.example.com", time.Second, nil)
	require.NoError(t, err)
	_, err = client.Fetch(context.Background(), http.MethodGet, "   ", nil)
	require.Error(t, err)
}
