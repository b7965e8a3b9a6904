package flags

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	values  map[string]bool
	err     error
	lookups int
}

func (p *countingProvider) Lookup(_ context.Context, name string) (bool, bool, error) {
	p.lookups++
	if p.err != nil {
		return false, false, p.err
	}
	value, ok := p.values[name]
	return value, ok, nil
}

func TestResolverCachesWithinTTL(t *testing.T) {
	provider := &countingProvider{values: map[string]bool{GeoRoutingEnabled: true}}
	resolver := NewResolver(provider, nil)

	now := time.Unix(1700000000, 0)
	resolver.now = func() time.Time { return now }

	require.True(t, resolver.Enabled(context.Background(), GeoRoutingEnabled, false))
	require.True(t, resolver.Enabled(context.Background(), GeoRoutingEnabled, false))
	require.Equal(t, 1, provider.lookups, "second call should hit the cache")

	now = now.Add(6 * time.Minute)
	require.True(t, resolver.Enabled(context.Background(), GeoRoutingEnabled, false))
	require.Equal(t, 2, provider.lookups, "expired entry should refetch")
}

func TestResolverUnknownFlagFallsBackToDefault(t *testing.T) {
	provider := &countingProvider{values: map[string]bool{}}
	resolver := NewResolver(provider, nil)

	require.True(t, resolver.Enabled(context.Background(), "unheard_of", true))
	require.False(t, resolver.Enabled(context.Background(), "unheard_of", false))
	require.Equal(t, 1, provider.lookups, "unknown flags are cached too")
}

func TestResolverProviderErrorUsesDefaultThenLastKnown(t *testing.T) {
	provider := &countingProvider{err: errors.New("backend down")}
	resolver := NewResolver(provider, nil)

	require.True(t, resolver.Enabled(context.Background(), SWREnabled, true))
	require.False(t, resolver.Enabled(context.Background(), SWREnabled, false))

	// A successful fetch followed by TTL expiry and an error keeps serving
	// the last known value.
	provider.err = nil
	provider.values = map[string]bool{SWREnabled: true}
	now := time.Unix(1700000000, 0)
	resolver.now = func() time.Time { return now }
	require.True(t, resolver.Enabled(context.Background(), SWREnabled, false))

	now = now.Add(10 * time.Minute)
	provider.err = errors.New("backend down again")
	require.True(t, resolver.Enabled(context.Background(), SWREnabled, false))
}

func TestResolverInvalidate(t *testing.T) {
	provider := &countingProvider{values: map[string]bool{ABTestingEnabled: true}}
	resolver := NewResolver(provider, nil)

	require.True(t, resolver.Enabled(context.Background(), ABTestingEnabled, false))
	resolver.Invalidate()
	require.True(t, resolver.Enabled(context.Background(), ABTestingEnabled, false))
	require.Equal(t, 2, provider.lookups)
}

func TestStaticProviderCopiesOverrides(t *testing.T) {
	source := map[string]bool{RateLimitingEnabled: true}
	provider := NewStaticProvider(source)
	source[RateLimitingEnabled] = false

	value, known, err := provider.Lookup(context.Background(), RateLimitingEnabled)
	require.NoError(t, err)
	require.True(t, known)
	require.True(t, value)
}
