package featurehog

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheConfig(ttl time.Duration) *Config {
	cfg := DefaultConfig()
	cfg.ProjectAPIKey = "test-project-key"
	cfg.FlagCacheTTL = ttl
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func TestFlagCacheHit(t *testing.T) {
	c := newFlagCache(cacheConfig(time.Minute))

	var calls atomic.Int32
	fetch := func() (*FlagsResult, error) {
		calls.Add(1)
		return &FlagsResult{Flags: map[string]FlagValue{"f": true}}, nil
	}

	first, hit, err := c.GetOrFetch("user-1", fetch)
	require.NoError(t, err)
	assert.False(t, hit)

	second, hit, err := c.GetOrFetch("user-1", fetch)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFlagCacheTTLExpiry(t *testing.T) {
	c := newFlagCache(cacheConfig(30 * time.Millisecond))

	var calls atomic.Int32
	fetch := func() (*FlagsResult, error) {
		calls.Add(1)
		return &FlagsResult{Flags: map[string]FlagValue{}}, nil
	}

	_, _, err := c.GetOrFetch("user-1", fetch)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, hit, err := c.GetOrFetch("user-1", fetch)
		return err == nil && !hit && calls.Load() == 2
	}, 2*time.Second, 20*time.Millisecond, "entry should expire after the TTL")
}

func TestFlagCacheCollapsesConcurrentFetches(t *testing.T) {
	c := newFlagCache(cacheConfig(time.Minute))

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func() (*FlagsResult, error) {
		calls.Add(1)
		<-release
		return &FlagsResult{Flags: map[string]FlagValue{"f": "variant-a"}}, nil
	}

	const n = 8
	results := make([]*FlagsResult, n)
	hits := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, hit, err := c.GetOrFetch("user-1", fetch)
			assert.NoError(t, err)
			results[i] = r
			hits[i] = hit
		}(i)
	}

	// Give every goroutine time to join the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent callers share one fetch")
	for i, r := range results {
		assert.Same(t, results[0], r)
		assert.False(t, hits[i], "a collapsed fetch is not a cache hit")
	}

	_, hit, err := c.GetOrFetch("user-1", fetch)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestFlagCacheErrorNotCached(t *testing.T) {
	c := newFlagCache(cacheConfig(time.Minute))

	var calls atomic.Int32
	failing := func() (*FlagsResult, error) {
		calls.Add(1)
		return nil, errors.New("upstream down")
	}

	_, _, err := c.GetOrFetch("user-1", failing)
	require.Error(t, err)
	_, _, err = c.GetOrFetch("user-1", failing)
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFlagCacheKeyStability(t *testing.T) {
	a := flagCacheKey("user-1",
		map[string]interface{}{"plan": "pro", "seats": float64(10)},
		[]Group{{Type: "company", Key: "acme"}, {Type: "project", Key: "p1"}})
	b := flagCacheKey("user-1",
		map[string]interface{}{"seats": float64(10), "plan": "pro"},
		[]Group{{Type: "project", Key: "p1"}, {Type: "company", Key: "acme"}})
	assert.Equal(t, a, b, "key must not depend on map or slice order")

	assert.NotEqual(t, a, flagCacheKey("user-2",
		map[string]interface{}{"plan": "pro", "seats": float64(10)},
		[]Group{{Type: "company", Key: "acme"}, {Type: "project", Key: "p1"}}))

	assert.NotEqual(t, a, flagCacheKey("user-1",
		map[string]interface{}{"plan": "free", "seats": float64(10)},
		[]Group{{Type: "company", Key: "acme"}, {Type: "project", Key: "p1"}}))
}

func TestFlagCacheKeyNestedValues(t *testing.T) {
	a := flagCacheKey("user-1", map[string]interface{}{
		"prefs": map[string]interface{}{"theme": "dark", "lang": "en"},
		"tags":  []interface{}{"a", "b"},
	}, nil)
	b := flagCacheKey("user-1", map[string]interface{}{
		"prefs": map[string]interface{}{"lang": "en", "theme": "dark"},
		"tags":  []interface{}{"a", "b"},
	}, nil)
	assert.Equal(t, a, b)

	c := flagCacheKey("user-1", map[string]interface{}{
		"prefs": map[string]interface{}{"lang": "en", "theme": "light"},
		"tags":  []interface{}{"a", "b"},
	}, nil)
	assert.NotEqual(t, a, c)
}
