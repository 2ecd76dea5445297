package featurehog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// flagCache is a short-TTL cache over remote flag evaluation, keyed by the
// stable serialization of (distinct id, person properties, groups).
// Concurrent lookups for the same key collapse into one upstream request.
type flagCache struct {
	lru   *expirable.LRU[string, *FlagsResult]
	group singleflight.Group
}

func newFlagCache(cfg *Config) *flagCache {
	return &flagCache{
		lru: expirable.NewLRU[string, *FlagsResult](cfg.FlagCacheSize, nil, cfg.FlagCacheTTL),
	}
}

type flightResult struct {
	result *FlagsResult
	cached bool
}

// GetOrFetch returns the cached result for key, or runs fetch once on
// behalf of all concurrent callers and caches its result. hit reports
// whether the result came from the cache rather than a fetch.
func (c *flagCache) GetOrFetch(key string, fetch func() (*FlagsResult, error)) (result *FlagsResult, hit bool, err error) {
	if cached, ok := c.lru.Get(key); ok {
		return cached, true, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have populated the cache while this
		// caller waited on the flight lock.
		if cached, ok := c.lru.Get(key); ok {
			return flightResult{result: cached, cached: true}, nil
		}
		fetched, err := fetch()
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, fetched)
		return flightResult{result: fetched}, nil
	})
	if err != nil {
		return nil, false, err
	}
	fr := v.(flightResult)
	return fr.result, fr.cached, nil
}

// flagCacheKey builds the stable cache key: properties sorted by key, groups
// sorted by type then key, group properties sorted by key.
func flagCacheKey(distinctID string, properties map[string]interface{}, groups []Group) string {
	var b strings.Builder
	b.WriteString(distinctID)

	writeSortedProps(&b, properties)

	if len(groups) > 0 {
		sorted := make([]Group, len(groups))
		copy(sorted, groups)
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].Type != sorted[j].Type {
				return sorted[i].Type < sorted[j].Type
			}
			return sorted[i].Key < sorted[j].Key
		})
		for _, g := range sorted {
			b.WriteString("|g:")
			b.WriteString(g.Type)
			b.WriteByte('=')
			b.WriteString(g.Key)
			writeSortedProps(&b, g.Properties)
		}
	}

	return b.String()
}

func writeSortedProps(b *strings.Builder, props map[string]interface{}) {
	if len(props) == 0 {
		return
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("|p:")
		b.WriteString(k)
		b.WriteByte('=')
		writeStableValue(b, props[k])
	}
}

func writeStableValue(b *strings.Builder, v interface{}) {
	switch value := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(value))
		for k := range value {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte(':')
			writeStableValue(b, value[k])
			b.WriteByte(',')
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for _, item := range value {
			writeStableValue(b, item)
			b.WriteByte(',')
		}
		b.WriteByte(']')
	default:
		fmt.Fprintf(b, "%v", value)
	}
}
