package featurehog

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/featurehog/featurehog-go/pkg/flags"
)

// enrichProperties builds the final property bag for an event: configured
// super-properties first, then the event's own properties, then group
// bindings and flag enrichment, with library-reserved fields last-wins.
func (c *Client) enrichProperties(ev *Event, flagValues map[string]FlagValue) map[string]interface{} {
	props := make(map[string]interface{}, len(ev.Properties)+len(c.cfg.SuperProperties)+8)

	for k, v := range c.cfg.SuperProperties {
		props[k] = v
	}
	for k, v := range ev.Properties {
		props[k] = v
	}

	if len(ev.Groups) > 0 {
		groups := make(map[string]interface{}, len(ev.Groups))
		for _, g := range ev.Groups {
			groups[g.Type] = g.Key
		}
		props["$groups"] = groups
	}

	if len(flagValues) > 0 {
		active := make([]string, 0, len(flagValues))
		for key, value := range flagValues {
			props["$feature/"+key] = value
			if flags.Truthy(value) {
				active = append(active, key)
			}
		}
		sort.Strings(active)
		props["$active_feature_flags"] = active
	}

	props["distinct_id"] = ev.DistinctID
	props["$lib"] = libName
	props["$lib_version"] = Version
	props["$insert_id"] = uuid.NewString()
	if *c.cfg.DisableGeoIP {
		props["$geoip_disable"] = true
	}

	return props
}

// flagsForEvent resolves the flag values injected into a captured event,
// per the event's SendFeatureFlags setting.
func (c *Client) flagsForEvent(ev *Event) map[string]FlagValue {
	if ev.SendFeatureFlags {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FeatureFlagRequestTimeout)
		defer cancel()
		result, err := c.flagsForIdentity(ctx, ev.DistinctID, nil, ev.Groups)
		if err != nil {
			c.logger.Warn().Err(err).Str("event", ev.Name).Msg("Flag enrichment failed, capturing without flags")
			return nil
		}
		return result.Flags
	}

	// Local-only enrichment: free when a ruleset is loaded, skipped for the
	// exposure event itself to avoid recursion.
	if ev.Name == eventFeatureFlagCalled {
		return nil
	}
	rs := c.loader.Current()
	if rs == nil || len(rs.Flags) == 0 {
		return nil
	}
	identity := flags.Identity{DistinctID: ev.DistinctID, Groups: ev.Groups}
	values, _, _ := c.evaluator.EvaluateAll(rs, identity)
	return values
}

// sentFlagCache dedups $feature_flag_called events per
// (distinct id, flag key, value) tuple within a sliding TTL window. It is
// size-bounded; the least recently seen tuples evict first.
type sentFlagCache struct {
	lru *expirable.LRU[string, struct{}]
}

func newSentFlagCache(cfg *Config) *sentFlagCache {
	return &sentFlagCache{
		lru: expirable.NewLRU[string, struct{}](
			cfg.FeatureFlagSentCacheSizeLimit, nil, cfg.FeatureFlagSentCacheSlidingExpiry),
	}
}

// ShouldSend reports whether this tuple has not been seen within the TTL.
// A repeat observation slides the expiry forward. The tuple is only marked
// seen by MarkSent, so a dropped exposure event does not suppress the next
// attempt.
func (s *sentFlagCache) ShouldSend(distinctID, flagKey string, value FlagValue) bool {
	key := sentFlagKey(distinctID, flagKey, value)
	if _, seen := s.lru.Get(key); seen {
		s.lru.Add(key, struct{}{})
		return false
	}
	return true
}

// MarkSent records the tuple after its exposure event was enqueued.
func (s *sentFlagCache) MarkSent(distinctID, flagKey string, value FlagValue) {
	s.lru.Add(sentFlagKey(distinctID, flagKey, value), struct{}{})
}

func sentFlagKey(distinctID, flagKey string, value FlagValue) string {
	return fmt.Sprintf("%s:%s:%v", distinctID, flagKey, value)
}
