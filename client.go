package featurehog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/featurehog/featurehog-go/pkg/flags"
)

// Client is the product-analytics client: it captures events into a
// batching pipeline and answers feature-flag lookups, locally when a
// personal API key and ruleset are available and remotely otherwise.
type Client struct {
	cfg    *Config
	logger zerolog.Logger

	transport Transport
	loader    *rulesetLoader
	evaluator *flags.Evaluator
	remote    *remoteFetcher
	cache     *flagCache
	shipper   *eventShipper
	sent      *sentFlagCache

	closed atomic.Bool
}

// New creates a client. When the configuration carries a personal API key
// the ruleset poller starts immediately.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.newLogger()

	transport := cfg.Transport
	if transport == nil {
		transport = NewHTTPTransport(cfg.RequestTimeout, cfg.MaxRetries, logger)
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
		loader:    newRulesetLoader(cfg, transport, logger),
		evaluator: flags.NewEvaluator(logger),
		remote:    newRemoteFetcher(cfg, transport, logger),
		cache:     newFlagCache(cfg),
		shipper:   newEventShipper(cfg, transport, logger),
		sent:      newSentFlagCache(cfg),
	}

	if cfg.PersonalAPIKey != "" {
		c.loader.Start()
	}

	logger.Info().
		Str("endpoint", cfg.Endpoint).
		Bool("local_evaluation", cfg.PersonalAPIKey != "").
		Int("flush_at", cfg.FlushAt).
		Dur("flush_interval", cfg.FlushInterval).
		Msg("Client initialized")

	return c, nil
}

// Capture enqueues an event. It reports false when the event was invalid,
// the client closed, or the queue full.
func (c *Client) Capture(distinctID, name string, properties map[string]interface{}) bool {
	return c.CaptureEvent(Event{
		Name:       name,
		DistinctID: distinctID,
		Properties: properties,
	})
}

// CaptureEvent enqueues a fully specified event.
func (c *Client) CaptureEvent(ev Event) bool {
	if c.closed.Load() {
		return false
	}
	if ev.DistinctID == "" || ev.Name == "" {
		c.logger.Warn().Str("event", ev.Name).Msg("Dropping event without distinct id or name")
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	props := c.enrichProperties(&ev, c.flagsForEvent(&ev))

	return c.shipper.Enqueue(apiEvent{
		Event:      ev.Name,
		Properties: props,
		Timestamp:  ev.Timestamp.UTC().Format(time.RFC3339),
	})
}

// Identify sets person properties for a distinct id.
func (c *Client) Identify(distinctID string, properties map[string]interface{}) bool {
	return c.CaptureEvent(Event{
		Name:       "$identify",
		DistinctID: distinctID,
		Properties: map[string]interface{}{"$set": properties},
	})
}

// Alias links a new distinct id to an existing one.
func (c *Client) Alias(distinctID, alias string) bool {
	return c.CaptureEvent(Event{
		Name:       "$create_alias",
		DistinctID: distinctID,
		Properties: map[string]interface{}{"distinct_id": distinctID, "alias": alias},
	})
}

// GroupIdentify sets properties on a group entity.
func (c *Client) GroupIdentify(groupType, groupKey string, properties map[string]interface{}) bool {
	return c.CaptureEvent(Event{
		Name:       "$groupidentify",
		DistinctID: "$" + groupType + "_" + groupKey,
		Properties: map[string]interface{}{
			"$group_type": groupType,
			"$group_key":  groupKey,
			"$group_set":  properties,
		},
	})
}

// GetFeatureFlag evaluates one flag for a distinct id. Local evaluation is
// tried first when a ruleset is loaded; an undecidable or unknown flag
// falls back to the remote endpoint unless OnlyEvaluateLocally is set, in
// which case it evaluates to false.
func (c *Client) GetFeatureFlag(ctx context.Context, key, distinctID string, opts *FlagOptions) (FlagValue, error) {
	if key == "" {
		return nil, errors.New("flag key is required")
	}
	if distinctID == "" {
		return nil, errors.New("distinct id is required")
	}

	o := opts.orDefault()
	identity := flags.Identity{
		DistinctID: distinctID,
		Properties: o.PersonProperties,
		Groups:     o.Groups,
	}

	if rs := c.loader.Current(); rs != nil {
		value, err := c.evaluator.Evaluate(rs, key, identity)
		switch {
		case err == nil:
			c.recordFlagCalled(distinctID, key, value, true, o)
			return value, nil
		case errors.Is(err, flags.ErrFlagNotFound), flags.IsInconclusive(err):
			c.logger.Debug().Err(err).Str("flag_key", key).Msg("Local evaluation undecided")
		default:
			return nil, err
		}
	}

	if o.OnlyEvaluateLocally {
		return false, nil
	}

	result, err := c.flagsForIdentity(ctx, distinctID, o.PersonProperties, o.Groups)
	if err != nil {
		c.logger.Warn().Err(err).Str("flag_key", key).Msg("Remote flag evaluation failed")
		c.recordFlagCalled(distinctID, key, nil, false, o)
		return nil, err
	}

	value := result.Flags[key]
	c.recordFlagCalled(distinctID, key, value, false, o)
	return value, nil
}

// IsFeatureEnabled reports whether a flag is on for a distinct id. Variant
// values count as enabled.
func (c *Client) IsFeatureEnabled(ctx context.Context, key, distinctID string, opts *FlagOptions) (bool, error) {
	value, err := c.GetFeatureFlag(ctx, key, distinctID, opts)
	if err != nil {
		return false, err
	}
	return flags.Truthy(value), nil
}

// GetFeatureFlagPayload returns the payload attached to the decided value
// of a flag, or "" when the flag has none.
func (c *Client) GetFeatureFlagPayload(ctx context.Context, key, distinctID string, opts *FlagOptions) (string, error) {
	if key == "" {
		return "", errors.New("flag key is required")
	}
	if distinctID == "" {
		return "", errors.New("distinct id is required")
	}

	o := opts.orDefault()
	identity := flags.Identity{
		DistinctID: distinctID,
		Properties: o.PersonProperties,
		Groups:     o.Groups,
	}

	if rs := c.loader.Current(); rs != nil {
		if flag, ok := rs.Flag(key); ok {
			value, err := c.evaluator.Evaluate(rs, key, identity)
			if err == nil {
				payload, _ := flag.Payload(value)
				return payload, nil
			}
		}
	}

	if o.OnlyEvaluateLocally {
		return "", nil
	}

	result, err := c.flagsForIdentity(ctx, distinctID, o.PersonProperties, o.Groups)
	if err != nil {
		return "", err
	}
	return result.Payloads[key], nil
}

// GetAllFlags evaluates every known flag for a distinct id. Flags the local
// evaluator could not decide are filled in from the remote endpoint, whose
// answers win on overlap.
func (c *Client) GetAllFlags(ctx context.Context, distinctID string, opts *FlagOptions) (map[string]FlagValue, error) {
	if distinctID == "" {
		return nil, errors.New("distinct id is required")
	}

	o := opts.orDefault()
	identity := flags.Identity{
		DistinctID: distinctID,
		Properties: o.PersonProperties,
		Groups:     o.Groups,
	}

	values := make(map[string]FlagValue)
	fallback := true
	if rs := c.loader.Current(); rs != nil {
		values, _, fallback = c.evaluator.EvaluateAll(rs, identity)
	}

	if !fallback || o.OnlyEvaluateLocally {
		return values, nil
	}

	result, err := c.flagsForIdentity(ctx, distinctID, o.PersonProperties, o.Groups)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Remote evaluation failed, returning locally decided flags")
		return values, err
	}
	for key, value := range result.Flags {
		values[key] = value
	}
	return values, nil
}

// ReloadFeatureFlags forces a ruleset fetch, restarting the poller if a
// quota stop had halted it.
func (c *Client) ReloadFeatureFlags(ctx context.Context) error {
	return c.loader.Refresh(ctx)
}

// Flush ships everything enqueued before the call, waiting until the batch
// is dispatched or ctx is done.
func (c *Client) Flush(ctx context.Context) error {
	return c.shipper.Flush(ctx)
}

// Close stops the poller and the shipper, draining the event queue once
// within the shutdown deadline.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.loader.Close()
	c.shipper.Close()
	c.logger.Info().Msg("Client closed")
	return nil
}

// flagsForIdentity fetches remote flag values through the flag cache.
func (c *Client) flagsForIdentity(ctx context.Context, distinctID string, personProperties map[string]interface{}, groups []Group) (*FlagsResult, error) {
	key := flagCacheKey(distinctID, personProperties, groups)
	result, _, err := c.cache.GetOrFetch(key, func() (*FlagsResult, error) {
		return c.remote.FetchFlags(ctx, distinctID, personProperties, groups)
	})
	return result, err
}

// recordFlagCalled emits the $feature_flag_called exposure event, at most
// once per (distinct id, flag, value) tuple within the dedup window.
func (c *Client) recordFlagCalled(distinctID, key string, value FlagValue, locallyEvaluated bool, o FlagOptions) {
	if o.DisableFlagEvents {
		return
	}
	if !c.sent.ShouldSend(distinctID, key, value) {
		return
	}
	enqueued := c.CaptureEvent(Event{
		Name:       eventFeatureFlagCalled,
		DistinctID: distinctID,
		Groups:     o.Groups,
		Properties: map[string]interface{}{
			"$feature_flag":          key,
			"$feature_flag_response": value,
			"locally_evaluated":      locallyEvaluated,
		},
	})
	if enqueued {
		c.sent.MarkSent(distinctID, key, value)
	}
}
