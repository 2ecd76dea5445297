package featurehog

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds the client configuration.
type Config struct {
	// ProjectAPIKey is the write token used on capture and flag endpoints.
	// Required.
	ProjectAPIKey string
	// PersonalAPIKey enables local flag evaluation; without it every flag
	// lookup goes to the remote endpoint.
	PersonalAPIKey string
	// Endpoint is the ingestion host.
	Endpoint string

	// Capture pipeline.
	FlushAt         int
	FlushInterval   time.Duration
	MaxBatchSize    int
	MaxQueueSize    int
	RequestTimeout  time.Duration
	MaxRetries      uint64
	ShutdownTimeout time.Duration

	// Feature flags.
	FeatureFlagPollInterval   time.Duration
	FeatureFlagRequestTimeout time.Duration
	FlagCacheSize             int
	FlagCacheTTL              time.Duration

	// $feature_flag_called dedup cache.
	FeatureFlagSentCacheSizeLimit       int
	FeatureFlagSentCacheSlidingExpiry   time.Duration
	FeatureFlagSentCacheCompactionShare float64

	// SuperProperties are merged into every captured event.
	SuperProperties map[string]interface{}
	// DisableGeoIP controls the $geoip_disable property. Defaults to true
	// for server-side use.
	DisableGeoIP *bool

	// Transport overrides the default retrying HTTP transport.
	Transport Transport

	// Logging. A nil Logger means one is built from LogLevel.
	LogLevel string
	Logger   *zerolog.Logger
}

// DefaultConfig returns a configuration with sensible defaults. The project
// API key still has to be set.
func DefaultConfig() *Config {
	cfg := &Config{
		Endpoint: "https://us.i.posthog.com",

		FlushAt:         20,
		FlushInterval:   30 * time.Second,
		MaxBatchSize:    100,
		MaxQueueSize:    10000,
		RequestTimeout:  10 * time.Second,
		MaxRetries:      3,
		ShutdownTimeout: 5 * time.Second,

		FeatureFlagPollInterval:   30 * time.Second,
		FeatureFlagRequestTimeout: 3 * time.Second,
		FlagCacheSize:             1000,
		FlagCacheTTL:              10 * time.Second,

		FeatureFlagSentCacheSizeLimit:       50000,
		FeatureFlagSentCacheSlidingExpiry:   10 * time.Minute,
		FeatureFlagSentCacheCompactionShare: 0.2,

		LogLevel: "info",
	}
	return cfg
}

// Validate checks required fields and fills zero values with defaults.
func (c *Config) Validate() error {
	if c.ProjectAPIKey == "" {
		return fmt.Errorf("project API key is required")
	}

	if c.Endpoint == "" {
		c.Endpoint = "https://us.i.posthog.com"
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")

	if c.FlushAt <= 0 {
		c.FlushAt = 20
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 10000
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}

	if c.FeatureFlagPollInterval <= 0 {
		c.FeatureFlagPollInterval = 30 * time.Second
	}
	if c.FeatureFlagRequestTimeout <= 0 {
		c.FeatureFlagRequestTimeout = 3 * time.Second
	}
	if c.FlagCacheSize <= 0 {
		c.FlagCacheSize = 1000
	}
	if c.FlagCacheTTL <= 0 {
		c.FlagCacheTTL = 10 * time.Second
	}

	if c.FeatureFlagSentCacheSizeLimit <= 0 {
		c.FeatureFlagSentCacheSizeLimit = 50000
	}
	if c.FeatureFlagSentCacheSlidingExpiry <= 0 {
		c.FeatureFlagSentCacheSlidingExpiry = 10 * time.Minute
	}
	if c.FeatureFlagSentCacheCompactionShare <= 0 || c.FeatureFlagSentCacheCompactionShare >= 1 {
		c.FeatureFlagSentCacheCompactionShare = 0.2
	}

	if c.DisableGeoIP == nil {
		disabled := true
		c.DisableGeoIP = &disabled
	}

	return nil
}

// ConfigFromEnv builds a Config from FEATUREHOG_* environment variables,
// e.g. FEATUREHOG_PROJECT_API_KEY and FEATUREHOG_FLUSH_INTERVAL.
func ConfigFromEnv() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEATUREHOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultConfig()

	cfg.ProjectAPIKey = v.GetString("project_api_key")
	cfg.PersonalAPIKey = v.GetString("personal_api_key")
	if s := v.GetString("endpoint"); s != "" {
		cfg.Endpoint = s
	}

	if n := v.GetInt("flush_at"); n > 0 {
		cfg.FlushAt = n
	}
	if d := v.GetDuration("flush_interval"); d > 0 {
		cfg.FlushInterval = d
	}
	if n := v.GetInt("max_batch_size"); n > 0 {
		cfg.MaxBatchSize = n
	}
	if n := v.GetInt("max_queue_size"); n > 0 {
		cfg.MaxQueueSize = n
	}
	if d := v.GetDuration("feature_flag_poll_interval"); d > 0 {
		cfg.FeatureFlagPollInterval = d
	}
	if s := v.GetString("log_level"); s != "" {
		cfg.LogLevel = s
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger derives the client logger from the configuration, using an
// explicitly provided logger when there is one.
func (c *Config) newLogger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.NewConsoleWriter()).
		With().Timestamp().Str("lib", libName).Logger().
		Level(level)
}
