package featurehog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/featurehog/featurehog-go/pkg/flags"
)

// rulesetLoader polls the local-evaluation endpoint and publishes the
// decoded ruleset through an atomic pointer. Rulesets are never mutated
// after publication; readers snapshot the pointer and keep it for the whole
// call.
type rulesetLoader struct {
	cfg       *Config
	transport Transport
	logger    zerolog.Logger

	ruleset atomic.Pointer[flags.Ruleset]

	mu      sync.Mutex
	etag    string
	started bool
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newRulesetLoader(cfg *Config, transport Transport, logger zerolog.Logger) *rulesetLoader {
	return &rulesetLoader{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With().Str("component", "ruleset_loader").Logger(),
	}
}

// Current returns the latest published ruleset, or nil before the first
// successful fetch.
func (l *rulesetLoader) Current() *flags.Ruleset {
	return l.ruleset.Load()
}

// Start launches the polling goroutine. It is idempotent: at most one
// poller runs per loader.
func (l *rulesetLoader) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.closed {
		return
	}
	l.started = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.run(l.stopCh, l.doneCh)
}

func (l *rulesetLoader) run(stop, done chan struct{}) {
	defer close(done)

	if quota := l.poll(); quota {
		l.halt()
		return
	}

	ticker := time.NewTicker(l.cfg.FeatureFlagPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if quota := l.poll(); quota {
				l.halt()
				return
			}
		}
	}
}

// halt marks the poller stopped so a later Refresh can restart it. Used on
// the quota-limited path only.
func (l *rulesetLoader) halt() {
	l.mu.Lock()
	l.started = false
	l.mu.Unlock()
}

// poll performs one fetch and reports whether polling must stop because the
// project is quota limited. Any failure is contained here so the poller
// survives to the next tick.
func (l *rulesetLoader) poll() (quota bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("Ruleset poll panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.RequestTimeout)
	defer cancel()

	quota, err := l.fetch(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Ruleset fetch failed, keeping current ruleset")
	}
	return quota
}

// Refresh forces a fetch and restarts polling if the quota stop had halted
// it.
func (l *rulesetLoader) Refresh(ctx context.Context) error {
	_, err := l.fetch(ctx)
	l.Start()
	return err
}

// fetch issues one conditional GET and atomically swaps in the new ruleset
// on 200. It reports quota=true on a quota-limited response.
func (l *rulesetLoader) fetch(ctx context.Context) (quota bool, err error) {
	endpoint := fmt.Sprintf("%s/api/feature_flag/local_evaluation/?token=%s&send_cohorts=true",
		l.cfg.Endpoint, url.QueryEscape(l.cfg.ProjectAPIKey))

	headers := map[string]string{
		"Authorization": "Bearer " + l.cfg.PersonalAPIKey,
		"Accept":        "application/json",
	}
	l.mu.Lock()
	if l.etag != "" {
		headers["If-None-Match"] = l.etag
	}
	l.mu.Unlock()

	resp, err := l.transport.Send(ctx, &Request{
		Method:  http.MethodGet,
		URL:     endpoint,
		Headers: headers,
	})
	if err != nil {
		return false, fmt.Errorf("local evaluation request: %w", err)
	}

	switch resp.Status {
	case http.StatusNotModified:
		if resp.ETag != "" {
			l.setETag(resp.ETag)
		}
		l.logger.Debug().Msg("Ruleset not modified")
		return false, nil

	case http.StatusOK:
		var rs flags.Ruleset
		if err := json.Unmarshal(resp.Body, &rs); err != nil {
			// Keep serving the prior ruleset; drop the ETag so the next
			// poll gets a full body again.
			l.setETag("")
			return false, fmt.Errorf("decode ruleset: %w", err)
		}
		rs.Index()
		l.ruleset.Store(&rs)
		l.setETag(resp.ETag)
		l.logger.Debug().
			Int("flags", len(rs.Flags)).
			Int("cohorts", len(rs.Cohorts)).
			Str("etag", resp.ETag).
			Msg("Ruleset updated")
		return false, nil

	case http.StatusPaymentRequired:
		l.setETag("")
		l.logger.Warn().Msg("Feature flags quota limited, stopping ruleset polling until next refresh")
		return true, nil

	default:
		return false, fmt.Errorf("local evaluation endpoint returned status %d", resp.Status)
	}
}

func (l *rulesetLoader) setETag(etag string) {
	l.mu.Lock()
	l.etag = etag
	l.mu.Unlock()
}

// Close stops the poller and waits for it to exit.
func (l *rulesetLoader) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	started := l.started
	stop, done := l.stopCh, l.doneCh
	l.started = false
	l.mu.Unlock()

	if started {
		close(stop)
		<-done
	}
}
