package featurehog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// eventShipper owns the bounded event queue and the background goroutine
// that batches and ships it. Enqueue never blocks: when the queue is full
// the event is dropped and the caller told so.
type eventShipper struct {
	cfg       *Config
	transport Transport
	logger    zerolog.Logger

	queue   chan apiEvent
	flushCh chan chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	stopOnce sync.Once
	dropped  atomic.Uint64
}

func newEventShipper(cfg *Config, transport Transport, logger zerolog.Logger) *eventShipper {
	s := &eventShipper{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With().Str("component", "event_shipper").Logger(),
		queue:     make(chan apiEvent, cfg.MaxQueueSize),
		flushCh:   make(chan chan struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue places one event on the queue. It reports false when the queue is
// full and the event was dropped; back-pressure is never propagated to the
// caller.
func (s *eventShipper) Enqueue(ev apiEvent) bool {
	select {
	case s.queue <- ev:
		return true
	default:
		n := s.dropped.Add(1)
		if n == 1 || n%1000 == 0 {
			s.logger.Warn().
				Uint64("dropped_total", n).
				Int("queue_size", s.cfg.MaxQueueSize).
				Msg("Event queue full, dropping event")
		}
		return false
	}
}

// run is the single consumer of the queue. Batches go out when flushAt
// events have accumulated, when the flush interval elapses, on explicit
// flush, and once more on shutdown.
func (s *eventShipper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]apiEvent, 0, s.cfg.FlushAt)

	for {
		select {
		case ev := <-s.queue:
			pending = append(pending, ev)
			if len(pending) >= s.cfg.FlushAt {
				pending = s.ship(pending)
				ticker.Reset(s.cfg.FlushInterval)
			}

		case <-ticker.C:
			pending = s.drainInto(pending)
			if len(pending) > 0 {
				pending = s.ship(pending)
			}

		case ack := <-s.flushCh:
			pending = s.ship(s.drainInto(pending))
			close(ack)

		case <-s.stopCh:
			s.ship(s.drainInto(pending))
			return
		}
	}
}

// drainInto moves everything currently queued into pending without
// blocking.
func (s *eventShipper) drainInto(pending []apiEvent) []apiEvent {
	for {
		select {
		case ev := <-s.queue:
			pending = append(pending, ev)
		default:
			return pending
		}
	}
}

// ship sends pending in batches of at most MaxBatchSize and returns the
// emptied slice for reuse. A failed batch is logged and dropped; the
// transport owns retries.
func (s *eventShipper) ship(pending []apiEvent) []apiEvent {
	for start := 0; start < len(pending); start += s.cfg.MaxBatchSize {
		end := start + s.cfg.MaxBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		s.sendBatch(pending[start:end])
	}
	return pending[:0]
}

func (s *eventShipper) sendBatch(events []apiEvent) {
	if len(events) == 0 {
		return
	}

	payload := batchPayload{
		APIKey:               s.cfg.ProjectAPIKey,
		HistoricalMigrations: false,
		Batch:                events,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(events)).Msg("Failed to marshal batch, dropping")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.transport.Send(ctx, &Request{
		Method: http.MethodPost,
		URL:    s.cfg.Endpoint + "/batch/",
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: body,
	})
	if err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(events)).Msg("Batch send failed, dropping batch")
		return
	}
	if resp.Status < 200 || resp.Status >= 300 {
		s.logger.Error().Int("status", resp.Status).Int("batch_size", len(events)).Msg("Batch rejected, dropping batch")
		return
	}

	s.logger.Debug().Int("batch_size", len(events)).Msg("Batch sent")
}

// Flush drains the queue and ships everything enqueued before the call. It
// returns early if ctx is done first.
func (s *eventShipper) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case s.flushCh <- ack:
	case <-s.stopCh:
		return fmt.Errorf("shipper is shut down")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the shipper after one final drain, waiting up to the shutdown
// deadline.
func (s *eventShipper) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	select {
	case <-s.doneCh:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn().Msg("Shutdown deadline elapsed before final drain completed")
	}
}
