package featurehog

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records every request and answers through a swappable
// handler. The zero handler returns 200 with an empty body.
type fakeTransport struct {
	mu       sync.Mutex
	handler  func(req *Request) (*Response, error)
	requests []*Request
}

func (f *fakeTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		return &Response{Status: 200, Body: []byte(`{}`)}, nil
	}
	return handler(req)
}

func (f *fakeTransport) setHandler(h func(req *Request) (*Response, error)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) recorded() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// batches decodes every /batch/ request seen so far.
func (f *fakeTransport) batches(t *testing.T) [][]apiEvent {
	t.Helper()
	var out [][]apiEvent
	for _, req := range f.recorded() {
		if req.Method != "POST" || !strings.HasSuffix(req.URL, "/batch/") {
			continue
		}
		var payload batchPayload
		require.NoError(t, json.Unmarshal(req.Body, &payload))
		out = append(out, payload.Batch)
	}
	return out
}

func shipperConfig(mutate func(*Config)) *Config {
	cfg := DefaultConfig()
	cfg.ProjectAPIKey = "test-project-key"
	nop := zerolog.Nop()
	cfg.Logger = &nop
	cfg.FlushInterval = time.Hour
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func testEvent(name string) apiEvent {
	return apiEvent{
		Event:      name,
		Properties: map[string]interface{}{"distinct_id": "user-1"},
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

func TestShipperFlushAtThreshold(t *testing.T) {
	transport := &fakeTransport{}
	cfg := shipperConfig(func(c *Config) { c.FlushAt = 20 })
	s := newEventShipper(cfg, transport, zerolog.Nop())
	defer s.Close()

	for i := 0; i < 25; i++ {
		require.True(t, s.Enqueue(testEvent("threshold test")))
	}

	require.Eventually(t, func() bool {
		return len(transport.batches(t)) >= 1
	}, 2*time.Second, 10*time.Millisecond, "hitting flushAt should trigger a batch")

	batches := transport.batches(t)
	assert.Len(t, batches[0], 20)

	// The remaining five wait for the next trigger.
	require.NoError(t, s.Flush(context.Background()))
	batches = transport.batches(t)
	require.Len(t, batches, 2)
	assert.Len(t, batches[1], 5)
}

func TestShipperIntervalFlush(t *testing.T) {
	transport := &fakeTransport{}
	cfg := shipperConfig(func(c *Config) {
		c.FlushAt = 100
		c.FlushInterval = 50 * time.Millisecond
	})
	s := newEventShipper(cfg, transport, zerolog.Nop())
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Enqueue(testEvent("interval test"))
	}

	require.Eventually(t, func() bool {
		batches := transport.batches(t)
		return len(batches) == 1 && len(batches[0]) == 3
	}, 2*time.Second, 10*time.Millisecond, "partial batch should ship on the interval")
}

func TestShipperSplitsOversizedBatches(t *testing.T) {
	transport := &fakeTransport{}
	cfg := shipperConfig(func(c *Config) {
		c.FlushAt = 50
		c.MaxBatchSize = 10
	})
	s := newEventShipper(cfg, transport, zerolog.Nop())
	defer s.Close()

	for i := 0; i < 25; i++ {
		s.Enqueue(testEvent("split test"))
	}
	require.NoError(t, s.Flush(context.Background()))

	batches := transport.batches(t)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[1], 10)
	assert.Len(t, batches[2], 5)
}

func TestShipperEnqueueNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	transport := &fakeTransport{}
	transport.setHandler(func(req *Request) (*Response, error) {
		<-release
		return &Response{Status: 200, Body: []byte(`{}`)}, nil
	})

	cfg := shipperConfig(func(c *Config) {
		c.FlushAt = 1
		c.MaxQueueSize = 2
	})
	s := newEventShipper(cfg, transport, zerolog.Nop())
	defer func() {
		close(release)
		s.Close()
	}()

	// The first event sends the consumer into the blocked transport; the
	// queue then fills and overflow is reported, not waited out.
	s.Enqueue(testEvent("blocker"))
	require.Eventually(t, func() bool {
		return len(transport.recorded()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	accepted := 0
	for i := 0; i < 10; i++ {
		if s.Enqueue(testEvent("overflow")) {
			accepted++
		}
	}
	assert.LessOrEqual(t, accepted, cfg.MaxQueueSize)
}

func TestShipperCloseDrainsQueue(t *testing.T) {
	transport := &fakeTransport{}
	cfg := shipperConfig(func(c *Config) { c.FlushAt = 100 })
	s := newEventShipper(cfg, transport, zerolog.Nop())

	for i := 0; i < 7; i++ {
		s.Enqueue(testEvent("shutdown test"))
	}
	s.Close()

	batches := transport.batches(t)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 7)
}

func TestShipperFlushAfterClose(t *testing.T) {
	transport := &fakeTransport{}
	s := newEventShipper(shipperConfig(nil), transport, zerolog.Nop())
	s.Close()

	assert.Error(t, s.Flush(context.Background()))
}

func TestShipperDropsFailedBatch(t *testing.T) {
	transport := &fakeTransport{}
	transport.setHandler(func(req *Request) (*Response, error) {
		return &Response{Status: 400, Body: []byte(`{"error":"bad"}`)}, nil
	})

	cfg := shipperConfig(func(c *Config) { c.FlushAt = 1 })
	s := newEventShipper(cfg, transport, zerolog.Nop())
	defer s.Close()

	s.Enqueue(testEvent("rejected"))
	require.NoError(t, s.Flush(context.Background()))

	// The rejected batch is gone; a later flush does not resend it.
	before := len(transport.recorded())
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, before, len(transport.recorded()))
}
