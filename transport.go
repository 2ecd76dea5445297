package featurehog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Request is an HTTP request as seen by the core.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the portion of an HTTP response the core consumes.
type Response struct {
	Status int
	ETag   string
	Body   []byte
}

// Transport ships requests to the ingestion service. Implementations own
// the retry policy; they must not retry silently on 4xx responses.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// httpTransport is the default transport: net/http with exponential backoff
// on network errors and 5xx responses.
type httpTransport struct {
	client     *http.Client
	maxRetries uint64
	logger     zerolog.Logger
}

// NewHTTPTransport creates the default retrying transport.
func NewHTTPTransport(timeout time.Duration, maxRetries uint64, logger zerolog.Logger) Transport {
	return &httpTransport{
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		logger:     logger.With().Str("component", "transport").Logger(),
	}
}

func (t *httpTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	attempt := func() (*Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		httpReq.Header.Set("User-Agent", libName+"/"+Version)
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := t.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("send %s %s: %w", req.Method, req.URL, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("server error %d from %s", resp.StatusCode, req.URL)
		}

		return &Response{
			Status: resp.StatusCode,
			ETag:   resp.Header.Get("ETag"),
			Body:   body,
		}, nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), t.maxRetries), ctx)

	resp, err := backoff.RetryNotifyWithData(attempt, policy, func(err error, next time.Duration) {
		t.logger.Debug().Err(err).Dur("retry_in", next).Msg("Request failed, retrying")
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
