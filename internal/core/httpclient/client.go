// Package httpclient configures the HTTP client used for http layers, plain
// layer images and the remote rendering engine, each behind a breaker.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mohammed-shakir/tileforge/internal/core/observability"
)

const maxBody = 32 << 20

// NewOutbound creates a new outbound http client
func NewOutbound(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

type Response struct {
	Body        []byte
	ContentType string
	Status      int
}

// StatusError is a non-2xx upstream answer.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s answered %d", e.URL, e.Status)
}

type BreakerConfig struct {
	FailureThreshold uint32
	Timeout          time.Duration
	MaxRequests      uint32
}

// Fetcher issues requests through a circuit breaker. Client errors (4xx)
// do not count against the breaker.
type Fetcher struct {
	name   string
	client *http.Client
	cb     *gobreaker.CircuitBreaker[*Response]
}

func NewFetcher(name string, c *http.Client, bc BreakerConfig) *Fetcher {
	if bc.FailureThreshold == 0 {
		bc.FailureThreshold = 5
	}
	if bc.Timeout <= 0 {
		bc.Timeout = 30 * time.Second
	}
	if bc.MaxRequests == 0 {
		bc.MaxRequests = 1
	}
	observability.SetBreakerState(name, int(gobreaker.StateClosed))
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: bc.MaxRequests,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Status < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			observability.SetBreakerState(name, int(to))
		},
	}
	return &Fetcher{name: name, client: c, cb: gobreaker.NewCircuitBreaker[*Response](settings)}
}

// Do sends req and returns the buffered body of a 2xx answer.
func (f *Fetcher) Do(req *http.Request) (*Response, error) {
	return f.cb.Execute(func() (*Response, error) {
		start := time.Now()
		resp, err := f.client.Do(req)
		observability.ObserveUpstreamLatency(f.name, time.Since(start).Seconds())
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", req.URL.Redacted(), err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{URL: req.URL.Redacted(), Status: resp.StatusCode}
		}
		return &Response{Body: body, ContentType: resp.Header.Get("Content-Type"), Status: resp.StatusCode}, nil
	})
}

func (f *Fetcher) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return f.Do(req)
}

// State is the breaker state name, for logs and readiness.
func (f *Fetcher) State() string { return f.cb.State().String() }
