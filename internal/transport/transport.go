// Package transport is the HTTP client the sync engine and CLI use to reach
// the authoritative server. Every request carries a timeout, honours context
// cancellation and passes through a circuit breaker.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 10 * time.Second

// ErrUnavailable wraps failures that mean the server could not be reached:
// network errors, timeouts and an open breaker.
var ErrUnavailable = errors.New("transport: server unavailable")

// ErrServer wraps 5xx replies.
var ErrServer = errors.New("transport: server error")

// Class groups replies by how the caller should react.
type Class int

const (
	ClassSuccess Class = iota
	ClassConflict
	ClassClientError
	ClassRetryable
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassConflict:
		return "conflict"
	case ClassClientError:
		return "client_error"
	default:
		return "retryable"
	}
}

// Response is a fully read HTTP reply.
type Response struct {
	Status int
	Body   []byte
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Classify maps a Do result to a Class. Any error is retryable.
func Classify(resp *Response, err error) Class {
	if err != nil || resp == nil {
		return ClassRetryable
	}
	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return ClassSuccess
	case resp.Status == http.StatusConflict:
		return ClassConflict
	case resp.Status >= 400 && resp.Status < 500:
		return ClassClientError
	default:
		return ClassRetryable
	}
}

// Settings configures a Client.
type Settings struct {
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithStateChange registers a callback for breaker state changes.
func WithStateChange(fn func(from, to gobreaker.State)) Option {
	return func(c *Client) { c.onState = fn }
}

// Client talks JSON over HTTP to one base URL.
type Client struct {
	base    string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*Response]
	logger  *zap.Logger
	onState func(from, to gobreaker.State)
}

// New creates a client for baseURL.
func New(baseURL string, st Settings, opts ...Option) *Client {
	if st.Timeout <= 0 {
		st.Timeout = DefaultTimeout
	}
	if st.BreakerFailures == 0 {
		st.BreakerFailures = 5
	}
	if st.BreakerTimeout <= 0 {
		st.BreakerTimeout = 30 * time.Second
	}
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		timeout: st.Timeout,
		http:    &http.Client{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("transport")

	failures := st.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "linecook-server",
		MaxRequests: 1,
		Timeout:     st.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if c.onState != nil {
				c.onState(from, to)
			}
		},
	})
	return c
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.base
}

// BreakerState reports the breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Do sends one request. A reply of any status is returned with a nil error,
// except 5xx replies which also return an error wrapping ErrServer. Failures
// to reach the server wrap ErrUnavailable.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	resp, err := c.breaker.Execute(func() (*Response, error) {
		return c.roundTrip(ctx, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s %s: %v", ErrUnavailable, method, path, err)
	}
	resp := &Response{Status: httpResp.StatusCode, Body: data}
	if resp.Status >= 500 {
		return resp, fmt.Errorf("%w: %s %s returned %d", ErrServer, method, path, resp.Status)
	}
	return resp, nil
}

// Get fetches path and decodes a 2xx body into v.
func (c *Client) Get(ctx context.Context, path string, v any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	return c.finish(resp, err, v)
}

// Post sends v as JSON and decodes a 2xx body into out when out is non-nil.
func (c *Client) Post(ctx context.Context, path string, v any, out any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp, err := c.Do(ctx, http.MethodPost, path, body)
	return c.finish(resp, err, out)
}

// StatusError is returned by Get and Post for non-2xx replies.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, strings.TrimSpace(e.Body))
}

func (c *Client) finish(resp *Response, err error, out any) error {
	if err != nil && resp == nil {
		return err
	}
	if Classify(resp, nil) != ClassSuccess {
		return &StatusError{Status: resp.Status, Body: string(resp.Body)}
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// Healthy probes GET /health.
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := c.Do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrServer, resp.Status)
	}
	return nil
}
