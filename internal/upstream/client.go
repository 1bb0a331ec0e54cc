// Package upstream is the HTTP client used to reach external collaborators
// such as the billing provider and the worker-instance driver. Calls go
// through a circuit breaker and a retry policy.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/glimte/mmate-gateway/internal/reliability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("upstream: circuit breaker is open")

// StatusError reports a non 2xx response.
type StatusError struct {
	Status  int
	Message string
	Body    []byte
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Request is one upstream call.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
}

// Client calls one upstream base URL.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	retry   reliability.RetryPolicy
	auth    func(*http.Request)
	logger  *slog.Logger

	threshold   uint32
	openTimeout time.Duration
	registerer  prometheus.Registerer
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithBasicAuth authenticates every call with user and password.
func WithBasicAuth(user, password string) Option {
	return func(c *Client) {
		c.auth = func(r *http.Request) { r.SetBasicAuth(user, password) }
	}
}

// WithBearerToken authenticates every call with a bearer token.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.auth = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
	}
}

// WithBreaker sets the minimum request count before the breaker may trip and
// how long it stays open.
func WithBreaker(threshold int, openTimeout time.Duration) Option {
	return func(c *Client) {
		if threshold > 0 {
			c.threshold = uint32(threshold)
		}
		c.openTimeout = openTimeout
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(c *Client) {
		c.retry = policy
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics registers breaker transition metrics with registerer.
func WithMetrics(registerer prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = registerer
	}
}

// NewClient creates a client named name for baseURL.
func NewClient(name, baseURL string, options ...Option) *Client {
	c := &Client{
		name:        name,
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: 30 * time.Second},
		logger:      slog.Default(),
		threshold:   5,
		openTimeout: 30 * time.Second,
		retry: reliability.NewExponentialBackoff(200*time.Millisecond, 2*time.Second, 2, 2).
			WithClassifier(isTransient),
	}
	for _, opt := range options {
		opt(c)
	}

	var transitions *prometheus.CounterVec
	if c.registerer != nil {
		transitions = c.transitionCounter()
	}

	threshold := c.threshold
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    c.openTimeout,
		Timeout:     c.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= threshold && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			if transitions != nil {
				transitions.WithLabelValues(name, from.String(), to.String()).Inc()
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *StatusError
			return errors.As(err, &se) && !se.Temporary()
		},
	})
	return c
}

// transitionCounter registers the shared transition counter. Clients for
// different upstreams on one registry share the collector.
func (c *Client) transitionCounter() *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "upstream_breaker_transitions_total",
		Help:      "Circuit breaker state changes per upstream.",
	}, []string{"name", "from", "to"})
	if err := c.registerer.Register(counter); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		c.logger.Warn("failed to register breaker metrics", "name", c.name, "error", err)
		return nil
	}
	return counter
}

// State returns the breaker state.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

func isTransient(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// Do performs req and returns the response body of a 2xx reply.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	var body []byte
	err := reliability.Retry(ctx, c.name+" "+req.Method+" "+req.Path, c.retry, func() error {
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.roundTrip(ctx, req)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, c.name)
		}
		if err != nil {
			return err
		}
		body = res.([]byte)
		return nil
	})
	if err != nil {
		c.logger.Debug("upstream call failed", "upstream", c.name, "method", req.Method, "path", req.Path, "error", err)
		var re *reliability.RetryError
		if errors.As(err, &re) {
			return nil, re.LastError
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) roundTrip(ctx context.Context, req Request) ([]byte, error) {
	target := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	var reader io.Reader
	if req.Body != nil {
		reader = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, reliability.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	if req.ContentType != "" {
		hr.Header.Set("Content-Type", req.ContentType)
	}
	hr.Header.Set("Accept", "application/json")
	if c.auth != nil {
		c.auth(hr)
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, Message: errorMessage(payload), Body: payload}
	}
	return payload, nil
}

// errorMessage extracts {"error":{"message"}}, {"error":"..."} or
// {"message":"..."} from an error body.
func errorMessage(body []byte) string {
	var probe struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(body, &probe) != nil {
		return ""
	}
	if len(probe.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(probe.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		var s string
		if json.Unmarshal(probe.Error, &s) == nil && s != "" {
			return s
		}
	}
	return probe.Message
}

// JSON sends in as a JSON body (when not nil) and decodes the reply into out
// (when not nil).
func (c *Client) JSON(ctx context.Context, method, path string, in, out any) error {
	req := Request{Method: method, Path: path}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		req.Body = b
		req.ContentType = "application/json"
	}
	body, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.name, err)
	}
	return nil
}
