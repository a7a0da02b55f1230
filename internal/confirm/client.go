package confirm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client (5 s timeout).
func WithHTTPClient(hc *http.Client) ClientOption { return func(c *Client) { c.http = hc } }

// WithPolicy sets the thresholds used for fallback results.
func WithPolicy(p Policy) ClientOption { return func(c *Client) { c.policy = p.withDefaults() } }

// WithBreaker guards the server with a circuit breaker built from cfg.
func WithBreaker(cfg resilience.CircuitBreakerConfig) ClientOption {
	return func(c *Client) {
		if cfg.Name == "" {
			cfg.Name = "confirm"
		}
		c.breaker = resilience.NewCircuitBreaker(cfg)
	}
}

// WithMetrics records confirmations on m.
func WithMetrics(m *observe.Metrics) ClientOption { return func(c *Client) { c.metrics = m } }

// Client calls a confirmation server.
type Client struct {
	endpoint string
	http     *http.Client
	policy   Policy
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
}

// NewClient returns a Client posting to endpoint. An empty endpoint yields a
// client that always falls back.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 5 * time.Second},
		policy:   DefaultPolicy(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "confirm", MaxFailures: 3, ResetTimeout: 30 * time.Second,
		})
	}
	return c
}

// Breaker exposes the client's circuit breaker for status reporting.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// Confirm asks the server to verify req. It never fails: when the server is
// not configured or errors, the result uses [MethodClientFallback] and its
// Err wraps [ErrUnreachable].
func (c *Client) Confirm(ctx context.Context, req Request) Result {
	ctx, span := observe.StartSpan(ctx, "confirm.request",
		trace.WithAttributes(
			attribute.String("confirm.wake_word", req.WakeWord),
			attribute.Float64("confirm.client_score", req.Confidence),
			attribute.Int("confirm.samples", len(req.Samples)),
		),
	)
	defer span.End()

	start := time.Now()
	res := c.confirm(ctx, req)
	if c.metrics != nil {
		c.metrics.RecordConfirmation(ctx, string(res.Method), res.Confirmed, time.Since(start).Seconds())
	}

	span.SetAttributes(
		attribute.String("confirm.method", string(res.Method)),
		attribute.Bool("confirm.confirmed", res.Confirmed),
	)
	observe.FailSpan(span, res.Err)
	return res
}

func (c *Client) confirm(ctx context.Context, req Request) Result {
	if c.endpoint == "" {
		return c.policy.Fallback(req.Confidence, fmt.Errorf("%w: no server configured", ErrUnreachable))
	}

	var res Result
	err := c.breaker.Execute(func() error {
		var callErr error
		res, callErr = c.post(ctx, req)
		return callErr
	})
	if err != nil && ctx.Err() != nil {
		slog.Debug("confirm: request cancelled, using client score", "wake_word", req.WakeWord, "err", err)
		return c.policy.Fallback(req.Confidence, fmt.Errorf("%w: %w", ErrUnreachable, err))
	}
	if err != nil {
		slog.Warn("confirm: server unavailable, using client score",
			"wake_word", req.WakeWord, "client_score", req.Confidence, "err", err)
		return c.policy.Fallback(req.Confidence, fmt.Errorf("%w: %w", ErrUnreachable, err))
	}
	return res
}

func (c *Client) post(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(encodeRequest(req))
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		return Result{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, eb.Error)
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	switch res.Method {
	case MethodServerConfirmed, MethodClientOnly, MethodClientFallback:
	default:
		return Result{}, fmt.Errorf("decode response: unknown method %q", res.Method)
	}
	return res, nil
}
