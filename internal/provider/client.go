package provider

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/control"
)

// Generation defaults sent with every request.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 500
	DefaultTimeout     = 30 * time.Second
)

// Endpoint describes one OpenAI-compatible chat-completions backend.
type Endpoint struct {
	Name    string
	URL     string
	Model   string
	KeyEnv  string
	Headers map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the endpoint URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url = strings.TrimSpace(url); url != "" {
			c.endpoint.URL = url
		}
	}
}

// WithHTTPClient replaces the HTTP client. Its Timeout bounds each attempt.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetryPolicy overrides the attempt count and backoff bounds.
func WithRetryPolicy(p control.RetryPolicy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithGeneration overrides temperature and max output tokens.
func WithGeneration(temperature float64, maxTokens int) Option {
	return func(c *Client) {
		c.temperature = temperature
		c.maxTokens = maxTokens
	}
}

// Client is the shared retrying caller behind every backend. Each backend only
// supplies its Endpoint.
type Client struct {
	endpoint    Endpoint
	apiKey      atomic.Pointer[string]
	httpClient  *http.Client
	retry       control.RetryPolicy
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

// NewClient builds a Client for endpoint authenticated with apiKey. An empty
// key leaves the client unconfigured.
func NewClient(endpoint Endpoint, apiKey string, opts ...Option) *Client {
	c := &Client{
		endpoint:    endpoint,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		retry:       control.DefaultRetryPolicy(),
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		logger:      slog.Default(),
	}
	c.SetAPIKey(apiKey)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string  { return c.endpoint.Name }
func (c *Client) Model() string { return c.endpoint.Model }

// KeyEnv names the configuration key holding this backend's credential.
func (c *Client) KeyEnv() string { return c.endpoint.KeyEnv }

// SetAPIKey swaps the credential. An empty key unconfigures the client for
// subsequent calls; calls already in flight keep the key they started with.
func (c *Client) SetAPIKey(key string) {
	key = strings.TrimSpace(key)
	c.apiKey.Store(&key)
}

func (c *Client) key() string {
	if p := c.apiKey.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Client) IsConfigured() bool {
	return c.key() != ""
}

// SendMessage posts messages to the backend, retrying rate limits, server
// errors, timeouts and empty replies with exponential backoff. It never returns an
// error; every outcome is a Result.
func (c *Client) SendMessage(ctx context.Context, messages []ctxpkg.Message) Result {
	key := c.key()
	if key == "" {
		return Failure(c.endpoint.Name, c.endpoint.KeyEnv+" is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		attempt int
		out     completion
		status  int
	)
	op := func() error {
		attempt++
		res, err := c.complete(ctx, key, messages)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) {
				status = se.Status
			}
			if ctx.Err() != nil || !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		status = http.StatusOK
		out = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("provider attempt failed, retrying",
			"provider", c.endpoint.Name,
			"attempt", attempt,
			"max_attempts", c.retry.MaxAttempts,
			"wait", wait,
			"err", err,
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(c.retry.NewBackOff(), ctx), notify)
	if err != nil {
		c.logger.Error("provider call failed",
			"provider", c.endpoint.Name,
			"attempts", attempt,
			"status", status,
			"err", err,
		)
		res := Failure(c.endpoint.Name, failureMessage(err))
		res.Status = status
		return res
	}

	model := c.endpoint.Model
	if model == "" {
		model = out.Model
	}
	return Result{
		Success:  true,
		Content:  out.Content,
		Model:    model,
		Provider: c.endpoint.Name,
		Usage:    out.Usage,
		Status:   status,
	}
}

// retryable reports whether err is worth another attempt: 429, any 5xx, an
// empty reply or a timed-out request.
func retryable(err error) bool {
	if errors.Is(err, errEmptyContent) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	return false
}

func failureMessage(err error) string {
	var se *statusError
	if errors.As(err, &se) {
		if se.Status == http.StatusTooManyRequests {
			return RateLimitedMessage
		}
		if se.Message != "" {
			return se.Message
		}
		return GenericFailureText
	}
	return GenericFailureText
}
