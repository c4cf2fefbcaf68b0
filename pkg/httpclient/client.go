package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Config holds the retry policy for the client.
type Config struct {
	// RequestTimeout bounds a single attempt.
	RequestTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
	// InitialInterval seeds the exponential backoff between attempts.
	InitialInterval time.Duration
	// MaxInterval caps the backoff between attempts.
	MaxInterval time.Duration
}

// NewConfigDefaults provides a config with sensible defaults, overridable via
// environment variables.
func NewConfigDefaults() *Config {
	cfg := &Config{
		RequestTimeout:  10 * time.Second,
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
	if mr := os.Getenv("HTTP_CLIENT_MAX_RETRIES"); mr != "" {
		if val, err := strconv.ParseUint(mr, 10, 32); err == nil {
			cfg.MaxRetries = val
		}
	}
	if rt := os.Getenv("HTTP_CLIENT_REQUEST_TIMEOUT"); rt != "" {
		if val, err := time.ParseDuration(rt); err == nil {
			cfg.RequestTimeout = val
		}
	}
	return cfg
}

// Client is the HTTP capability handed to plugins. Do blocks and retries with
// exponential backoff; FireAndForget starts the request in a detached goroutine
// and never retries. Async-mode plugins are expected to use FireAndForget so
// their dispatch group stays bounded in time.
type Client struct {
	httpClient *http.Client
	cfg        *Config
	logger     zerolog.Logger
}

// New creates a Client. A nil cfg uses NewConfigDefaults.
func New(cfg *Config, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = NewConfigDefaults()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		cfg:        cfg,
		logger:     logger.With().Str("component", "HTTPClient").Logger(),
	}
}

// Do executes the request, retrying transport errors and 5xx/429 responses with
// exponential backoff. Other responses, including 4xx, are returned as-is for
// the caller to inspect. Requests with a body must set GetBody (http.NewRequest
// does this for common body types) so attempts can be replayed.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	attempt := 0

	operation := func() error {
		attemptReq, err := c.cloneForAttempt(req, attempt)
		attempt++
		if err != nil {
			return backoff.Permanent(err)
		}

		r, err := c.httpClient.Do(attemptReq)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Str("url", req.URL.String()).Msg("Request attempt failed.")
			return err
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			// Drain so the connection can be reused before the retry.
			_, _ = io.Copy(io.Discard, r.Body)
			_ = r.Body.Close()
			c.logger.Warn().Int("status", r.StatusCode).Int("attempt", attempt).Str("url", req.URL.String()).Msg("Retryable status received.")
			return fmt.Errorf("server returned status %d", r.StatusCode)
		}
		resp = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialInterval
	policy.MaxInterval = c.cfg.MaxInterval

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.cfg.MaxRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("request to %s failed after retries: %w", req.URL.String(), err)
	}
	return resp, nil
}

// FireAndForget starts the request in a detached goroutine. The response is
// discarded and failures are logged, never returned or retried.
func (c *Client) FireAndForget(ctx context.Context, req *http.Request) {
	go func() {
		resp, err := c.httpClient.Do(req.WithContext(context.WithoutCancel(ctx)))
		if err != nil {
			c.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Fire-and-forget request failed.")
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		c.logger.Debug().Int("status", resp.StatusCode).Str("url", req.URL.String()).Msg("Fire-and-forget request completed.")
	}()
}

// cloneForAttempt returns the request to send for the given attempt. Retries
// need a fresh body, so the request is cloned and GetBody replayed.
func (c *Client) cloneForAttempt(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 0 {
		return req, nil
	}
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body for retry: %w", err)
		}
		clone.Body = body
	}
	return clone, nil
}
