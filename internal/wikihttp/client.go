// Package wikihttp wraps outbound HTTP access to wiki hosts with rate
// limiting, timeouts and typed failures.
package wikihttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/sagastream/canon-crawler/internal/ratelimit"
)

// Config holds HTTP client parameters.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Client issues single-shot GET requests. It does not retry; retries are
// the caller's responsibility, applied to the whole higher-level operation.
type Client struct {
	http      *http.Client
	limiter   *ratelimit.Limiter
	userAgent string
	logger    *zap.Logger
}

// New constructs a Client. The limiter may be nil for unpaced access
// (tests); the logger may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "canon-crawler/1.0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   limiter,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Get performs one rate-limited GET and returns the response body. A non-2xx
// status yields a *StatusError; network failures yield a *TransportError.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	target := rawURL
	if len(params) > 0 {
		target = rawURL + "?" + params.Encode()
	}

	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	return body, nil
}

// GetJSON performs a GET and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, params url.Values, out any) error {
	body, err := c.Get(ctx, rawURL, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", rawURL, err)
	}
	return nil
}
