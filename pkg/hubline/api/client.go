// Package api is a client for the marketplace backend endpoints the real-time
// layer relies on: fetching hub tokens and the side-effecting calls (send a
// message, mark read, join a stream...) that cause the backend to publish events.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gojektech/heimdall/v6"
	"github.com/gojektech/heimdall/v6/httpclient"
	"go.uber.org/zap"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Error is returned for responses with a status of 400 or above.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// AuthorizationProvider returns the Authorization header value for a request,
// e.g. "Bearer <session token>". An empty value sends no header.
type AuthorizationProvider func(ctx context.Context) (string, error)

// Client calls the marketplace API. Requests are retried with a constant
// backoff on transport errors and 5xx responses.
type Client struct {
	baseURL *url.URL
	http    *httpclient.Client
	auth    AuthorizationProvider
	logger  *zap.Logger
}

type ClientBuilder struct {
	baseURL    string
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	auth       AuthorizationProvider
	logger     *zap.Logger
	doer       heimdall.Doer
}

func NewClient() *ClientBuilder {
	return &ClientBuilder{
		timeout:    10 * time.Second,
		retries:    2,
		retryDelay: 200 * time.Millisecond,
		logger:     zap.NewNop(),
	}
}

// WithBaseURL sets the backend origin, e.g. https://marketplace.example.com
func (b *ClientBuilder) WithBaseURL(baseURL string) *ClientBuilder {
	b.baseURL = baseURL
	return b
}

func (b *ClientBuilder) WithTimeout(timeout time.Duration) *ClientBuilder {
	b.timeout = timeout
	return b
}

// WithRetries sets how many times a failed request is retried and the
// constant delay between attempts.
func (b *ClientBuilder) WithRetries(count int, delay time.Duration) *ClientBuilder {
	b.retries = count
	b.retryDelay = delay
	return b
}

func (b *ClientBuilder) WithAuthorizationProvider(provider AuthorizationProvider) *ClientBuilder {
	b.auth = provider
	return b
}

// WithAuthorization sets a static Authorization header value.
func (b *ClientBuilder) WithAuthorization(value string) *ClientBuilder {
	b.auth = func(ctx context.Context) (string, error) {
		return value, nil
	}
	return b
}

func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDoer replaces the underlying HTTP client, mostly for tests.
func (b *ClientBuilder) WithDoer(doer heimdall.Doer) *ClientBuilder {
	b.doer = doer
	return b
}

func (b *ClientBuilder) IsValid() error {
	if b.baseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base URL must be absolute, got %q", b.baseURL)
	}
	if b.retries < 0 {
		return fmt.Errorf("retry count must not be negative, got %d", b.retries)
	}
	if b.timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", b.timeout)
	}
	return nil
}

func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	baseURL, _ := url.Parse(strings.TrimRight(b.baseURL, "/"))

	backoff := heimdall.NewConstantBackoff(b.retryDelay, 5*time.Millisecond)
	options := []httpclient.Option{
		httpclient.WithHTTPTimeout(b.timeout),
		httpclient.WithRetrier(heimdall.NewRetrier(backoff)),
		httpclient.WithRetryCount(b.retries),
	}
	if b.doer != nil {
		options = append(options, httpclient.WithHTTPClient(b.doer))
	}

	return &Client{
		baseURL: baseURL,
		http:    httpclient.NewClient(options...),
		auth:    b.auth,
		logger:  b.logger,
	}, nil
}

// do sends a JSON request and decodes a JSON response into out, if non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	endpoint := c.baseURL.String() + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.auth != nil {
		authValue, err := c.auth(ctx)
		if err != nil {
			return fmt.Errorf("failed to get authorization: %w", err)
		}
		if authValue != "" {
			req.Header.Set("Authorization", authValue)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("API request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("API request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= http.StatusBadRequest {
		return &Error{StatusCode: resp.StatusCode, Message: errorMessage(resp.Status, respBody)}
	}

	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}

	return nil
}

func errorMessage(status string, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return status
}

func pathf(format string, ids ...string) string {
	escaped := make([]any, len(ids))
	for i, id := range ids {
		escaped[i] = url.PathEscape(id)
	}
	return fmt.Sprintf(format, escaped...)
}
