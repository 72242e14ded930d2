package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gojektech/heimdall/v6"
	"github.com/gojektech/heimdall/v6/httpclient"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"go.uber.org/zap"
)

// Publisher posts events to a hub's publish endpoint. Requests are retried
// with a constant backoff on transport errors and 5xx responses.
type Publisher struct {
	hubURL        string
	http          *httpclient.Client
	tokenProvider TokenProvider
	logger        *zap.Logger
}

type PublisherBuilder struct {
	hubURL        string
	tokenProvider TokenProvider
	timeout       time.Duration
	retries       int
	retryDelay    time.Duration
	logger        *zap.Logger
	doer          heimdall.Doer
}

func NewPublisher() *PublisherBuilder {
	return &PublisherBuilder{
		timeout:    10 * time.Second,
		retries:    2,
		retryDelay: 200 * time.Millisecond,
		logger:     zap.NewNop(),
	}
}

// WithURL sets the hub publish endpoint, e.g. https://hub.example.com/.well-known/mercure
func (b *PublisherBuilder) WithURL(hubURL string) *PublisherBuilder {
	b.hubURL = hubURL
	return b
}

func (b *PublisherBuilder) WithTokenProvider(provider TokenProvider) *PublisherBuilder {
	b.tokenProvider = provider
	return b
}

// WithToken sets a static publisher token.
func (b *PublisherBuilder) WithToken(token string) *PublisherBuilder {
	b.tokenProvider = func(ctx context.Context) (string, error) {
		return token, nil
	}
	return b
}

func (b *PublisherBuilder) WithTimeout(timeout time.Duration) *PublisherBuilder {
	b.timeout = timeout
	return b
}

func (b *PublisherBuilder) WithRetries(count int, delay time.Duration) *PublisherBuilder {
	b.retries = count
	b.retryDelay = delay
	return b
}

func (b *PublisherBuilder) WithLogger(logger *zap.Logger) *PublisherBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *PublisherBuilder) WithDoer(doer heimdall.Doer) *PublisherBuilder {
	b.doer = doer
	return b
}

func (b *PublisherBuilder) IsValid() error {
	if b.hubURL == "" {
		return fmt.Errorf("hub URL is required")
	}
	u, err := url.Parse(b.hubURL)
	if err != nil {
		return fmt.Errorf("invalid hub URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("hub URL must be http or https, got %q", b.hubURL)
	}
	if b.tokenProvider == nil {
		return fmt.Errorf("a publisher token is required")
	}
	if b.retries < 0 {
		return fmt.Errorf("retry count must not be negative, got %d", b.retries)
	}
	if b.timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", b.timeout)
	}
	return nil
}

func (b *PublisherBuilder) Build() (*Publisher, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	backoff := heimdall.NewConstantBackoff(b.retryDelay, 5*time.Millisecond)
	options := []httpclient.Option{
		httpclient.WithHTTPTimeout(b.timeout),
		httpclient.WithRetrier(heimdall.NewRetrier(backoff)),
		httpclient.WithRetryCount(b.retries),
	}
	if b.doer != nil {
		options = append(options, httpclient.WithHTTPClient(b.doer))
	}

	return &Publisher{
		hubURL:        b.hubURL,
		http:          httpclient.NewClient(options...),
		tokenProvider: b.tokenProvider,
		logger:        b.logger,
	}, nil
}

// Publish sends ev to topics and returns the ID the hub assigned. If id is
// non-empty it is used as the event ID.
func (p *Publisher) Publish(ctx context.Context, topics []string, ev event.Event, id string) (string, error) {
	if len(topics) == 0 {
		return "", ErrNoTopics
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	form := url.Values{}
	for _, topic := range topics {
		form.Add("topic", topic)
	}
	form.Set("data", string(data))
	if id != "" {
		form.Set("id", id)
	}

	token, err := p.tokenProvider(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get publisher token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.hubURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to publish: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("failed to read publish response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s", &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}, publishError(body))
	}

	eventID := strings.TrimSpace(string(body))
	p.logger.Debug("Published event", zap.String("id", eventID), zap.String("type", ev.Type), zap.Strings("topics", topics))
	return eventID, nil
}

func publishError(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
