package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tsarna/hubline/pkg/hubline/o11y"
	"go.uber.org/zap"
)

// DefaultReconnectDelay is the fixed wait between a transport failure and the
// next connection attempt.
const DefaultReconnectDelay = 5 * time.Second

// TokenProvider returns the bearer token presented to the hub. It is called
// before every connection attempt so that refreshed tokens are picked up on
// reconnect. An empty token means no Authorization header is sent.
type TokenProvider func(ctx context.Context) (string, error)

// ManagerBuilder provides a fluent interface for building a Manager.
type ManagerBuilder struct {
	hubURL         string
	httpClient     *http.Client
	tokenProvider  TokenProvider
	reconnectDelay time.Duration
	logger         *zap.Logger
	monitor        Monitor
	headers        http.Header
	metrics        o11y.MetricsProvider
}

func NewManager() *ManagerBuilder {
	return &ManagerBuilder{
		reconnectDelay: DefaultReconnectDelay,
		logger:         zap.NewNop(),
	}
}

// WithURL sets the hub subscribe endpoint, e.g. https://hub.example.com/.well-known/mercure
func (b *ManagerBuilder) WithURL(hubURL string) *ManagerBuilder {
	b.hubURL = hubURL
	return b
}

// WithHTTPClient sets the client used for streaming requests. It must not
// have a Timeout, since streams are long-lived.
func (b *ManagerBuilder) WithHTTPClient(client *http.Client) *ManagerBuilder {
	b.httpClient = client
	return b
}

func (b *ManagerBuilder) WithTokenProvider(provider TokenProvider) *ManagerBuilder {
	b.tokenProvider = provider
	return b
}

// WithToken sets a static bearer token.
func (b *ManagerBuilder) WithToken(token string) *ManagerBuilder {
	b.tokenProvider = func(ctx context.Context) (string, error) {
		return token, nil
	}
	return b
}

func (b *ManagerBuilder) WithReconnectDelay(delay time.Duration) *ManagerBuilder {
	b.reconnectDelay = delay
	return b
}

func (b *ManagerBuilder) WithLogger(logger *zap.Logger) *ManagerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithMonitor sets an optional monitor that is told about every connect and disconnect.
func (b *ManagerBuilder) WithMonitor(monitor Monitor) *ManagerBuilder {
	b.monitor = monitor
	return b
}

// WithHeader adds a header sent with every subscribe request.
func (b *ManagerBuilder) WithHeader(key, value string) *ManagerBuilder {
	if b.headers == nil {
		b.headers = make(http.Header)
	}
	b.headers.Set(key, value)
	return b
}

func (b *ManagerBuilder) WithMetrics(provider o11y.MetricsProvider) *ManagerBuilder {
	b.metrics = provider
	return b
}

// IsValid checks that all required configuration is present.
func (b *ManagerBuilder) IsValid() error {
	if b.hubURL == "" {
		return fmt.Errorf("hub URL is required")
	}

	u, err := url.Parse(b.hubURL)
	if err != nil {
		return fmt.Errorf("invalid hub URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("hub URL must be http or https, got %q", u.Scheme)
	}

	if b.reconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive, got %s", b.reconnectDelay)
	}

	return nil
}

func (b *ManagerBuilder) Build() (*Manager, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	hubURL, _ := url.Parse(b.hubURL)

	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	m := &Manager{
		hubURL:         hubURL,
		httpClient:     httpClient,
		tokenProvider:  b.tokenProvider,
		reconnectDelay: b.reconnectDelay,
		logger:         b.logger,
		monitor:        b.monitor,
		headers:        b.headers.Clone(),
		subscriptions:  make(map[string]*subscription),
	}
	m.setupMetrics(b.metrics)

	return m, nil
}
