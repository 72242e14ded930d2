package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/hubline/pkg/hubline/bridge"
	"github.com/tsarna/hubline/pkg/hubline/bus"
	"github.com/tsarna/hubline/pkg/hubline/config"
	"github.com/tsarna/hubline/pkg/hubline/hub"
	"github.com/tsarna/hubline/pkg/hubline/otel"
	"github.com/tsarna/hubline/pkg/hubline/subutils"
	"go.uber.org/zap"
)

var serverCmd = &cobra.Command{
	Use:   "server [config-files-or-directories...]",
	Short: "Start the hub server",
	Long: `Start the hub with the given HCL configuration files or directories.

The configuration needs a hub block. A redis block links this instance with
other hub instances, and a stats block publishes periodic statistics.

Examples:
  hubline server hub.hcl
  hubline server ./configs/
  hubline server --env-file .env hub.hcl redis.hcl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runServer,
}

var (
	envFiles    []string
	traceEvents bool
)

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringSliceVar(&envFiles, "env-file", nil, ".env files to load before reading the configuration")
	serverCmd.Flags().BoolVar(&traceEvents, "trace-events", false, "log every event passing through the hub")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting hubline server",
		zap.Strings("config-paths", args),
		zap.String("version", Version),
	)

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithDotEnv(envFiles...).
		WithSources(stringSliceToAnySlice(args)...).
		Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Any("diags", diags))
		return diags
	}
	if cfg.Hub == nil {
		return fmt.Errorf("configuration has no hub block")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var provider *otel.Provider
	busBuilder := bus.NewEventBus().WithLogger(logger).WithName("hub")
	if cfg.Hub.Metrics {
		provider = otel.NewProvider("hubline", Version)
		busBuilder.WithMetrics(provider).WithTracing(provider)
	}

	eventBus, err := busBuilder.Build()
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	if err := eventBus.Start(); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer eventBus.Stop()

	if traceEvents {
		tracer := subutils.NewNamedLoggingSubscriber(nil, logger, zap.InfoLevel, "trace")
		if err := eventBus.Subscribe(ctx, tracer, "#"); err != nil {
			return fmt.Errorf("failed to attach event tracer: %w", err)
		}
	}

	h, err := buildHub(cfg.Hub, eventBus, provider, logger)
	if err != nil {
		return err
	}

	var instance string
	if cfg.Redis != nil {
		redisBridge, err := buildBridge(cfg.Redis, eventBus, logger)
		if err != nil {
			return err
		}
		if err := redisBridge.Start(ctx); err != nil {
			return fmt.Errorf("failed to start redis bridge: %w", err)
		}
		defer redisBridge.Stop()
		instance = redisBridge.Instance()
	}

	if cfg.Stats != nil {
		stats, err := buildStats(cfg.Stats, instance, eventBus, h, logger)
		if err != nil {
			return err
		}
		stats.Start()
		defer stats.Stop()
	}

	server := &http.Server{
		Addr:              cfg.Hub.Listen,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Hub listening", zap.String("addr", cfg.Hub.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Signal received, shutting down", zap.String("signal", sig.String()))
	case err, ok := <-serverErr:
		if ok {
			return fmt.Errorf("hub server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Hub.ShutdownTimeout)
	defer shutdownCancel()

	// Close event streams first, server.Shutdown waits for them.
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Subscribers still connected at shutdown", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

func buildHub(cfg *config.HubConfig, eventBus bus.EventBus, provider *otel.Provider, logger *zap.Logger) (*hub.Hub, error) {
	var subscriberKey []byte
	if cfg.SubscriberKey != "" {
		subscriberKey = []byte(cfg.SubscriberKey)
	}

	builder := hub.NewHub(eventBus).
		WithAuthorizer(hub.NewAuthorizer([]byte(cfg.PublisherKey), subscriberKey, cfg.AnonymousTopics)).
		WithLogger(logger).
		WithOriginPatterns(cfg.OriginPatterns...)
	if cfg.Heartbeat != nil {
		builder.WithHeartbeat(*cfg.Heartbeat)
	}
	if cfg.WriteTimeout > 0 {
		builder.WithWriteTimeout(cfg.WriteTimeout)
	}
	if cfg.QueueSize > 0 {
		builder.WithQueueSize(cfg.QueueSize)
	}
	if provider != nil {
		builder.WithMetrics(provider)
	}

	h, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create hub: %w", err)
	}
	return h, nil
}

func buildBridge(cfg *config.RedisConfig, eventBus bus.EventBus, logger *zap.Logger) (*bridge.RedisBridge, error) {
	builder := bridge.NewRedisBridge(eventBus).
		WithAddress(cfg.Address).
		WithPassword(cfg.Password).
		WithDatabase(cfg.Database).
		WithTLS(cfg.TLS).
		WithInstance(cfg.Instance).
		WithLogger(logger)
	if cfg.Channel != "" {
		builder.WithChannel(cfg.Channel)
	}
	if cfg.ReconnectDelay > 0 {
		builder.WithReconnectDelay(cfg.ReconnectDelay)
	}

	b, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create redis bridge: %w", err)
	}
	return b, nil
}

func buildStats(cfg *config.StatsConfig, instance string, eventBus bus.EventBus, h *hub.Hub, logger *zap.Logger) (*hub.StatsPublisher, error) {
	builder := hub.NewStatsPublisher(eventBus).
		WithHub(h).
		WithLogger(logger)
	if cfg.Schedule != "" {
		builder.WithSchedule(cfg.Schedule)
	}
	if cfg.Topic != "" {
		builder.WithTopic(cfg.Topic)
	}
	if cfg.Timezone != "" {
		builder.WithTimezone(cfg.Timezone)
	}
	if instance != "" {
		builder.WithInstance(instance)
	}

	stats, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create stats publisher: %w", err)
	}
	return stats, nil
}
