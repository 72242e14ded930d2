package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tsarna/hubline/pkg/hubline/bus"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"go.uber.org/zap"
)

const DefaultStatsSchedule = "@every 30s"

// StatsPublisher periodically publishes a hub_stats event describing the
// registry and the open connections.
type StatsPublisher struct {
	bus      bus.EventBus
	hub      *Hub
	topic    string
	instance string
	logger   *zap.Logger
	cron     *cron.Cron
}

type StatsPublisherBuilder struct {
	bus      bus.EventBus
	hub      *Hub
	schedule string
	topic    string
	instance string
	timezone string
	logger   *zap.Logger
}

func NewStatsPublisher(eventBus bus.EventBus) *StatsPublisherBuilder {
	return &StatsPublisherBuilder{
		bus:      eventBus,
		schedule: DefaultStatsSchedule,
		topic:    event.StatsTopic,
		timezone: "Local",
		logger:   zap.NewNop(),
	}
}

// WithHub adds the hub's connection count to the published stats.
func (b *StatsPublisherBuilder) WithHub(h *Hub) *StatsPublisherBuilder {
	b.hub = h
	return b
}

// WithSchedule accepts a cron spec with optional seconds, or a descriptor
// such as "@every 10s".
func (b *StatsPublisherBuilder) WithSchedule(schedule string) *StatsPublisherBuilder {
	b.schedule = schedule
	return b
}

func (b *StatsPublisherBuilder) WithTopic(topic string) *StatsPublisherBuilder {
	b.topic = topic
	return b
}

// WithInstance names this hub instance in the published stats.
func (b *StatsPublisherBuilder) WithInstance(instance string) *StatsPublisherBuilder {
	b.instance = instance
	return b
}

func (b *StatsPublisherBuilder) WithTimezone(timezone string) *StatsPublisherBuilder {
	b.timezone = timezone
	return b
}

func (b *StatsPublisherBuilder) WithLogger(logger *zap.Logger) *StatsPublisherBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *StatsPublisherBuilder) IsValid() error {
	if b.bus == nil {
		return fmt.Errorf("event bus is required")
	}
	if err := event.ValidateTopic(b.topic, false); err != nil {
		return fmt.Errorf("invalid stats topic: %w", err)
	}
	if _, err := cronParser.Parse(b.schedule); err != nil {
		return fmt.Errorf("invalid stats schedule %q: %w", b.schedule, err)
	}
	if _, err := time.LoadLocation(b.timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", b.timezone, err)
	}
	return nil
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (b *StatsPublisherBuilder) Build() (*StatsPublisher, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	location, _ := time.LoadLocation(b.timezone)

	s := &StatsPublisher{
		bus:      b.bus,
		hub:      b.hub,
		topic:    b.topic,
		instance: b.instance,
		logger:   b.logger,
		cron: cron.New(
			cron.WithLogger(NewZapCronLogger(b.logger)),
			cron.WithParser(cronParser),
			cron.WithLocation(location),
		),
	}

	if _, err := s.cron.AddJob(b.schedule, s); err != nil {
		return nil, fmt.Errorf("failed to schedule stats: %w", err)
	}

	return s, nil
}

func (s *StatsPublisher) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running publish to finish.
func (s *StatsPublisher) Stop() {
	<-s.cron.Stop().Done()
}

// Run implements cron.Job.
func (s *StatsPublisher) Run() {
	if err := s.Publish(context.Background()); err != nil {
		s.logger.Warn("Failed to publish hub stats", zap.Error(err))
	}
}

// Publish sends one hub_stats event and waits until it has been delivered.
func (s *StatsPublisher) Publish(ctx context.Context) error {
	stats := s.bus.Stats()

	fields := map[string]any{
		"subscribers":   stats.Subscribers,
		"subscriptions": stats.Subscriptions,
		"published":     stats.Published,
		"delivered":     stats.Delivered,
		"dropped":       stats.Dropped,
		"timestamp":     time.Now().UTC(),
	}
	if s.hub != nil {
		fields["connections"] = s.hub.ConnectionCount()
	}
	if s.instance != "" {
		fields["instance"] = s.instance
	}

	ev, err := event.New(event.TypeHubStats, fields)
	if err != nil {
		return err
	}

	return s.bus.PublishSync(ctx, s.topic, ev)
}

// ZapCronLogger adapts a zap.Logger to cron.Logger.
type ZapCronLogger struct {
	logger *zap.Logger
}

func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	return &ZapCronLogger{logger: logger}
}

func (z *ZapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Debug(msg, cronFields(keysAndValues)...)
}

func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	z.logger.Error(msg, append(cronFields(keysAndValues), zap.Error(err))...)
}

func cronFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}
