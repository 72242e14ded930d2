package subutils

import (
	"context"
	"encoding/json"

	"github.com/tsarna/hubline/pkg/hubline/bus"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingSubscriber wraps another subscriber and logs every callback.
// If the wrapped subscriber is nil, it acts as a standalone logging subscriber.
type LoggingSubscriber struct {
	wrapped  bus.Subscriber
	logger   *zap.Logger
	logLevel zapcore.Level
	name     string
}

func NewLoggingSubscriber(wrapped bus.Subscriber, logger *zap.Logger, logLevel zapcore.Level) *LoggingSubscriber {
	return NewNamedLoggingSubscriber(wrapped, logger, logLevel, "LoggingSubscriber")
}

// NewNamedLoggingSubscriber is like NewLoggingSubscriber with a custom name for identification in logs.
func NewNamedLoggingSubscriber(wrapped bus.Subscriber, logger *zap.Logger, logLevel zapcore.Level, name string) *LoggingSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingSubscriber{
		wrapped:  wrapped,
		logger:   logger,
		logLevel: logLevel,
		name:     name,
	}
}

func (l *LoggingSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	l.logger.Log(l.logLevel, "OnSubscribe called",
		zap.String("subscriber", l.name),
		zap.String("topic", topic),
	)

	if l.wrapped != nil {
		return l.wrapped.OnSubscribe(ctx, topic)
	}
	return nil
}

func (l *LoggingSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	l.logger.Log(l.logLevel, "OnUnsubscribe called",
		zap.String("subscriber", l.name),
		zap.String("topic", topic),
	)

	if l.wrapped != nil {
		return l.wrapped.OnUnsubscribe(ctx, topic)
	}
	return nil
}

func (l *LoggingSubscriber) OnEvent(ctx context.Context, topic string, ev event.Event) error {
	if ce := l.logger.Check(l.logLevel, "OnEvent called"); ce != nil {
		payload, _ := json.Marshal(ev)
		ce.Write(
			zap.String("subscriber", l.name),
			zap.String("topic", topic),
			zap.String("type", ev.Type),
			zap.ByteString("payload", payload),
			zap.String("origin", bus.OriginFrom(ctx)),
		)
	}

	if l.wrapped != nil {
		return l.wrapped.OnEvent(ctx, topic, ev)
	}
	return nil
}
