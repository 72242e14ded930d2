// Package o11y defines the metrics and tracing hooks used by the hub and the
// client. Implementations live elsewhere (see the otel package); every consumer
// treats a nil provider as "observability disabled".
package o11y

import (
	"context"
)

// MetricsProvider hands out named instruments. The bus, the hub and the
// client manager each ask for theirs once, at build time.
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// TracingProvider opens spans around bus operations.
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Counter counts events published, frames received and similar totals.
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Histogram records latencies and connection durations.
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge reports a current level such as open subscriber connections.
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

// Span covers one publish or subscription change.
type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// Label tags a measurement or span, e.g. topic or transport.
type Label struct {
	Key   string
	Value string
}

type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

// StatusLabel returns the conventional "status" label for an operation result.
func StatusLabel(err error) Label {
	if err != nil {
		return Label{Key: "status", Value: "error"}
	}
	return Label{Key: "status", Value: "success"}
}

// EndSpan records the outcome of an operation on span and ends it.
// A nil span is ignored.
func EndSpan(span Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.SetStatus(SpanStatusError, err.Error())
	} else {
		span.SetStatus(SpanStatusOK, "")
	}
	span.End()
}
