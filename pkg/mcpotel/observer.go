// Package mcpotel records mcpmgr connection and invocation events as
// OpenTelemetry metrics and spans.
package mcpotel

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vikashloomba/mcp-stdio-manager-go/pkg/mcpmgr"
)

// Observer implements mcpmgr.Observer.
type Observer struct {
	tracer trace.Tracer

	invocations metric.Int64Counter
	latency     metric.Float64Histogram
	transitions metric.Int64Counter
	ready       metric.Int64UpDownCounter
}

// NewObserver creates an observer bound to the provided meter and tracer.
// tracer may be nil to record metrics only.
func NewObserver(meter metric.Meter, tracer trace.Tracer) (*Observer, error) {
	invocations, err := meter.Int64Counter(
		"mcpmgr.tool.invocations",
		metric.WithDescription("Number of tools/call requests"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"mcpmgr.tool.latency",
		metric.WithDescription("Tool invocation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter(
		"mcpmgr.connection.transitions",
		metric.WithDescription("Number of connection state changes"),
	)
	if err != nil {
		return nil, err
	}
	ready, err := meter.Int64UpDownCounter(
		"mcpmgr.connections.ready",
		metric.WithDescription("Connections currently ready to serve calls"),
	)
	if err != nil {
		return nil, err
	}

	return &Observer{
		tracer:      tracer,
		invocations: invocations,
		latency:     latency,
		transitions: transitions,
		ready:       ready,
	}, nil
}

// ObserveInvoke records one finished invocation.
func (o *Observer) ObserveInvoke(observation mcpmgr.InvokeObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server", observation.Server),
		attribute.String("tool_name", observation.Tool),
		attribute.Bool("success", observation.Err == nil),
	}
	code := ErrorCode(observation.Err)
	if code != "" {
		attrs = append(attrs, attribute.String("error_code", code))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.invocations.Add(ctx, 1, options)
	o.latency.Record(ctx, observation.Duration.Seconds(), options)

	if o.tracer == nil {
		return
	}
	end := time.Now()
	_, span := o.tracer.Start(ctx, "mcp.tools.call",
		trace.WithTimestamp(end.Add(-observation.Duration)),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("connection_id", observation.ConnectionID))...),
	)
	if observation.Err != nil {
		span.RecordError(observation.Err)
		span.SetStatus(codes.Error, code)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(end))
}

// ObserveConnection records one state transition.
func (o *Observer) ObserveConnection(observation mcpmgr.ConnectionObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server", observation.Server),
		attribute.String("from", observation.From.String()),
		attribute.String("to", observation.To.String()),
	}
	if code := ErrorCode(observation.Err); code != "" {
		attrs = append(attrs, attribute.String("error_code", code))
	}

	ctx := context.Background()
	o.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))

	server := metric.WithAttributes(attribute.String("server", observation.Server))
	switch {
	case observation.To == mcpmgr.StateReady:
		o.ready.Add(ctx, 1, server)
	case observation.From == mcpmgr.StateReady:
		o.ready.Add(ctx, -1, server)
	}
}

// ErrorCode maps an mcpmgr error to a short, low-cardinality label. It returns
// "" for nil.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, mcpmgr.ErrInvocationTimeout):
		return "timeout"
	case errors.Is(err, mcpmgr.ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(err, mcpmgr.ErrHandshakeRejected):
		return "handshake_rejected"
	case errors.Is(err, mcpmgr.ErrServerError):
		return "server_error"
	case errors.Is(err, mcpmgr.ErrUnknownTool):
		return "unknown_tool"
	case errors.Is(err, mcpmgr.ErrInvalidArguments):
		return "invalid_arguments"
	case errors.Is(err, mcpmgr.ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, mcpmgr.ErrConnectionClosed):
		return "connection_closed"
	case errors.Is(err, mcpmgr.ErrNotReady), errors.Is(err, mcpmgr.ErrNotConnected):
		return "not_ready"
	case errors.Is(err, mcpmgr.ErrSpawn):
		return "spawn"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	default:
		return "error"
	}
}

var _ mcpmgr.Observer = (*Observer)(nil)
