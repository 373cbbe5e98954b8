// Package telemetry provides OpenTelemetry spans and counters for turn
// loop runs, model turns, and tool calls. Instruments come from the
// global providers; Setup installs OTLP-exporting SDK providers, and
// without it everything is recorded against no-ops.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nugget/mcpchat"

// StartRunSpan starts a span covering one goal run of the turn loop.
func StartRunSpan(ctx context.Context, conversationID, model string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("model", model),
		),
	)
}

// StartTurnSpan starts a span for one model invocation.
func StartTurnSpan(ctx context.Context, turn int) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "turn",
		trace.WithAttributes(attribute.Int("turn", turn)),
	)
}

// StartToolCallSpan starts a span for a tool call within a turn.
func StartToolCallSpan(ctx context.Context, callID, tool string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "toolcall",
		trace.WithAttributes(
			attribute.String("toolcall.id", callID),
			attribute.String("toolcall.tool", tool),
		),
	)
}

// End finishes span, marking it failed when err is non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Metrics holds the loop's metric instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	RunsStarted  metric.Int64Counter
	RunsFinished metric.Int64Counter
	ModelTurns   metric.Int64Counter
	ToolCalls    metric.Int64Counter
	ToolDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("mcpchat.runs.started",
		metric.WithDescription("Number of goal runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("mcpchat.runs.finished",
		metric.WithDescription("Number of goal runs finished, by terminal state"))
	if err != nil {
		return nil, err
	}

	m.ModelTurns, err = meter.Int64Counter("mcpchat.model.turns",
		metric.WithDescription("Number of model invocations"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("mcpchat.toolcalls",
		metric.WithDescription("Number of tool calls, by tool and status"))
	if err != nil {
		return nil, err
	}

	m.ToolDuration, err = meter.Float64Histogram("mcpchat.toolcall.duration_seconds",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RunStarted counts a new run.
func (m *Metrics) RunStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.RunsStarted.Add(ctx, 1)
}

// RunFinished counts a run that reached state.
func (m *Metrics) RunFinished(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.RunsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// ModelTurn counts one model invocation.
func (m *Metrics) ModelTurn(ctx context.Context) {
	if m == nil {
		return
	}
	m.ModelTurns.Add(ctx, 1)
}

// ToolCall records a finished tool call.
func (m *Metrics) ToolCall(ctx context.Context, tool, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, elapsed.Seconds(), attrs)
}
