package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpans_NestAndRecordErrors(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, run := StartRunSpan(context.Background(), "conv-1", "test-model")
	turnCtx, turn := StartTurnSpan(ctx, 1)
	_, call := StartToolCallSpan(turnCtx, "c1", "echo")
	End(call, errors.New("boom"))
	End(turn, nil)
	End(run, nil)

	ended := sr.Ended()
	if len(ended) != 3 {
		t.Fatalf("ended %d spans, want 3", len(ended))
	}
	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range ended {
		byName[s.Name()] = s
	}

	tc := byName["toolcall"]
	if tc == nil {
		t.Fatal("toolcall span missing")
	}
	if tc.Status().Code != codes.Error {
		t.Errorf("toolcall status = %v, want Error", tc.Status().Code)
	}
	if tc.Parent().SpanID() != byName["turn"].SpanContext().SpanID() {
		t.Error("toolcall span is not a child of the turn span")
	}
	if byName["turn"].Parent().SpanID() != byName["run"].SpanContext().SpanID() {
		t.Error("turn span is not a child of the run span")
	}
	if byName["run"].Status().Code == codes.Error {
		t.Error("run span marked failed without an error")
	}

	attrs := map[string]string{}
	for _, kv := range tc.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["toolcall.id"] != "c1" || attrs["toolcall.tool"] != "echo" {
		t.Errorf("toolcall attributes = %v", attrs)
	}
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RunStarted(ctx)
	m.ModelTurn(ctx)
	m.ModelTurn(ctx)
	m.ToolCall(ctx, "echo", "ok", 10*time.Millisecond)
	m.RunFinished(ctx, "done")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[md.Name] += dp.Value
				}
			}
		}
	}
	want := map[string]int64{
		"mcpchat.runs.started":  1,
		"mcpchat.runs.finished": 1,
		"mcpchat.model.turns":   2,
		"mcpchat.toolcalls":     1,
	}
	for name, v := range want {
		if sums[name] != v {
			t.Errorf("%s = %d, want %d", name, sums[name], v)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RunStarted(ctx)
	m.ModelTurn(ctx)
	m.ToolCall(ctx, "echo", "ok", time.Second)
	m.RunFinished(ctx, "done")
}
