package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nugget/mcpchat/internal/buildinfo"
)

// DefaultEndpoint is the OTLP gRPC collector address used when
// exporting is enabled without an explicit endpoint.
const DefaultEndpoint = "localhost:4317"

// Options controls exporter setup.
type Options struct {
	Enabled  bool
	Endpoint string
	// Insecure disables TLS to the collector.
	Insecure bool
	Logger   *slog.Logger
}

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs SDK tracer and meter providers exporting over OTLP gRPC
// and makes them the global providers. When opts.Enabled is false the
// globals are left alone and the returned shutdown does nothing.
func Setup(ctx context.Context, opts Options) (ShutdownFunc, error) {
	if !opts.Enabled {
		return noopShutdown, nil
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(endpoint)}
	if opts.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spanExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spanExp.Shutdown(ctx)
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	shutdown := install(opts.Logger,
		sdktrace.WithBatcher(spanExp),
		sdkmetric.NewPeriodicReader(metricExp),
	)
	if opts.Logger != nil {
		opts.Logger.Info("telemetry export enabled", "endpoint", endpoint)
	}
	return shutdown, nil
}

// install builds the providers around the given span processor option
// and metric reader, sets them as globals, and routes otel's internal
// errors to logger.
func install(logger *slog.Logger, spans sdktrace.TracerProviderOption, reader sdkmetric.Reader) ShutdownFunc {
	if logger == nil {
		logger = slog.Default()
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", "mcpchat"),
		attribute.String("service.version", buildinfo.Version),
	)

	tp := sdktrace.NewTracerProvider(spans, sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("telemetry export failed", "error", err)
	}))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
}
