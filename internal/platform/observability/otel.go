package observability

import (
	"context"
	"errors"
	"fmt"

	"github.com/rl1809/bom-stock/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type shutdownFunc func(context.Context) error

func joinShutdown(fns []shutdownFunc) shutdownFunc {
	return func(ctx context.Context) error {
		var err error
		for _, fn := range fns {
			err = errors.Join(err, fn(ctx))
		}
		return err
	}
}

func newResource() (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
}

// Setup installs the global tracer and logger providers exporting over
// OTLP/HTTP. With no endpoint configured it installs nothing and returns a
// no-op shutdown.
func Setup(ctx context.Context, cfg *config.Config) (shutdown func(context.Context) error, err error) {
	var fns []shutdownFunc
	shutdown = joinShutdown(fns)

	if cfg.OtelEndpoint == "" {
		return shutdown, nil
	}

	res, err := newResource()
	if err != nil {
		return shutdown, fmt.Errorf("failed to create resource: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	headers := map[string]string{}
	if cfg.OtelAuthHeader != "" {
		headers["Authorization"] = cfg.OtelAuthHeader
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OtelEndpoint),
		otlptracehttp.WithURLPath(config.TracesPath),
		otlptracehttp.WithHeaders(headers),
	)
	if err != nil {
		return shutdown, fmt.Errorf("OTLP trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter,
			sdktrace.WithExportTimeout(config.ExportTimeout),
			sdktrace.WithMaxQueueSize(config.MaxQueueSize),
		)),
	)
	otel.SetTracerProvider(tracerProvider)
	fns = append(fns, tracerProvider.Shutdown)

	logExporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(cfg.OtelEndpoint),
		otlploghttp.WithURLPath(config.LogsPath),
		otlploghttp.WithHeaders(headers),
	)
	if err != nil {
		return joinShutdown(fns), fmt.Errorf("OTLP log exporter: %w", err)
	}
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter,
			sdklog.WithExportTimeout(config.ExportTimeout),
			sdklog.WithMaxQueueSize(config.MaxQueueSize),
		)),
	)
	global.SetLoggerProvider(loggerProvider)
	fns = append(fns, loggerProvider.Shutdown)

	return joinShutdown(fns), nil
}
