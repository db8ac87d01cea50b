package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/voxread-labs/voxread-core/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// setupTelemetry installs the global OpenTelemetry providers: traces go
// to an OTLP collector when one is configured (pretty-printed stdout
// spans otherwise), metrics through the prometheus bridge whose handler
// the caller mounts at /metrics. The playback and device counters
// (chunks spoken, commands, idle-poll retries, faults) register against
// the meter provider installed here.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	traces, closeTraces, err := newTraceProvider(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traces)

	metrics, metricsHandler := newMeterProvider(res, logger)
	otel.SetMeterProvider(metrics)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := closeTraces(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	return shutdown, metricsHandler, nil
}

func newTraceProvider(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint)
	if endpoint == "" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, err
		}
		provider := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		logger.Info("trace exporter ready", slog.String("exporter", "stdout"))
		return provider, provider.Shutdown, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.Telemetry.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	logger.Info("trace exporter ready", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	return provider, provider.Shutdown, nil
}

// newMeterProvider degrades to a reader-less provider when the
// prometheus bridge cannot be built; playback keeps working, /metrics
// just stays unmounted.
func newMeterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	bridge, err := prometheus.New()
	if err != nil {
		logger.Warn("prometheus bridge unavailable, metrics disabled", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(bridge),
		sdkmetric.WithResource(res),
	)
	return provider, promhttp.Handler()
}
