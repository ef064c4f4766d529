package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds the common cross-cutting instruments shared by the
// controller and worker binaries.
type Metrics struct {
	PublishAttempts  metric.Int64Counter
	PublishFailures  metric.Int64Counter
	JobsScheduled    metric.Int64Counter
	JobsCollected    metric.Int64Counter
	ResponsesHandled metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push) and returns the
// shutdown function plus the shared instrument set.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, createCommonInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter("dnnmesh")
	publishAttempts, _ := meter.Int64Counter("mesh_bus_publish_attempts_total")
	publishFailures, _ := meter.Int64Counter("mesh_bus_publish_failures_total")
	jobsScheduled, _ := meter.Int64Counter("mesh_controller_jobs_scheduled_total")
	jobsCollected, _ := meter.Int64Counter("mesh_controller_jobs_collected_total")
	responses, _ := meter.Int64Counter("mesh_controller_responses_total")
	return Metrics{
		PublishAttempts:  publishAttempts,
		PublishFailures:  publishFailures,
		JobsScheduled:    jobsScheduled,
		JobsCollected:    jobsCollected,
		ResponsesHandled: responses,
	}
}
