// Package telemetry initializes OpenTelemetry tracing.
//
// When OTEL_EXPORTER_OTLP_ENDPOINT is set, a TracerProvider with an HTTP
// OTLP exporter is installed globally. Otherwise the global provider stays a
// noop and spans cost nothing.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// EndpointEnv names the variable that switches exporting on.
const EndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

var packageLogger = log.WithField("package", "telemetry")

// Init installs the trace provider. The returned function flushes pending
// spans and is safe to call even when nothing was configured.
func Init(ctx context.Context, serviceName, serviceVersion string) (func(context.Context), error) {
	endpoint := os.Getenv(EndpointEnv)
	if endpoint == "" {
		return func(context.Context) {}, nil
	}

	res, err := buildResource(ctx, serviceName, serviceVersion)
	if err != nil {
		return func(context.Context) {}, fmt.Errorf("otel resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return func(context.Context) {}, fmt.Errorf("otel trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	packageLogger.WithFields(log.Fields{
		"endpoint": endpoint,
		"service":  serviceName,
	}).Info("tracing initialized")

	return shutdownFunc(tp), nil
}

// buildResource creates the resource with service and host attributes.
func buildResource(ctx context.Context, serviceName, serviceVersion string) (*resource.Resource, error) {
	hostname, _ := os.Hostname()

	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.HostName(hostname),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
}

func shutdownFunc(tp *sdktrace.TracerProvider) func(context.Context) {
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			packageLogger.WithError(err).Warn("tracer shutdown")
		}
	}
}
