// Package telemetry sets up the optional OpenTelemetry trace exporter.
//
// Tracing is ambient: spans are created throughout the daemon regardless,
// and stay unexported no-ops unless an OTLP endpoint is configured via the
// standard OTEL_EXPORTER_OTLP_ENDPOINT environment variable.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"

	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "bounce"

// Setup installs a global tracer provider when OTEL_EXPORTER_OTLP_ENDPOINT
// is set. The returned shutdown function flushes pending spans; it is never
// nil.
func Setup(ctx context.Context, version string) (func(context.Context) error, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func(context.Context) error { return nil }, nil
	}

	// Endpoint and TLS settings come from the standard OTEL_* variables.
	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
	}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	if host, hostErr := os.Hostname(); hostErr == nil && host != "" {
		attrs = append(attrs, semconv.HostName(host))
	}

	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(attrs...))
	if err != nil {
		shutdownErr := exporter.Shutdown(ctx)
		if shutdownErr != nil {
			return nil, fmt.Errorf("create resource: %w (exporter shutdown: %w)", err, shutdownErr)
		}

		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(shutdownCtx context.Context) error {
		err := provider.Shutdown(shutdownCtx)
		if err != nil {
			return fmt.Errorf("shutdown tracer provider: %w", err)
		}

		return nil
	}, nil
}
