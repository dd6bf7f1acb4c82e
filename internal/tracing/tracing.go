// Package tracing configures the global OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kenneth/native-sign-gateway/internal/config"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs a tracer provider built from cfg as the global provider.
// When tracing is disabled the global no-op provider is left in place.
func Setup(ctx context.Context, cfg config.TracingConfig, version string, logger *logrus.Logger) (Shutdown, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}
	exporter, err := newExporter(ctx, cfg, os.Stdout)
	if err != nil {
		return nil, err
	}
	tp := NewProvider(cfg, version, exporter)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.WithError(err).Warn("OpenTelemetry error")
	}))

	logger.WithFields(logrus.Fields{
		"exporter":     cfg.Exporter,
		"endpoint":     cfg.Endpoint,
		"sample_ratio": cfg.SampleRatio,
	}).Info("Tracing enabled")
	return tp.Shutdown, nil
}

// NewProvider builds a batching tracer provider around exporter.
func NewProvider(cfg config.TracingConfig, version string, exporter sdktrace.SpanExporter) *sdktrace.TracerProvider {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(version),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
}

func newExporter(ctx context.Context, cfg config.TracingConfig, w io.Writer) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case "otlp":
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unknown tracing exporter: %s", cfg.Exporter)
	}
}
