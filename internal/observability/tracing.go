package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"tower-locator/internal/logging"
)

const tracerName = "tower-locator"

// TracingConfig governs how tracing is initialised
type TracingConfig struct {
	Enabled     bool      `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string    `yaml:"service_name" mapstructure:"service_name"`
	Exporter    string    `yaml:"exporter" mapstructure:"exporter"` // stdout
	SampleRatio float64   `yaml:"sample_ratio" mapstructure:"sample_ratio"`
	Writer      io.Writer `yaml:"-" mapstructure:"-"` // Exporter destination, stdout when nil
}

// DefaultTracingConfig returns tracing disabled with stdout export ready
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName: "tower-locator",
		Exporter:    "stdout",
		SampleRatio: 1.0,
	}
}

// InitTracing installs a global tracer provider. It returns a shutdown function that
// flushes pending spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := exporterFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.namespace", "tower-locator"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio < 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float("sample_ratio", ratio),
	)

	return tp.Shutdown, nil
}

func exporterFromConfig(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(
			stdouttrace.WithWriter(w),
			stdouttrace.WithoutTimestamps(),
		)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// Tracer returns the locator tracer from the global provider
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// ShutdownWithTimeout flushes tracing with a bounded timeout, logging any failure
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
