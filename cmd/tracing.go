package cmd

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/orcfabric/fabric/internal/config"
)

// setupTracing installs a global OTel TracerProvider exporting to
// cfg.Tracing.OTLPEndpoint when tracing is enabled, matching
// tracing.Collector's expectation that the exporter is wired here
// rather than inside the tracing package itself. Returns a shutdown
// func that is a no-op when tracing is disabled.
func setupTracing(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var exporter *otlptrace.Exporter
	var err error
	if cfg.UseHTTP {
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
	} else {
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: new exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
