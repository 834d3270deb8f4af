package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitTracer exports spans as JSON lines to path. With an empty path the
// global no-op provider stays in place and shutdown does nothing.
func InitTracer(serviceName, path string, logger *slog.Logger) (func(context.Context) error, error) {
	if strings.TrimSpace(path) == "" {
		return func(context.Context) error { return nil }, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("observability: open trace file: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("observability: create exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	if logger != nil {
		logger.Info("tracing initialized", slog.String("service", serviceName), slog.String("file", path))
	}

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), f.Close())
	}, nil
}
