package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const serviceName = "latch"

// tracing holds the process TracerProvider and its shutdown.
type tracing struct {
	provider *sdktrace.TracerProvider
	shutdown func(context.Context) error
}

// newTracing builds a TracerProvider exporting via OTLP/gRPC to endpoint.
// endpoint may be host:port or a URL (the path is ignored). If empty, spans are
// recorded but never exported. https endpoints use TLS.
func newTracing(ctx context.Context, endpoint string) (*tracing, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		tp := sdktrace.NewTracerProvider()
		return &tracing{provider: tp, shutdown: tp.Shutdown}, nil
	}

	target, insecure, err := otlpTarget(endpoint)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(target)}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	return &tracing{provider: tp, shutdown: tp.Shutdown}, nil
}

// otlpTarget normalizes endpoint to the host:port gRPC dials.
func otlpTarget(endpoint string) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, u.Scheme != "https", nil
}

// setGlobal installs the provider for code that uses otel.GetTracerProvider.
func (t *tracing) setGlobal() {
	if t.provider != nil {
		otel.SetTracerProvider(t.provider)
	}
}
