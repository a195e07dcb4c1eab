// Package telemetry installs the global OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	otlptracegrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// ServiceName is reported on every span.
const ServiceName = "watchman"

// ErrNoExporter is returned by Init when neither exporter is configured.
// Tracing then stays on the no-op global provider.
var ErrNoExporter = errors.New("telemetry: no exporter configured: set WATCHMAN_OTEL_OTLP_ENDPOINT or WATCHMAN_OTEL_STDOUT=1")

// Config selects the exporter. OTLP wins over stdout when both are set.
type Config struct {
	OTLPEndpoint string
	OTLPInsecure bool
	OTLPHeaders  map[string]string
	Stdout       bool
	// Writer receives stdout spans; nil means os.Stdout.
	Writer io.Writer
}

// ConfigFromEnv reads the WATCHMAN_OTEL_* variables, falling back to the
// standard OTEL_EXPORTER_OTLP_* ones.
func ConfigFromEnv() Config {
	cfg := Config{
		OTLPEndpoint: os.Getenv("WATCHMAN_OTEL_OTLP_ENDPOINT"),
		Stdout:       envTrue("WATCHMAN_OTEL_STDOUT"),
		OTLPInsecure: envTrue("WATCHMAN_OTEL_OTLP_INSECURE") || envTrue("OTEL_EXPORTER_OTLP_INSECURE"),
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if hdrs := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); hdrs != "" {
		cfg.OTLPHeaders = parseHeaders(hdrs)
	}
	return cfg
}

func envTrue(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true"
}

// parseHeaders reads comma separated key=value pairs.
func parseHeaders(s string) map[string]string {
	m := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			m[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

var (
	mu sync.Mutex
	tp *sdktrace.TracerProvider
)

// Init builds the exporter described by cfg and installs a tracer provider
// and the W3C trace-context propagator globally.
func Init(ctx context.Context, cfg Config) error {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch {
	case cfg.OTLPEndpoint != "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.OTLPHeaders))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case cfg.Stdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	default:
		return ErrNoExporter
	}
	if err != nil {
		return err
	}

	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(
		semconv.ServiceNameKey.String(ServiceName),
	))
	if err != nil {
		return err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	mu.Lock()
	old := tp
	tp = provider
	mu.Unlock()
	if old != nil {
		old.Shutdown(ctx)
	}

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return nil
}

// Flush shuts the provider down, exporting pending spans. It is safe to call
// more than once and without a prior Init.
func Flush() {
	mu.Lock()
	provider := tp
	tp = nil
	mu.Unlock()
	if provider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = provider.Shutdown(ctx)
}
