package telemetry

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/vinayprograms/memoryd/errors"
)

// ProviderConfig selects where memoryd exports its spans.
type ProviderConfig struct {
	ServiceName    string // defaults to OTEL_SERVICE_NAME, then "memoryd"
	ServiceVersion string

	// Endpoint is the OTLP collector, e.g. "otel-collector:4317". An
	// http:// scheme disables TLS. Falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string

	// Protocol is "grpc" (default) or "http".
	Protocol string

	// Debug records memory texts and model output on spans.
	Debug bool
}

// Provider owns the SDK tracer provider installed by InitProvider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// ErrNoEndpoint is returned by InitProvider when tracing is not configured.
var ErrNoEndpoint = errors.New(errors.ErrCodeUnavailable, "telemetry endpoint not configured")

// collector is a parsed OTLP endpoint.
type collector struct {
	protocol string
	hostPort string
	insecure bool
}

func parseCollector(cfg ProviderConfig) (collector, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return collector{}, ErrNoEndpoint
	}

	c := collector{protocol: strings.ToLower(cfg.Protocol), hostPort: endpoint}
	if c.protocol == "" {
		c.protocol = "grpc"
	}
	if c.protocol != "grpc" && c.protocol != "http" {
		return collector{}, errors.Newf(errors.ErrCodeInvalidInput,
			"unknown protocol: %s (use 'grpc' or 'http')", cfg.Protocol)
	}
	if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		c.hostPort, c.insecure = rest, true
	} else {
		c.hostPort = strings.TrimPrefix(endpoint, "https://")
	}
	return c, nil
}

func (c collector) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	if c.protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(c.hostPort)}
		if c.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.hostPort)}
	if c.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// serviceResource describes the process. The service attributes carry no
// schema URL so merging never conflicts with the SDK's default resource.
func serviceResource(name, version string) (*resource.Resource, error) {
	kvs := []attribute.KeyValue{semconv.ServiceName(name)}
	if version != "" {
		kvs = append(kvs, semconv.ServiceVersion(version))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(kvs...))
}

// InitProvider installs an OTLP tracer provider and a W3C propagator as the
// process globals and sets the global Tracer. ErrNoEndpoint means tracing
// is off.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	c, err := parseCollector(cfg)
	if err != nil {
		return nil, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = os.Getenv("OTEL_SERVICE_NAME")
	}
	if name == "" {
		name = "memoryd"
	}
	res, err := serviceResource(name, cfg.ServiceVersion)
	if err != nil {
		return nil, errors.Wrap(err, "building telemetry resource")
	}

	exp, err := c.exporter(ctx)
	if err != nil {
		return nil, errors.Upstream("telemetry", "creating "+c.protocol+" exporter", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := NewTracerFromProvider(tp, name, cfg.Debug)
	SetGlobalTracer(tracer)
	return &Provider{tp: tp, tracer: tracer}, nil
}

// Tracer returns the tracer bound to this provider.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// OnShutdown flushes pending spans and stops the exporter. It has the
// shutdown.Handler signature.
func (p *Provider) OnShutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
