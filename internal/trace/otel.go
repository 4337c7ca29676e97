// Package trace builds the tracer provider the connection reports its
// request spans to, from a traces output line.
package trace

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "pwclient"

var (
	// ErrInvalidOutput is returned for a line that is neither none nor otel.
	ErrInvalidOutput = errors.New("invalid traces output")
	// ErrInvalidProto is returned for an exporter protocol other than http
	// and grpc.
	ErrInvalidProto = errors.New("invalid protocol")
	// ErrInvalidURLScheme is returned for a collector URL that isn't http(s).
	ErrInvalidURLScheme = errors.New("invalid URL scheme")
	// ErrGRPCWithURLPath is returned when a grpc exporter is given a URL path.
	ErrGRPCWithURLPath = errors.New("grpc protocol does not support URL path")
)

// Provider is a TracerProvider that must be shut down to flush the spans
// it buffered.
type Provider struct {
	trace.TracerProvider
	shutdown func(context.Context) error
}

// Shutdown flushes the pending spans and releases the exporter. The
// provider's tracers are no-ops afterwards.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}

// NewNoopProvider returns a provider that records nothing.
func NewNoopProvider() *Provider {
	return &Provider{
		TracerProvider: noop.NewTracerProvider(),
		shutdown:       func(context.Context) error { return nil },
	}
}

type exporterParams struct {
	proto    string
	endpoint string
	urlPath  string
	insecure bool
	headers  map[string]string
}

func defaultExporterParams() exporterParams {
	return exporterParams{
		proto:    "grpc",
		endpoint: "127.0.0.1:4317",
		insecure: true,
		headers:  make(map[string]string),
	}
}

// FromOutput returns the provider for a traces output line:
//
//	none
//	otel[=<collector url>][,proto=http|grpc][,header.<name>=<value>...]
//
// A bare otel exports over grpc to 127.0.0.1:4317. A collector URL, e.g.
// http://127.0.0.1:4318/v1/traces, switches to http unless proto says
// otherwise.
func FromOutput(ctx context.Context, line string) (*Provider, error) {
	if line == "" || line == "none" {
		return NewNoopProvider(), nil
	}
	params, err := parseOutput(line)
	if err != nil {
		return nil, err
	}
	return newProvider(ctx, params)
}

// ValidateOutput reports whether FromOutput would accept line.
func ValidateOutput(line string) error {
	if line == "" || line == "none" {
		return nil
	}
	_, err := parseOutput(line)
	return err
}

func newProvider(ctx context.Context, params exporterParams) (*Provider, error) {
	exporter, err := otlptrace.New(ctx, newClient(params))
	if err != nil {
		return nil, fmt.Errorf("creating the traces exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)

	// Spans only come from the connection, not from instrumented
	// libraries picking the global provider.
	otel.SetTracerProvider(noop.NewTracerProvider())

	return &Provider{TracerProvider: tp, shutdown: tp.Shutdown}, nil
}

func newClient(params exporterParams) otlptrace.Client {
	if params.proto == "http" {
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(params.endpoint),
			otlptracehttp.WithHeaders(params.headers),
		}
		if params.urlPath != "" {
			opts = append(opts, otlptracehttp.WithURLPath(params.urlPath))
		}
		if params.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.NewClient(opts...)
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(params.endpoint),
		otlptracegrpc.WithHeaders(params.headers),
	}
	if params.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.NewClient(opts...)
}

func parseOutput(line string) (exporterParams, error) {
	params := defaultExporterParams()

	tokens := strings.Split(line, ",")
	kind, collector, hasCollector := strings.Cut(tokens[0], "=")
	if kind != "otel" {
		return params, fmt.Errorf("%w %q", ErrInvalidOutput, kind)
	}
	if hasCollector {
		if err := params.parseURL(collector); err != nil {
			return params, fmt.Errorf("couldn't parse the otel URL: %w", err)
		}
	}

	for _, token := range tokens[1:] {
		key, value, _ := strings.Cut(token, "=")
		switch {
		case key == "proto":
			if value != "http" && value != "grpc" {
				return params, fmt.Errorf("%w: %q", ErrInvalidProto, value)
			}
			params.proto = value
		case strings.HasPrefix(key, "header."):
			params.headers[strings.TrimPrefix(key, "header.")] = value
		default:
			return params, fmt.Errorf("unknown otel config key %q", key)
		}
	}

	if params.proto == "grpc" && params.urlPath != "" {
		return params, ErrGRPCWithURLPath
	}
	return params, nil
}

func (p *exporterParams) parseURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrInvalidURLScheme, u.Scheme)
	}

	p.proto = "http"
	p.endpoint = u.Host
	p.urlPath = u.Path
	p.insecure = u.Scheme == "http"
	return nil
}
