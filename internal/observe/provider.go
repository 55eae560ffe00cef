package observe

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// httpLatencyBuckets sizes the HTTP request histogram for a local control
// API: sub-millisecond status reads at one end, stop requests that wait for
// the pipeline to drain at the other.
var httpLatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15,
}

// ProviderConfig configures [InitProvider].
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "echoscribe".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded in-process (trace IDs appear in logs and propagate over HTTP)
	// but not exported anywhere.
	TraceExporter sdktrace.SpanExporter

	// Registerer receives the bridged Prometheus metrics. Default:
	// [prometheus.DefaultRegisterer], which is what promhttp.Handler serves
	// on /metrics. Tests pass a private registry to stay isolated.
	Registerer prometheus.Registerer
}

// Provider owns the process-global OpenTelemetry SDK state installed by
// [InitProvider].
type Provider struct {
	meters *sdkmetric.MeterProvider
	traces *sdktrace.TracerProvider
}

// InitProvider builds and installs the global OTel providers this service
// needs: a meter provider bridged to Prometheus so metrics can be scraped
// from /metrics, and a tracer provider for the request and recognizer spans.
// Call [Provider.Shutdown] on exit to flush both.
func InitProvider(_ context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "echoscribe"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	var expOpts []promexporter.Option
	if cfg.Registerer != nil {
		expOpts = append(expOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	exporter, err := promexporter.New(expOpts...)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		meters: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
			// The HTTP histogram declares no boundaries at the instrument;
			// the bucket layout is a scrape-side concern and lives here.
			sdkmetric.WithView(sdkmetric.NewView(
				sdkmetric.Instrument{Name: "echoscribe.http.request.duration"},
				sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
					Boundaries: httpLatencyBuckets,
				}},
			)),
		),
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	p.traces = sdktrace.NewTracerProvider(traceOpts...)

	otel.SetMeterProvider(p.meters)
	otel.SetTracerProvider(p.traces)
	return p, nil
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.meters.Shutdown(ctx),
		p.traces.Shutdown(ctx),
	)
}
