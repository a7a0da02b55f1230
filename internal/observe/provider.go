package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the telemetry pipeline behind /metrics and the
// detector, confirmation and transcription spans.
type ProviderConfig struct {
	// ServiceName defaults to "earshot".
	ServiceName string

	ServiceVersion string

	// Registerer receives the Prometheus collector for the earshot.*
	// instruments. Default: [prometheus.DefaultRegisterer], which the
	// /metrics route serves.
	Registerer prometheus.Registerer

	// TraceExporter receives finished spans in batches. When nil spans are
	// sampled for log correlation but never leave the process.
	TraceExporter sdktrace.SpanExporter

	// Install makes the providers the OTel globals so [Tracer] and
	// [DefaultMetrics] pick them up.
	Install bool
}

// Telemetry is the running pipeline returned by [InitProvider].
type Telemetry struct {
	// Metrics holds the earshot instruments registered on MeterProvider.
	Metrics *Metrics

	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
}

// InitProvider builds a meter provider exporting through Prometheus, a tracer
// provider, and the earshot instrument set on top of them.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "earshot"
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
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
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exp, err := promexporter.New(promexporter.WithRegisterer(cfg.Registerer))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	tel := &Telemetry{
		MeterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exp),
		),
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tel.TracerProvider = sdktrace.NewTracerProvider(tpOpts...)

	if tel.Metrics, err = NewMetrics(tel.MeterProvider); err != nil {
		return nil, errors.Join(err, tel.Shutdown(ctx))
	}

	if cfg.Install {
		otel.SetMeterProvider(tel.MeterProvider)
		otel.SetTracerProvider(tel.TracerProvider)
	}
	return tel, nil
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.TracerProvider.Shutdown(ctx),
		t.MeterProvider.Shutdown(ctx),
	)
}
