// Package telemetry wires the caldera engine's counters into
// OpenTelemetry with a Prometheus exporter.
//
// The engine is embedded, so nothing here touches process-global otel
// state and nothing is exported unless the host asks for it: metrics land
// in a private Prometheus registry whose handler the host either mounts
// itself (Handler) or serves from a managed listener (Config.ListenAddr).
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config controls the telemetry setup.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// ServiceName appears on all metrics and traces.
	ServiceName string `yaml:"service_name"`
	// ListenAddr optionally serves /metrics (e.g. ":9464"). Leave empty
	// to mount Handler into the host's own server instead.
	ListenAddr string `yaml:"listen_addr"`
	// TraceSampleRatio is the fraction of new traces sampled; parented
	// spans follow their parent. Defaults to 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Telemetry bundles the active providers. With Enabled false every field
// is a no-op implementation, so call sites never branch.
type Telemetry struct {
	Meter  metric.Meter
	Tracer trace.Tracer

	registry       *prometheus.Registry
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	server         *http.Server
}

// New initialises metrics and tracing.
func New(config Config) (*Telemetry, error) {
	if !config.Enabled {
		return &Telemetry{
			Meter:  metricnoop.NewMeterProvider().Meter(""),
			Tracer: tracenoop.NewTracerProvider().Tracer(""),
		}, nil
	}
	name := config.ServiceName
	if name == "" {
		name = "caldera"
	}

	// A private registry keeps the engine's metrics (and this package's
	// runtime collectors) apart from whatever the host registers
	// globally.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus bridge: %w", err)
	}

	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(name))
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	ratio := config.TraceSampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1.0
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	t := &Telemetry{
		Meter:          meterProvider.Meter(name),
		Tracer:         tracerProvider.Tracer(name),
		registry:       registry,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
	}
	if config.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", t.Handler())
		t.server = &http.Server{Addr: config.ListenAddr, Handler: mux}
		go t.server.ListenAndServe()
	}
	return t, nil
}

// Handler exposes the /metrics endpoint for hosts that run their own
// server. Returns a 404 handler when telemetry is disabled.
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown stops the listener (if any) and flushes both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	if t.server != nil {
		errs = append(errs, t.server.Shutdown(ctx))
	}
	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}
	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
