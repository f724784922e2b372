package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mohammad-safakhou/academiq/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Telemetry encapsulates tracer and meter providers and the registry /metrics serves.
type Telemetry struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	metrics  *http.Server
	Registry *prometheus.Registry
}

// TelemetryOptions configures telemetry initialization.
type TelemetryOptions struct {
	ServiceName    string
	ServiceVersion string
	Logger         *zap.Logger
}

// Handler serves the Prometheus registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{})
}

// SetupTelemetry initializes tracing and metrics. Metrics are always exported
// to the returned registry; OTLP export only runs when enabled with an endpoint.
func SetupTelemetry(ctx context.Context, cfg config.TelemetryConfig, opts TelemetryOptions) (*Telemetry, otelmetric.Meter, trace.Tracer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			attribute.String("service.namespace", "academiq"),
			attribute.String("service.version", opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resource init: %w", err)
	}

	promExporter, err := promexporter.New(promexporter.WithRegisterer(promRegistry))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("prom exporter: %w", err)
	}
	readers := []sdkmetric.Option{sdkmetric.WithReader(promExporter), sdkmetric.WithResource(res)}
	t := &Telemetry{Registry: promRegistry}

	var tracer trace.Tracer
	if cfg.Enabled && cfg.OTLPEndpoint != "" {
		traceExporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithBlock()),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("otlp init: %w", err)
		}
		t.tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(t.tp)
		tracer = t.tp.Tracer(opts.ServiceName)

		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithDialOption(grpc.WithBlock()),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("otlp metric init: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))))
	} else {
		tracer = otel.Tracer(opts.ServiceName)
	}

	t.mp = sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(t.mp)
	meter := t.mp.Meter(opts.ServiceName)

	if cfg.Enabled && cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", t.Handler())
		t.metrics = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := t.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	return t, meter, tracer, nil
}

// Shutdown flushes providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var err error
	if t.metrics != nil {
		if e := t.metrics.Shutdown(ctx); e != nil {
			err = fmt.Errorf("metrics server shutdown: %w", e)
		}
	}
	if t.tp != nil {
		if e := t.tp.Shutdown(ctx); e != nil {
			err = joinErr(err, fmt.Errorf("trace shutdown: %w", e))
		}
	}
	if t.mp != nil {
		if e := t.mp.Shutdown(ctx); e != nil {
			err = joinErr(err, fmt.Errorf("metric shutdown: %w", e))
		}
	}
	return err
}

func joinErr(prev, next error) error {
	if prev == nil {
		return next
	}
	return fmt.Errorf("%v; %w", prev, next)
}
