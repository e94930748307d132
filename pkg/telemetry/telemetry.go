// Package telemetry wires up the Prometheus + OpenTelemetry exporters used
// by the query pipeline (C6) and upstream dispatcher (C5) to report the
// counters and histograms this resolver actually produces: queries
// handled/blocked/cloaked/forwarded and upstream latency. Caching and
// tracing surfaces from the teacher's larger dashboard have no component
// here to attach to and are not carried forward.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"localdns/pkg/config"
	"localdns/pkg/logging"
)

// Telemetry holds telemetry providers and exporters.
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds every metric the pipeline and dispatcher record against.
type Metrics struct {
	QueriesTotal     metric.Int64Counter // by decision: blocked, cloaked, forwarded, servfail
	QueryDuration    metric.Float64Histogram
	UpstreamLatency  metric.Float64Histogram
	UpstreamErrors   metric.Int64Counter
	RequestLogDrops  metric.Int64Counter
	InFlightHandlers metric.Int64UpDownCounter
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{cfg: cfg, logger: logger, tracerProvider: tracenoop.NewTracerProvider()}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("telemetry: setup metrics: %w", err)
	}

	logger.Info("telemetry initialized",
		"service", cfg.ServiceName,
		"prometheus", cfg.PrometheusEnabled,
	)
	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("start prometheus server: %w", err)
	}
	t.logger.Info("prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("prometheus server failed", "error", err)
		}
	}()
	return nil
}

// InitMetrics initializes and returns every metric the resolver records.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("localdns")

	queriesTotal, err := meter.Int64Counter(
		"resolver.queries.total",
		metric.WithDescription("Queries handled, by pipeline decision"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queries counter: %w", err)
	}

	queryDuration, err := meter.Float64Histogram(
		"resolver.query.duration",
		metric.WithDescription("End-to-end query handling duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create query duration histogram: %w", err)
	}

	upstreamLatency, err := meter.Float64Histogram(
		"resolver.upstream.latency",
		metric.WithDescription("Upstream dispatch attempt latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create upstream latency histogram: %w", err)
	}

	upstreamErrors, err := meter.Int64Counter(
		"resolver.upstream.errors",
		metric.WithDescription("Upstream dispatch attempts that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("create upstream errors counter: %w", err)
	}

	requestLogDrops, err := meter.Int64Counter(
		"resolver.requestlog.dropped",
		metric.WithDescription("RequestLog entries dropped because the sink queue was full"),
	)
	if err != nil {
		return nil, fmt.Errorf("create request log drops counter: %w", err)
	}

	inFlight, err := meter.Int64UpDownCounter(
		"resolver.handlers.inflight",
		metric.WithDescription("Query handlers currently in flight"),
	)
	if err != nil {
		return nil, fmt.Errorf("create in-flight gauge: %w", err)
	}

	return &Metrics{
		QueriesTotal:     queriesTotal,
		QueryDuration:    queryDuration,
		UpstreamLatency:  upstreamLatency,
		UpstreamErrors:   upstreamErrors,
		RequestLogDrops:  requestLogDrops,
		InFlightHandlers: inFlight,
	}, nil
}

// MeterProvider returns the meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider { return t.meterProvider }

// TracerProvider returns the (always no-op) tracer provider; this resolver
// has no tracing surface, only metrics.
func (t *Telemetry) TracerProvider() trace.TracerProvider { return t.tracerProvider }

// Shutdown gracefully shuts down telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}
	t.logger.Info("telemetry shut down")
	return nil
}
