// Package telemetry wires the proxy's metrics into an OpenTelemetry meter
// backed by a Prometheus exporter, exposed at /dashboard/api/metrics (spec
// SPEC_FULL §4 ambient observability).
package telemetry

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config controls whether /dashboard/api/metrics is mounted at all, and
// whether Go runtime metrics (GC pauses, goroutine counts) ride along with
// the proxy's own instruments.
type Config struct {
	EnableMetricsPath     bool
	IncludeRuntimeMetrics bool
}

// Metrics holds the proxy's instrument handles.
type Metrics struct {
	registry        *prometheus.Registry
	RegisteredGauge metric.Int64ObservableGauge
	EventsPublished metric.Int64Counter
	ForwardLatency  metric.Float64Histogram
}

// New constructs a Prometheus-backed OTel MeterProvider and registers the
// proxy's instruments. countBackends is polled on each scrape rather than
// pushed, since the registry's size is cheap to read and this avoids a
// background update loop just for one gauge.
func New(cfg Config, countBackends func() int64) (*Metrics, *sdkmetric.MeterProvider, error) {
	if cfg.IncludeRuntimeMetrics && !cfg.EnableMetricsPath {
		return nil, nil, errors.New("telemetry: IncludeRuntimeMetrics requires EnableMetricsPath")
	}

	reg := prometheus.NewRegistry()
	if cfg.IncludeRuntimeMetrics {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("mcprepl-proxy")

	registeredGauge, err := meter.Int64ObservableGauge(
		"mcprepl_backends_registered",
		metric.WithDescription("Number of backends currently registered"),
	)
	if err != nil {
		return nil, nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(registeredGauge, countBackends())
		return nil
	}, registeredGauge)
	if err != nil {
		return nil, nil, err
	}

	eventsPublished, err := meter.Int64Counter(
		"mcprepl_events_published_total",
		metric.WithDescription("Total events published on the event bus"),
	)
	if err != nil {
		return nil, nil, err
	}

	forwardLatency, err := meter.Float64Histogram(
		"mcprepl_forward_latency_seconds",
		metric.WithDescription("Latency of requests forwarded to a backend"),
	)
	if err != nil {
		return nil, nil, err
	}

	return &Metrics{
		registry:        reg,
		RegisteredGauge: registeredGauge,
		EventsPublished: eventsPublished,
		ForwardLatency:  forwardLatency,
	}, provider, nil
}

// Handler returns the Prometheus scrape endpoint, mounted at
// /dashboard/api/metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
