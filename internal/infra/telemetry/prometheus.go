package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mcpgate/internal/domain"
)

type PrometheusMetrics struct {
	routeDuration     *prometheus.HistogramVec
	connectAttempts   *prometheus.CounterVec
	discoveryDuration *prometheus.HistogramVec
	discoveredTools   *prometheus.GaugeVec
	connectionState   *prometheus.GaugeVec
	closes            *prometheus.CounterVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		routeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpgate_route_duration_seconds",
				Help:    "Duration of routed calls in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"upstream", "status"},
		),
		connectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_upstream_connects_total",
				Help: "Total number of upstream connect attempts",
			},
			[]string{"upstream", "status"},
		),
		discoveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpgate_discovery_duration_seconds",
				Help:    "Duration of catalog discovery in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"upstream", "status"},
		),
		discoveredTools: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcpgate_discovered_tools",
				Help: "Number of actions in the upstream's catalog",
			},
			[]string{"upstream"},
		),
		connectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcpgate_connection_state",
				Help: "Connection state per upstream (1 for the current state)",
			},
			[]string{"upstream", "state"},
		),
		closes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_upstream_closes_total",
				Help: "Total number of upstream connection closes",
			},
			[]string{"upstream"},
		),
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (p *PrometheusMetrics) ObserveRoute(upstream string, duration time.Duration, err error) {
	p.routeDuration.WithLabelValues(upstream, statusLabel(err)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveConnect(upstream string, duration time.Duration, err error) {
	p.connectAttempts.WithLabelValues(upstream, statusLabel(err)).Inc()
}

func (p *PrometheusMetrics) ObserveDiscovery(upstream string, tools int, duration time.Duration, err error) {
	p.discoveryDuration.WithLabelValues(upstream, statusLabel(err)).Observe(duration.Seconds())
	if err == nil {
		p.discoveredTools.WithLabelValues(upstream).Set(float64(tools))
	}
}

func (p *PrometheusMetrics) ObserveClose(upstream string) {
	p.closes.WithLabelValues(upstream).Inc()
}

func (p *PrometheusMetrics) SetConnectionState(upstream string, state domain.ConnState) {
	for _, known := range []domain.ConnState{
		domain.ConnDisconnected,
		domain.ConnHandshaking,
		domain.ConnReady,
		domain.ConnFailed,
	} {
		value := 0.0
		if known == state {
			value = 1.0
		}
		p.connectionState.WithLabelValues(upstream, string(known)).Set(value)
	}
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
