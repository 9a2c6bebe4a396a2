// Package metrics exposes the gateway's prometheus instrumentation. The
// registry is per-instance so parallel gateways (and tests) do not collide
// on the default global registerer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

type Registry struct {
	reg *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	backendHealthy  *prometheus.GaugeVec
	reloadsTotal    prometheus.Counter
	reloadErrors    prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		reg: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests by method and response status",
		}, []string{"method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request handling duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		backendHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_backend_healthy",
			Help: "Backend health mark (1 = healthy, 0 = unhealthy)",
		}, []string{"backend"}),
		reloadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_config_reloads_total",
			Help: "Total number of configuration reload attempts",
		}),
		reloadErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_config_reload_errors_total",
			Help: "Total number of failed configuration reloads",
		}),
	}
}

func (r *Registry) ObserveRequest(method, status string, d time.Duration) {
	r.requestsTotal.WithLabelValues(method, status).Inc()
	r.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (r *Registry) SetBackendHealth(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.backendHealthy.WithLabelValues(backend).Set(v)
}

func (r *Registry) IncReload()      { r.reloadsTotal.Inc() }
func (r *Registry) IncReloadError() { r.reloadErrors.Inc() }

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gather is a test hook onto the underlying registry.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	return r.reg.Gather()
}
