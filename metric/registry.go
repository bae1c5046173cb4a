// Package metric provides the Prometheus metrics surface for hwtest
// components. A Registry owns one prometheus.Registry plus the shared core
// Metrics; components receive *Metrics and label their own series.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a dedicated prometheus registry with the core metrics
// pre-registered. Using a private registry keeps test processes from
// colliding on the global default registerer.
type Registry struct {
	reg  *prometheus.Registry
	core *Metrics
}

// NewRegistry creates a registry with all core metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg:  prometheus.NewRegistry(),
		core: NewMetrics(),
	}
	for _, c := range r.core.Collectors() {
		r.reg.MustRegister(c)
	}
	return r
}

// Core returns the shared core metrics.
func (r *Registry) Core() *Metrics {
	return r.core
}

// PrometheusRegistry exposes the underlying registry for custom collectors.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.reg
}

// Register adds a custom collector.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.reg.Register(c)
}

// Handler returns an HTTP handler serving the scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
