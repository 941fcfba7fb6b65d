// Package metrics provides the broker daemons' shared prometheus registry
// and /metrics HTTP handler, grounded on the teacher's cmd/kcn/main.go
// promhttp.Handler() wiring.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process-wide registry every package's counters/gauges
// register into, so a single daemon exposes one consistent /metrics page.
var Registry = prometheus.NewRegistry()

// NewCounter registers and returns a counter under Registry.
func NewCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	Registry.MustRegister(c)
	return c
}

// NewGauge registers and returns a gauge under Registry.
func NewGauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	Registry.MustRegister(g)
	return g
}

// Handler returns the HTTP handler the broker/gateway daemons mount at
// /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
