package metrics

import "github.com/prometheus/client_golang/prometheus"

// Config selects which Collector implementation the server wires in.
// Exposing metrics over HTTP is not this module's concern; an operator
// wanting Prometheus scraping wires NewPrometheusCollector's registry into
// their own exporter.
type Config struct {
	Enabled bool
}

// New builds the Collector named by cfg. When Enabled is false, or when no
// registry is supplied, it returns a NoopCollector.
func New(cfg Config, reg prometheus.Registerer) Collector {
	if !cfg.Enabled || reg == nil {
		return &NoopCollector{}
	}
	return NewPrometheusCollector(reg)
}
