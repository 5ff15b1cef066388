// Package metrics exposes Prometheus instrumentation for proposal evaluation
// and regulator cycles.
//
// Every recorder is safe to call on a nil receiver so callers can run
// without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "homeostat"

// Collector owns the registry and the per-concern metric sets.
type Collector struct {
	registry   *prometheus.Registry
	Evaluation *EvaluationMetrics
	Regulator  *RegulatorMetrics
}

// NewCollector registers all metrics on registry. A nil registry gets a
// fresh one with Go runtime and process collectors.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return &Collector{
		registry:   registry,
		Evaluation: NewEvaluationMetrics(namespace, registry),
		Regulator:  NewRegulatorMetrics(namespace, registry),
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
