package metric

import (
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/mbus/errors"
)

// MetricsRegistry holds the core bus metrics and the collectors components
// register under an owner name. Each registry wraps its own
// prometheus.Registry, so several buses can share a process.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics

	mu     sync.Mutex
	owners map[string]map[string]prometheus.Collector
}

// NewMetricsRegistry creates a registry with the core metrics and the Go
// runtime collectors registered.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		Metrics:            NewMetrics(),
		owners:             make(map[string]map[string]prometheus.Collector),
	}
	r.Metrics.mustRegister(r.prometheusRegistry)
	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core bus metrics
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

// Register adds c under owner and name. A name taken by the owner, or a
// collector Prometheus already knows, is an invalid-class error.
func (r *MetricsRegistry) Register(owner, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.owners[owner][name]; taken {
		return errors.WrapInvalid(fmt.Errorf("%s already registers %s", owner, name),
			"MetricsRegistry", "Register", "duplicate metric")
	}
	if err := r.prometheusRegistry.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register with prometheus")
	}

	named, ok := r.owners[owner]
	if !ok {
		named = make(map[string]prometheus.Collector)
		r.owners[owner] = named
	}
	named[name] = c
	return nil
}

// Unregister removes one metric of owner. It reports whether it was there.
func (r *MetricsRegistry) Unregister(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.owners[owner][name]
	if !ok || !r.prometheusRegistry.Unregister(c) {
		return false
	}
	r.forget(owner, name)
	return true
}

// UnregisterOwner removes every metric owner registered and returns how many
// went.
func (r *MetricsRegistry) UnregisterOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, c := range r.owners[owner] {
		if r.prometheusRegistry.Unregister(c) {
			r.forget(owner, name)
			removed++
		}
	}
	return removed
}

// Owned lists the metric names owner has registered, sorted.
func (r *MetricsRegistry) Owned(owner string) []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.owners[owner]))
	for name := range r.owners[owner] {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

func (r *MetricsRegistry) forget(owner, name string) {
	delete(r.owners[owner], name)
	if len(r.owners[owner]) == 0 {
		delete(r.owners, owner)
	}
}
