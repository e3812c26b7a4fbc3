package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry creates the global Prometheus registry and registers the
// standard Go runtime and process collectors.
//
// Call once at startup when metrics are enabled. Metric constructors
// return nil until the registry is initialized, which disables collection
// with zero overhead.
//
// Calling InitRegistry again replaces the registry. This is primarily
// useful in tests to get a clean slate.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}

// IsEnabled reports whether the metrics registry has been initialized.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the global Prometheus registry, or nil if metrics
// are disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}
