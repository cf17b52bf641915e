// Package metrics provides process metrics backed by prometheus. Counters
// and gauges are created on first use and cached by name + tags.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	mtx      sync.Mutex
	counters = map[string]prometheus.Counter{}
	gauges   = map[string]prometheus.Gauge{}
)

func key(name string, tags map[string]string) string {
	parts := make([]string, 0, len(tags)+1)
	parts = append(parts, name)
	for k, v := range tags {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts[1:])
	return strings.Join(parts, ",")
}

// GetCounter returns the counter with the given name and tags, creating and
// registering it if necessary.
func GetCounter(name string, tags map[string]string) prometheus.Counter {
	mtx.Lock()
	defer mtx.Unlock()
	k := key(name, tags)
	if c, ok := counters[k]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        name,
		ConstLabels: prometheus.Labels(tags),
	})
	registry.MustRegister(c)
	counters[k] = c
	return c
}

// GetGauge returns the gauge with the given name and tags, creating and
// registering it if necessary.
func GetGauge(name string, tags map[string]string) prometheus.Gauge {
	mtx.Lock()
	defer mtx.Unlock()
	k := key(name, tags)
	if g, ok := gauges[k]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        name,
		ConstLabels: prometheus.Labels(tags),
	})
	registry.MustRegister(g)
	gauges[k] = g
	return g
}

// Handler returns an http.Handler which serves the metrics in prometheus
// text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
