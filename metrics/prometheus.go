// Package metrics exposes dispatch metrics through a Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-dispatch/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements core.MetricsRecorder and core.GaugeRecorder. Vectors
// are created on first use; the label set seen first is kept for the life of
// the metric and later calls are projected onto it.
type Recorder struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labels     map[string][]string
}

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Recorder{
		registry:   registry,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		labels:     map[string][]string{},
	}
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	metric := metricName(name)
	r.mu.Lock()
	vec, ok := r.counters[metric]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metric,
			Help: "Counter for " + name,
		}, r.labelNames(metric, tags))
		if !r.register(vec) {
			r.mu.Unlock()
			return
		}
		r.counters[metric] = vec
	}
	labels := r.project(metric, tags)
	r.mu.Unlock()
	vec.With(labels).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	metric := metricName(name)
	r.mu.Lock()
	vec, ok := r.histograms[metric]
	if !ok {
		buckets := prometheus.DefBuckets
		if strings.HasSuffix(metric, "_ms") {
			buckets = prometheus.ExponentialBuckets(5, 2, 12)
		}
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metric,
			Help:    "Distribution of " + name,
			Buckets: buckets,
		}, r.labelNames(metric, tags))
		if !r.register(vec) {
			r.mu.Unlock()
			return
		}
		r.histograms[metric] = vec
	}
	labels := r.project(metric, tags)
	r.mu.Unlock()
	vec.With(labels).Observe(value)
}

func (r *Recorder) SetGauge(_ context.Context, name string, value float64, tags map[string]string) {
	metric := metricName(name)
	r.mu.Lock()
	vec, ok := r.gauges[metric]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metric,
			Help: "Gauge for " + name,
		}, r.labelNames(metric, tags))
		if !r.register(vec) {
			r.mu.Unlock()
			return
		}
		r.gauges[metric] = vec
	}
	labels := r.project(metric, tags)
	r.mu.Unlock()
	vec.With(labels).Set(value)
}

// register reports false when the name collides with a metric of another kind.
func (r *Recorder) register(collector prometheus.Collector) bool {
	return r.registry.Register(collector) == nil
}

func (r *Recorder) labelNames(metric string, tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for key := range tags {
		names = append(names, labelName(key))
	}
	sort.Strings(names)
	names = dedupe(names)
	r.labels[metric] = names
	return names
}

func (r *Recorder) project(metric string, tags map[string]string) prometheus.Labels {
	normalized := make(map[string]string, len(tags))
	for key, value := range tags {
		normalized[labelName(key)] = value
	}
	labels := prometheus.Labels{}
	for _, name := range r.labels[metric] {
		labels[name] = normalized[name]
	}
	return labels
}

func metricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "dispatch_unnamed"
	}
	return sanitize(name)
}

func labelName(name string) string {
	return sanitize(strings.TrimSpace(name))
}

func sanitize(value string) string {
	var b strings.Builder
	for i, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, value := range sorted {
		if i > 0 && sorted[i-1] == value {
			continue
		}
		out = append(out, value)
	}
	return out
}

var (
	_ core.MetricsRecorder = (*Recorder)(nil)
	_ core.GaugeRecorder   = (*Recorder)(nil)
)
