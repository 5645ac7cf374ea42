package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dcf"

type collector struct {
	labels    []string
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
	summary   *prometheus.SummaryVec
	extreme   map[string]float64
}

type registry struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	collectors map[string]*collector
}

var _registry = newRegistry()

func newRegistry() *registry {
	return &registry{
		reg:        prometheus.NewRegistry(),
		collectors: make(map[string]*collector),
	}
}

// Reset drops every registered metric. Intended for tests.
func Reset() {
	_registry.mu.Lock()
	defer _registry.mu.Unlock()
	_registry.reg = prometheus.NewRegistry()
	_registry.collectors = make(map[string]*collector)
}

// Gatherer returns the registry metrics are reported to.
func Gatherer() prometheus.Gatherer {
	_registry.mu.Lock()
	defer _registry.mu.Unlock()
	return _registry.reg
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer(), promhttp.HandlerOpts{})
}

func metricName(group, name string) string {
	return prometheus.BuildFQName(namespace, strings.ReplaceAll(group, ".", "_"), name)
}

func labelKeys(dims Dimension) []string {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// labelValues orders dims by the collector's fixed label set. Unknown keys are
// dropped and missing ones reported empty.
func (c *collector) labelValues(dims Dimension) []string {
	vals := make([]string, len(c.labels))
	for i, k := range c.labels {
		vals[i] = dims[k]
	}
	return vals
}

func (r *registry) get(group, name string, policy Policy, dims Dimension) *collector {
	key := metricName(group, name)
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.collectors[key]; ok {
		return c
	}

	c := &collector{labels: labelKeys(dims)}
	switch policy {
	case PolicySum:
		c.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: key, Help: group + " " + name}, c.labels)
		r.reg.MustRegister(c.counter)
	case PolicyStopwatch, PolicyHistogram:
		c.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    key,
			Help:    group + " " + name,
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, c.labels)
		r.reg.MustRegister(c.histogram)
	case PolicyMid:
		c.summary = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       key,
			Help:       group + " " + name,
			Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001},
		}, c.labels)
		r.reg.MustRegister(c.summary)
	default:
		c.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: key, Help: group + " " + name}, c.labels)
		c.extreme = make(map[string]float64)
		r.reg.MustRegister(c.gauge)
	}
	r.collectors[key] = c
	return c
}

// Report records value for group/name aggregated according to policy. The
// first report of a metric fixes its policy and label set.
func Report(group, name string, policy Policy, value Value, dims Dimension) {
	c := _registry.get(group, name, policy, dims)
	vals := c.labelValues(dims)
	switch {
	case c.counter != nil:
		if value >= 0 {
			c.counter.WithLabelValues(vals...).Add(float64(value))
		}
	case c.histogram != nil:
		c.histogram.WithLabelValues(vals...).Observe(float64(value))
	case c.summary != nil:
		c.summary.WithLabelValues(vals...).Observe(float64(value))
	default:
		v := float64(value)
		if policy == PolicyMax || policy == PolicyMin {
			_registry.mu.Lock()
			id := strings.Join(vals, "\xff")
			prev, seen := c.extreme[id]
			if seen && ((policy == PolicyMax && prev >= v) || (policy == PolicyMin && prev <= v)) {
				_registry.mu.Unlock()
				return
			}
			c.extreme[id] = v
			_registry.mu.Unlock()
		}
		c.gauge.WithLabelValues(vals...).Set(v)
	}
}

// IncrCounterWithGroup adds value to a counter.
func IncrCounterWithGroup(group, name string, value Value) {
	Report(group, name, PolicySum, value, nil)
}

// IncrCounterWithDimGroup adds value to a labelled counter.
func IncrCounterWithDimGroup(group, name string, value Value, dims Dimension) {
	Report(group, name, PolicySum, value, dims)
}

// UpdateGaugeWithGroup sets a gauge.
func UpdateGaugeWithGroup(group, name string, value Value) {
	Report(group, name, PolicySet, value, nil)
}

// UpdateGaugeWithDimGroup sets a labelled gauge.
func UpdateGaugeWithDimGroup(group, name string, value Value, dims Dimension) {
	Report(group, name, PolicySet, value, dims)
}

// RecordStopwatchWithGroup observes the seconds elapsed since start.
func RecordStopwatchWithGroup(group, name string, start time.Time) {
	Report(group, name, PolicyStopwatch, Value(time.Since(start).Seconds()), nil)
}

// RecordStopwatchWithDimGroup observes the seconds elapsed since start with labels.
func RecordStopwatchWithDimGroup(group, name string, start time.Time, dims Dimension) {
	Report(group, name, PolicyStopwatch, Value(time.Since(start).Seconds()), dims)
}

// CounterValue returns the current value of a counter, or 0 if it was never
// reported.
func CounterValue(group, name string, dims Dimension) float64 {
	_registry.mu.Lock()
	c, ok := _registry.collectors[metricName(group, name)]
	_registry.mu.Unlock()
	if !ok || c.counter == nil {
		return 0
	}
	return gatherValue(c.counter.WithLabelValues(c.labelValues(dims)...))
}

// GaugeValue returns the current value of a gauge, or 0 if it was never set.
func GaugeValue(group, name string, dims Dimension) float64 {
	_registry.mu.Lock()
	c, ok := _registry.collectors[metricName(group, name)]
	_registry.mu.Unlock()
	if !ok || c.gauge == nil {
		return 0
	}
	return gatherValue(c.gauge.WithLabelValues(c.labelValues(dims)...))
}
