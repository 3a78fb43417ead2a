package metrics

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var forbiddenChars = regexp.MustCompile(`[ .=\-]`)

// Prometheus is a Collector that creates metrics on first use and exposes
// them through its own registry.
type Prometheus struct {
	mu         sync.Mutex
	gauges     map[string]prometheus.Gauge
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram

	registry *prometheus.Registry
}

func NewPrometheus() (*Prometheus, error) {
	p := &Prometheus{
		gauges:     make(map[string]prometheus.Gauge),
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
		registry:   prometheus.NewRegistry(),
	}
	if err := p.registry.Register(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Registry is what /metrics should serve.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Describe sends nothing, which makes the collector unchecked: metric
// names are only known once they are first updated.
func (p *Prometheus) Describe(chan<- *prometheus.Desc) {}

func (p *Prometheus) Collect(c chan<- prometheus.Metric) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, g := range p.gauges {
		g.Collect(c)
	}
	for _, cnt := range p.counters {
		cnt.Collect(c)
	}
	for _, h := range p.histograms {
		h.Collect(c)
	}
}

func flattenKey(name string, labels map[string]string) (string, string) {
	key := forbiddenChars.ReplaceAllString(name, "_")

	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(key)
	for _, k := range names {
		b.WriteString(";")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return key, b.String()
}

func constLabels(labels map[string]string) prometheus.Labels {
	l := make(prometheus.Labels, len(labels))
	for k, v := range labels {
		l[k] = v
	}
	return l
}

func (p *Prometheus) IncCounter(name string, labels map[string]string, delta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, hash := flattenKey(name, labels)
	c, ok := p.counters[hash]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        key,
			Help:        key,
			ConstLabels: constLabels(labels),
		})
		p.counters[hash] = c
	}
	c.Add(delta)
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, hash := flattenKey(name, labels)
	g, ok := p.gauges[hash]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        key,
			Help:        key,
			ConstLabels: constLabels(labels),
		})
		p.gauges[hash] = g
	}
	g.Set(value)
}

func (p *Prometheus) ObserveHistogram(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, hash := flattenKey(name, labels)
	h, ok := p.histograms[hash]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        key,
			Help:        key,
			Buckets:     prometheus.ExponentialBuckets(1, 4, 10),
			ConstLabels: constLabels(labels),
		})
		p.histograms[hash] = h
	}
	h.Observe(value)
}

var _ Collector = (*Prometheus)(nil)
