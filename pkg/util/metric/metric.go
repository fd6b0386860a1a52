// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package metric provides the counters and histograms kept by the query
// request handler and the query driver. Metrics are created through a
// Registry, which exports them in the Prometheus format:
//
//	reg := metric.NewRegistry()
//	batches := reg.Counter(metric.Metadata{
//		Name: "distsql.batches",
//		Help: "Number of batches executed",
//	})
//	batches.Inc(1)
package metric

import (
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metadata names and describes a metric. Dots in the name are exported as
// underscores.
type Metadata struct {
	Name string
	Help string
}

func (m Metadata) promName() string {
	return strings.ReplaceAll(m.Name, ".", "_")
}

// Counter is a monotonically increasing count.
type Counter struct {
	Metadata
	count atomic.Int64
	prom  prometheus.Counter
}

// Inc increments the counter by v.
func (c *Counter) Inc(v int64) {
	c.count.Add(v)
	c.prom.Add(float64(v))
}

// Count returns the current value.
func (c *Counter) Count() int64 {
	return c.count.Load()
}

// Gauge is a value that goes up and down.
type Gauge struct {
	Metadata
	val  atomic.Int64
	prom prometheus.Gauge
}

// Inc adds v to the gauge.
func (g *Gauge) Inc(v int64) {
	g.val.Add(v)
	g.prom.Add(float64(v))
}

// Dec subtracts v from the gauge.
func (g *Gauge) Dec(v int64) {
	g.Inc(-v)
}

// Value returns the current value.
func (g *Gauge) Value() int64 {
	return g.val.Load()
}

// Histogram records a distribution of observations.
type Histogram struct {
	Metadata
	prom prometheus.Histogram
}

// RecordValue adds an observation.
func (h *Histogram) RecordValue(v float64) {
	h.prom.Observe(v)
}

// Registry holds a set of metrics.
type Registry struct {
	prom *prometheus.Registry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{prom: prometheus.NewRegistry()}
}

// Counter registers a new counter. It panics if the name is taken.
func (r *Registry) Counter(md Metadata) *Counter {
	c := &Counter{
		Metadata: md,
		prom:     prometheus.NewCounter(prometheus.CounterOpts{Name: md.promName(), Help: md.Help}),
	}
	r.mustRegister(c.prom, md)
	return c
}

// Gauge registers a new gauge. It panics if the name is taken.
func (r *Registry) Gauge(md Metadata) *Gauge {
	g := &Gauge{
		Metadata: md,
		prom:     prometheus.NewGauge(prometheus.GaugeOpts{Name: md.promName(), Help: md.Help}),
	}
	r.mustRegister(g.prom, md)
	return g
}

// Histogram registers a new histogram with the given buckets. It panics if
// the name is taken.
func (r *Registry) Histogram(md Metadata, buckets []float64) *Histogram {
	h := &Histogram{
		Metadata: md,
		prom: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: md.promName(), Help: md.Help, Buckets: buckets,
		}),
	}
	r.mustRegister(h.prom, md)
	return h
}

func (r *Registry) mustRegister(c prometheus.Collector, md Metadata) {
	if err := r.prom.Register(c); err != nil {
		panic(errors.Wrapf(err, "registering metric %q", md.Name))
	}
}

// Gatherer returns the Prometheus view of the registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.prom
}
