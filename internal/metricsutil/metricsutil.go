// Package metricsutil provides shared-vector metric registration for
// packages whose entities are instantiated many times against one
// process-wide Prometheus registerer (one SLI per indicator, one SLO
// per agent, one Experiment per chaos run, one Rollout per release) but
// whose metric vectors are meant to be a single family distinguished by
// label value, not re-declared per instance.
package metricsutil

import "github.com/prometheus/client_golang/prometheus"

// registerOrReuse registers c against reg, and if a collector
// describing the same metric family is already registered, returns
// that existing collector instead of panicking - letting many
// same-shaped entities (e.g. many SLOs) share one label-distinguished
// vector on a common registerer instead of each constructing and
// registering their own.
func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// GaugeVec registers (or reuses) a GaugeVec.
func GaugeVec(reg prometheus.Registerer, opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	return registerOrReuse(reg, prometheus.NewGaugeVec(opts, labelNames))
}

// CounterVec registers (or reuses) a CounterVec.
func CounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	return registerOrReuse(reg, prometheus.NewCounterVec(opts, labelNames))
}

// HistogramVec registers (or reuses) a HistogramVec.
func HistogramVec(reg prometheus.Registerer, opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	return registerOrReuse(reg, prometheus.NewHistogramVec(opts, labelNames))
}

// Histogram registers (or reuses) an unlabeled Histogram, shared across
// every instance of the entity that reports to it.
func Histogram(reg prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	return registerOrReuse(reg, prometheus.NewHistogram(opts))
}

// Counter registers (or reuses) an unlabeled Counter.
func Counter(reg prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return registerOrReuse(reg, prometheus.NewCounter(opts))
}

// Gauge registers (or reuses) an unlabeled Gauge.
func Gauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	return registerOrReuse(reg, prometheus.NewGauge(opts))
}
