// Package sli implements Service Level Indicators: windowed sample
// buffers with per-variant aggregation (mean, percentile, max) and
// compliance-fraction tracking against an oriented target.
//
// The seven built-in indicators are tagged variants of a single
// concrete type selected by Kind; custom indicators declare their own
// orientation and aggregation at construction instead of going through
// a duck-typed adapter.
package sli

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/clock"
	"github.com/reliableagents/controlplane/internal/metricsutil"
	cperrors "github.com/reliableagents/controlplane/pkg/errors"
)

// Kind tags the seven built-in indicator variants, or Custom for a
// caller-declared one.
type Kind string

const (
	TaskSuccessRate      Kind = "TASK_SUCCESS_RATE"
	ToolCallAccuracy     Kind = "TOOL_CALL_ACCURACY"
	ResponseLatency      Kind = "RESPONSE_LATENCY"
	CostPerTask          Kind = "COST_PER_TASK"
	PolicyCompliance     Kind = "POLICY_COMPLIANCE"
	DelegationChainDepth Kind = "DELEGATION_CHAIN_DEPTH"
	HallucinationRate    Kind = "HALLUCINATION_RATE"
	Custom               Kind = "CUSTOM"
)

// Orientation declares which direction of the aggregate is compliant.
type Orientation int

const (
	// AtLeast means compliant when aggregate >= target.
	AtLeast Orientation = iota
	// AtMost means compliant when aggregate <= target.
	AtMost
)

// aggregator reduces the in-window sample values to a single number.
type aggregator func(values []float64, percentile float64) (float64, bool)

func meanAggregator(values []float64, _ float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), true
}

func maxAggregator(values []float64, _ float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m, true
}

// percentileAggregator implements the nearest-rank method on sorted
// in-window samples.
func percentileAggregator(values []float64, percentile float64) (float64, bool) {
	n := len(values)
	if n == 0 {
		return 0, false
	}
	if n == 1 {
		return values[0], true
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(percentile/100.0*float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1], true
}

// Sample is a single recorded observation.
type Sample struct {
	Timestamp time.Time
	Value     float64
	Meta      map[string]interface{}
}

// Indicator is the capability contract every SLI variant satisfies:
// record a sample, compute the current aggregate, compute compliance
// fraction, and report target/orientation for the owning SLO.
type Indicator interface {
	Name() string
	Record(value float64, meta map[string]interface{}) Sample
	CurrentAggregate() (float64, bool)
	ComplianceFraction() (float64, bool)
	Target() float64
	Orientation() Orientation
	Window() time.Duration
}

type metrics struct {
	aggregate  *prometheus.GaugeVec
	compliance *prometheus.GaugeVec
	sampleCnt  *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		aggregate: metricsutil.GaugeVec(reg, prometheus.GaugeOpts{
			Name: "sli_current_aggregate",
			Help: "Current aggregate value of a service level indicator.",
		}, []string{"sli_name", "kind"}),
		compliance: metricsutil.GaugeVec(reg, prometheus.GaugeOpts{
			Name: "sli_compliance_fraction",
			Help: "Fraction of in-window samples individually meeting target.",
		}, []string{"sli_name", "kind"}),
		sampleCnt: metricsutil.GaugeVec(reg, prometheus.GaugeOpts{
			Name: "sli_sample_count",
			Help: "Number of samples currently in window.",
		}, []string{"sli_name", "kind"}),
	}
}

// SLI is the concrete indicator type backing every built-in and custom
// variant. Its own mutations are serialized; readers take a consistent
// snapshot of the in-window samples.
type SLI struct {
	name        string
	kind        Kind
	window      time.Duration
	target      float64
	orientation Orientation
	aggregate   aggregator
	percentile  float64 // only meaningful for ResponseLatency / percentile aggregator
	clk         clock.Clock
	logger      *zap.Logger
	metrics     *metrics

	mu      sync.Mutex
	samples []Sample
}

// Option customizes SLI construction.
type Option func(*SLI)

// WithPercentile sets the percentile (0-100) used by the percentile
// aggregator. Defaults to 95 if unset.
func WithPercentile(p float64) Option {
	return func(s *SLI) { s.percentile = p }
}

func newSLI(name string, kind Kind, target float64, window time.Duration, orientation Orientation, agg aggregator, clk clock.Clock, logger *zap.Logger, m *metrics, opts ...Option) *SLI {
	s := &SLI{
		name:        name,
		kind:        kind,
		window:      window,
		target:      target,
		orientation: orientation,
		aggregate:   agg,
		percentile:  95,
		clk:         clk,
		logger:      logger,
		metrics:     m,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewBuiltin constructs one of the seven named variants with its
// standard aggregation/orientation.
func NewBuiltin(reg prometheus.Registerer, clk clock.Clock, logger *zap.Logger, kind Kind, name string, target float64, window time.Duration, opts ...Option) (*SLI, error) {
	var orientation Orientation
	var agg aggregator

	switch kind {
	case TaskSuccessRate, ToolCallAccuracy, PolicyCompliance:
		orientation, agg = AtLeast, meanAggregator
	case ResponseLatency:
		orientation, agg = AtMost, percentileAggregator
	case CostPerTask, HallucinationRate:
		orientation, agg = AtMost, meanAggregator
	case DelegationChainDepth:
		orientation, agg = AtMost, maxAggregator
	default:
		return nil, cperrors.NewInvalidConfig("unknown built-in SLI kind: " + string(kind))
	}
	if window <= 0 {
		return nil, cperrors.NewInvalidConfig("window must be positive")
	}
	m := newMetrics(reg)
	return newSLI(name, kind, target, window, orientation, agg, clk, logger.Named("sli"), m, opts...), nil
}

// NewCustom constructs a caller-declared SLI. The caller must state the
// orientation explicitly. A custom SLI always aggregates by mean;
// WithPercentile does not change its aggregation.
func NewCustom(reg prometheus.Registerer, clk clock.Clock, logger *zap.Logger, name string, target float64, window time.Duration, orientation Orientation, opts ...Option) (*SLI, error) {
	if window <= 0 {
		return nil, cperrors.NewInvalidConfig("window must be positive")
	}
	m := newMetrics(reg)
	return newSLI(name, Custom, target, window, orientation, meanAggregator, clk, logger.Named("sli"), m, opts...), nil
}

// Name returns the indicator's name.
func (s *SLI) Name() string { return s.name }

// Kind returns the indicator's tagged variant.
func (s *SLI) Kind() Kind { return s.kind }

// Target returns the configured target value.
func (s *SLI) Target() float64 { return s.target }

// Orientation returns whether target is a lower or upper bound.
func (s *SLI) Orientation() Orientation { return s.orientation }

// Window returns the indicator's retention window.
func (s *SLI) Window() time.Duration { return s.window }

// Record appends a new sample, pruning expired ones.
func (s *SLI) Record(value float64, meta map[string]interface{}) Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	sample := Sample{Timestamp: now, Value: value, Meta: meta}
	s.samples = append(s.samples, sample)
	s.pruneLocked(now)
	s.observeLocked()
	return sample
}

// pruneLocked drops samples older than now - window. Samples exactly at
// the boundary (timestamp == now - window) are retained.
func (s *SLI) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	idx := 0
	for idx < len(s.samples) && s.samples[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		s.samples = append([]Sample(nil), s.samples[idx:]...)
	}
}

// SamplesInWindow returns a defensive copy of the live, unexpired
// samples (an independent restartable snapshot, not a reference).
func (s *SLI) SamplesInWindow() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.clk.Now())
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// CurrentAggregate returns the variant's aggregate over the in-window
// samples, or false if the window is empty ("unknown" - never 0.0).
func (s *SLI) CurrentAggregate() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.clk.Now())
	if len(s.samples) == 0 {
		return 0, false
	}
	values := make([]float64, len(s.samples))
	for i, sm := range s.samples {
		values[i] = sm.Value
	}
	return s.aggregate(values, s.percentile)
}

// meetsTarget reports whether v individually satisfies the oriented target.
func (s *SLI) meetsTarget(v float64) bool {
	if s.orientation == AtLeast {
		return v >= s.target
	}
	return v <= s.target
}

// ComplianceFraction returns the fraction of in-window samples that
// individually meet the oriented target, or false if the window is empty.
func (s *SLI) ComplianceFraction() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.clk.Now())
	if len(s.samples) == 0 {
		return 0, false
	}
	met := 0
	for _, sm := range s.samples {
		if s.meetsTarget(sm.Value) {
			met++
		}
	}
	return float64(met) / float64(len(s.samples)), true
}

// observeLocked pushes current aggregate/compliance/sample-count to
// the metrics vectors. Caller must hold s.mu.
func (s *SLI) observeLocked() {
	labels := prometheus.Labels{"sli_name": s.name, "kind": string(s.kind)}
	s.metrics.sampleCnt.With(labels).Set(float64(len(s.samples)))

	values := make([]float64, len(s.samples))
	for i, sm := range s.samples {
		values[i] = sm.Value
	}
	if agg, ok := s.aggregate(values, s.percentile); ok {
		s.metrics.aggregate.With(labels).Set(agg)
	}
	if len(s.samples) > 0 {
		met := 0
		for _, v := range values {
			if s.meetsTarget(v) {
				met++
			}
		}
		s.metrics.compliance.With(labels).Set(float64(met) / float64(len(values)))
	}
}

var _ Indicator = (*SLI)(nil)
