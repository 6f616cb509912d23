// Package chaos runs fault-injection experiments against live agents
// with safety abort conditions and a composite resilience score.
package chaos

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reliableagents/controlplane/internal/clock"
	"github.com/reliableagents/controlplane/internal/metricsutil"
	cperrors "github.com/reliableagents/controlplane/pkg/errors"
)

// State is an experiment's lifecycle position.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateAborted   State = "ABORTED"
)

// FaultKind enumerates the injectable fault primitives plus the
// composite templates built from them.
type FaultKind string

const (
	LatencyInjection FaultKind = "LATENCY_INJECTION"
	ErrorInjection   FaultKind = "ERROR_INJECTION"
	TimeoutInjection FaultKind = "TIMEOUT_INJECTION"

	ToolSchemaDrift   FaultKind = "tool-schema-drift"
	DelegationReject  FaultKind = "delegation-reject"
	CredentialExpire  FaultKind = "credential-expire"
	CostSpike         FaultKind = "cost-spike"
	LLMDegradation    FaultKind = "llm-degradation"
)

// Fault describes one fault primitive within an experiment's schedule.
type Fault struct {
	Kind   FaultKind
	Target string
	Rate   float64
	Params map[string]interface{}
}

// Comparator is a comparison operator for an AbortCondition.
type Comparator string

const (
	LessOrEqual    Comparator = "<="
	GreaterOrEqual Comparator = ">="
	LessThan       Comparator = "<"
	GreaterThan    Comparator = ">"
)

// AbortCondition is a single safety trip-wire evaluated against a
// supplied metric snapshot.
type AbortCondition struct {
	Metric     string
	Threshold  float64
	Comparator Comparator
}

func (c AbortCondition) evaluate(value float64) bool {
	switch c.Comparator {
	case LessOrEqual:
		return value <= c.Threshold
	case GreaterOrEqual:
		return value >= c.Threshold
	case LessThan:
		return value < c.Threshold
	case GreaterThan:
		return value > c.Threshold
	default:
		return false
	}
}

// FaultEvent records one inject_fault call.
type FaultEvent struct {
	Timestamp time.Time
	Fault     Fault
	Applied   bool
	Details   string
}

// ResilienceScore is the composite outcome of calculate_resilience.
type ResilienceScore struct {
	FaultTolerance     float64
	Recovery           float64
	Overall            float64
	DegradationPercent float64
	CostImpactPercent  *float64
}

type metrics struct {
	experiments *prometheus.CounterVec
	resilience  prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		experiments: metricsutil.CounterVec(reg, prometheus.CounterOpts{
			Name: "chaos_experiments_total",
			Help: "Chaos experiments, by terminal state.",
		}, []string{"state"}),
		resilience: metricsutil.Histogram(reg, prometheus.HistogramOpts{
			Name:    "chaos_resilience_score",
			Help:    "Overall resilience score computed per experiment.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
	}
}

// Experiment is a single chaos run against a target agent.
type Experiment struct {
	Name            string
	TargetAgent     string
	Faults          []Fault
	Duration        time.Duration
	AbortConditions []AbortCondition
	BlastRadius     float64

	clk     clock.Clock
	metrics *metrics

	mu         sync.Mutex
	state      State
	startTime  time.Time
	abortedAt  time.Time
	faultLog   []FaultEvent
}

// New constructs a PENDING experiment. blastRadius must be in [0,1].
func New(reg prometheus.Registerer, clk clock.Clock, name, targetAgent string, faults []Fault, duration time.Duration, abortConditions []AbortCondition, blastRadius float64) (*Experiment, error) {
	if blastRadius < 0 || blastRadius > 1 {
		return nil, cperrors.NewInvalidConfig("blast_radius must be in [0,1]")
	}
	if duration <= 0 {
		return nil, cperrors.NewInvalidConfig("duration must be positive")
	}
	return &Experiment{
		Name:            name,
		TargetAgent:     targetAgent,
		Faults:          append([]Fault(nil), faults...),
		Duration:        duration,
		AbortConditions: append([]AbortCondition(nil), abortConditions...),
		BlastRadius:     blastRadius,
		clk:             clk,
		metrics:         newMetrics(reg),
		state:           StatePending,
	}, nil
}

// State returns the experiment's current lifecycle state, accounting
// for self-termination at start_time+duration.
func (e *Experiment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeExpireLocked()
	return e.state
}

func (e *Experiment) maybeExpireLocked() {
	if e.state == StateRunning && !e.startTime.IsZero() && e.clk.Now().Sub(e.startTime) >= e.Duration {
		e.state = StateCompleted
		e.metrics.experiments.With(prometheus.Labels{"state": string(StateCompleted)}).Inc()
	}
}

// Start transitions PENDING -> RUNNING and records start_time.
func (e *Experiment) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePending {
		return cperrors.NewInvalidState(string(e.state), "start")
	}
	e.state = StateRunning
	e.startTime = e.clk.Now()
	return nil
}

// InjectFault appends a fault-event record. It is a no-op once the
// experiment has aborted or otherwise left RUNNING.
func (e *Experiment) InjectFault(fault Fault, applied bool, details string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeExpireLocked()
	if e.state != StateRunning {
		return
	}
	e.faultLog = append(e.faultLog, FaultEvent{
		Timestamp: e.clk.Now(),
		Fault:     fault,
		Applied:   applied,
		Details:   details,
	})
}

// FaultLog returns a defensive copy of the recorded fault events,
// applied or not.
func (e *Experiment) FaultLog() []FaultEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FaultEvent, len(e.faultLog))
	copy(out, e.faultLog)
	return out
}

// CheckAbort evaluates every AbortCondition against currentMetrics.
// The first match transitions RUNNING -> ABORTED and returns true.
// Only effective while RUNNING.
func (e *Experiment) CheckAbort(currentMetrics map[string]float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeExpireLocked()
	if e.state != StateRunning {
		return false
	}
	for _, cond := range e.AbortConditions {
		value, ok := currentMetrics[cond.Metric]
		if !ok {
			continue
		}
		if cond.evaluate(value) {
			e.state = StateAborted
			e.abortedAt = e.clk.Now()
			e.metrics.experiments.With(prometheus.Labels{"state": string(StateAborted)}).Inc()
			return true
		}
	}
	return false
}

// CalculateResilience computes a composite resilience score. It is
// valid regardless of the experiment's current state: even an aborted
// experiment still reports resilience from the metrics supplied.
func (e *Experiment) CalculateResilience(baseline, underChaos float64, recoveryMs *float64) (ResilienceScore, error) {
	if baseline <= 0 {
		return ResilienceScore{}, cperrors.NewInvalidConfig("baseline must be positive")
	}

	faultTolerance := 100 * (underChaos / baseline)
	faultTolerance = clamp(faultTolerance, 0, 100)

	recovery := 0.0
	if recoveryMs != nil {
		recovery = 100 * math.Exp(-*recoveryMs/10_000)
	}

	overall := 0.6*faultTolerance + 0.4*recovery
	degradation := 100 * (1 - underChaos/baseline)

	score := ResilienceScore{
		FaultTolerance:     faultTolerance,
		Recovery:           recovery,
		Overall:            overall,
		DegradationPercent: degradation,
	}
	e.metrics.resilience.Observe(overall)
	return score, nil
}

// WithCostImpact attaches an optional cost_impact_percent to an
// already-computed score.
func WithCostImpact(score ResilienceScore, costImpactPercent float64) ResilienceScore {
	score.CostImpactPercent = &costImpactPercent
	return score
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
