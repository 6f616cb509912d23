// Package delivery implements progressive-delivery rollouts: staged
// traffic shifting gated by analysis criteria, with automatic
// rollback on breach and an explicit PAUSED/IN_PROGRESS toggle.
package delivery

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/clock"
	"github.com/reliableagents/controlplane/internal/metricsutil"
	"github.com/reliableagents/controlplane/internal/slo"
	cperrors "github.com/reliableagents/controlplane/pkg/errors"
)

// State is a rollout's lifecycle position.
type State string

const (
	StatePending     State = "PENDING"
	StateInProgress  State = "IN_PROGRESS"
	StatePaused      State = "PAUSED"
	StateRolledBack  State = "ROLLED_BACK"
	StatePromoted    State = "PROMOTED"
)

// Comparator is a comparison operator for an analysis or rollback criterion.
type Comparator string

const (
	LessOrEqual    Comparator = "<="
	GreaterOrEqual Comparator = ">="
	LessThan       Comparator = "<"
	GreaterThan    Comparator = ">"
)

func (c Comparator) evaluate(value, threshold float64) bool {
	switch c {
	case LessOrEqual:
		return value <= threshold
	case GreaterOrEqual:
		return value >= threshold
	case LessThan:
		return value < threshold
	case GreaterThan:
		return value > threshold
	default:
		return false
	}
}

// Criterion is one metric comparison used both for analysis gates and
// for rollback conditions.
type Criterion struct {
	Metric     string
	Comparator Comparator
	Threshold  float64
}

func (c Criterion) passes(metrics map[string]float64) (bool, bool) {
	value, ok := metrics[c.Metric]
	if !ok {
		return false, false
	}
	return c.Comparator.evaluate(value, c.Threshold), true
}

// Step is one stage of a progressive rollout.
type Step struct {
	Weight           float64
	Duration         time.Duration
	AnalysisCriteria []Criterion
	ManualGate       bool
}

// Shadow is true when the step mirrors traffic without serving any of
// it live: Weight 0 with full comparison still feeding analysis gates.
func (s Step) Shadow() bool { return s.Weight == 0 }

type metrics struct {
	transitions *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		transitions: metricsutil.CounterVec(reg, prometheus.CounterOpts{
			Name: "rollout_transitions_total",
			Help: "Rollout state transitions, by destination state.",
		}, []string{"state"}),
	}
}

// Rollout is a staged traffic-shift with gated advancement and
// continuously-evaluated rollback conditions.
type Rollout struct {
	Name               string
	Steps              []Step
	RollbackConditions []Criterion

	clk     clock.Clock
	logger  *zap.Logger
	metrics *metrics

	mu             sync.Mutex
	state          State
	stepIndex      int
	enteredStepAt  time.Time
	manualApproved bool
	rollbackReason string
	rolledBackAt   time.Time
}

// New constructs a PENDING rollout. Steps must have non-decreasing
// weights and the final step's weight must be 1.0.
func New(reg prometheus.Registerer, clk clock.Clock, logger *zap.Logger, name string, steps []Step, rollbackConditions []Criterion) (*Rollout, error) {
	if len(steps) == 0 {
		return nil, cperrors.NewInvalidConfig("rollout requires at least one step")
	}
	prev := -1.0
	for i, st := range steps {
		if st.Weight < prev {
			return nil, cperrors.NewInvalidConfig("step weights must be non-decreasing")
		}
		prev = st.Weight
		if i == len(steps)-1 && st.Weight != 1.0 {
			return nil, cperrors.NewInvalidConfig("final step weight must be 1.0")
		}
	}
	return &Rollout{
		Name:               name,
		Steps:               append([]Step(nil), steps...),
		RollbackConditions: append([]Criterion(nil), rollbackConditions...),
		clk:                clk,
		logger:             logger.Named("delivery"),
		metrics:            newMetrics(reg),
		state:              StatePending,
		stepIndex:          0,
	}, nil
}

// State returns the rollout's current lifecycle state.
func (r *Rollout) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// StepIndex returns the index of the current step.
func (r *Rollout) StepIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stepIndex
}

// CurrentStep returns the step the rollout currently occupies.
func (r *Rollout) CurrentStep() Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Steps[r.stepIndex]
}

// RollbackReason returns the reason recorded by the rollback that
// terminated the rollout, if any.
func (r *Rollout) RollbackReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rollbackReason
}

func (r *Rollout) recordTransitionLocked(to State) {
	r.state = to
	r.metrics.transitions.With(prometheus.Labels{"state": string(to)}).Inc()
}

// Start transitions PENDING -> IN_PROGRESS at step 0.
func (r *Rollout) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePending {
		return cperrors.NewInvalidState(string(r.state), "start")
	}
	r.stepIndex = 0
	r.enteredStepAt = r.clk.Now()
	r.manualApproved = false
	r.recordTransitionLocked(StateInProgress)
	return nil
}

// Pause toggles IN_PROGRESS -> PAUSED without changing step index.
func (r *Rollout) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateInProgress {
		return cperrors.NewInvalidState(string(r.state), "pause")
	}
	r.recordTransitionLocked(StatePaused)
	return nil
}

// Resume toggles PAUSED -> IN_PROGRESS without changing step index.
func (r *Rollout) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return cperrors.NewInvalidState(string(r.state), "resume")
	}
	r.recordTransitionLocked(StateInProgress)
	return nil
}

// Approve satisfies a step's manual_gate requirement.
func (r *Rollout) Approve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateInProgress && r.state != StatePaused {
		return cperrors.NewInvalidState(string(r.state), "approve")
	}
	r.manualApproved = true
	return nil
}

// Ready reports whether the current step may advance: its duration
// has elapsed, every analysis criterion passes against metrics, and
// any manual gate has been approved.
func (r *Rollout) Ready(metrics map[string]float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyLocked(metrics)
}

func (r *Rollout) readyLocked(metrics map[string]float64) bool {
	if r.state != StateInProgress {
		return false
	}
	step := r.Steps[r.stepIndex]
	if r.clk.Now().Sub(r.enteredStepAt) < step.Duration {
		return false
	}
	for _, crit := range step.AnalysisCriteria {
		passed, ok := crit.passes(metrics)
		if !ok || !passed {
			return false
		}
	}
	if step.ManualGate && !r.manualApproved {
		return false
	}
	return true
}

// Advance increments current_step_index when the current step is
// ready; past the final step it transitions to PROMOTED. Only valid
// in IN_PROGRESS.
func (r *Rollout) Advance(metrics map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateInProgress {
		return cperrors.NewInvalidState(string(r.state), "advance")
	}
	if !r.readyLocked(metrics) {
		return cperrors.New(cperrors.InvalidState, "rollout step not ready to advance", "")
	}
	r.stepIndex++
	r.manualApproved = false
	if r.stepIndex >= len(r.Steps) {
		r.recordTransitionLocked(StatePromoted)
		return nil
	}
	r.enteredStepAt = r.clk.Now()
	return nil
}

// Promote is an explicit terminal transition, equivalent to advancing
// past the final step.
func (r *Rollout) Promote() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateInProgress && r.state != StatePaused {
		return cperrors.NewInvalidState(string(r.state), "promote")
	}
	r.recordTransitionLocked(StatePromoted)
	return nil
}

// Rollback transitions any non-terminal state to ROLLED_BACK,
// recording reason and timestamp.
func (r *Rollout) Rollback(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRolledBack || r.state == StatePromoted {
		return cperrors.NewInvalidState(string(r.state), "rollback")
	}
	r.rollbackReason = reason
	r.rolledBackAt = r.clk.Now()
	r.recordTransitionLocked(StateRolledBack)
	return nil
}

// Cancel is the external-facing rollback with a fixed reason.
func (r *Rollout) Cancel() error {
	return r.Rollback("cancelled")
}

// HandleSLOStatus auto-pauses an IN_PROGRESS rollout when the
// candidate's SLO reaches CRITICAL or EXHAUSTED, giving an operator a
// chance to inspect before any rollback condition independently
// fires. It never itself rolls back: rollback stays the exclusive
// province of explicit RollbackConditions, so "rollback conditions
// take precedence over advancement" remains literally true. Returns
// true if a pause was applied.
func (r *Rollout) HandleSLOStatus(status slo.Status) (bool, error) {
	if status != slo.Critical && status != slo.Exhausted {
		return false, nil
	}
	r.mu.Lock()
	inProgress := r.state == StateInProgress
	r.mu.Unlock()
	if !inProgress {
		return false, nil
	}
	if err := r.Pause(); err != nil {
		return false, err
	}
	return true, nil
}

// CheckRollbackConditions evaluates the rollback condition list
// against metrics; rollback conditions take precedence over
// advancement, so callers should check this before calling Advance.
// The first matching condition triggers an automatic rollback.
func (r *Rollout) CheckRollbackConditions(metrics map[string]float64) (bool, error) {
	r.mu.Lock()
	if r.state != StateInProgress && r.state != StatePaused {
		r.mu.Unlock()
		return false, nil
	}
	var triggered *Criterion
	for i, crit := range r.RollbackConditions {
		passed, ok := crit.passes(metrics)
		if ok && passed {
			triggered = &r.RollbackConditions[i]
			break
		}
	}
	r.mu.Unlock()

	if triggered == nil {
		return false, nil
	}
	reason := "rollback_condition:" + triggered.Metric
	if err := r.Rollback(reason); err != nil {
		return false, err
	}
	return true, nil
}
