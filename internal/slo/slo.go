// Package slo implements Service Level Objectives: a named set of
// unique SLIs plus an error budget, combined into one composite
// status per the totally-ordered status scale.
package slo

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/clock"
	"github.com/reliableagents/controlplane/internal/metricsutil"
	"github.com/reliableagents/controlplane/internal/signal"
	"github.com/reliableagents/controlplane/internal/sli"
	cperrors "github.com/reliableagents/controlplane/pkg/errors"
)

// Status is the composite health of an SLO. The scale is totally
// ordered: HEALTHY < WARNING < CRITICAL < EXHAUSTED < UNKNOWN.
type Status int

const (
	Healthy Status = iota
	Warning
	Critical
	Exhausted
	Unknown
)

// String renders the status name.
func (s Status) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	case Exhausted:
		return "EXHAUSTED"
	case Unknown:
		return "UNKNOWN"
	default:
		return "UNKNOWN"
	}
}

// MoreSevere reports whether a ranks after b on the total order.
func (s Status) MoreSevere(o Status) bool { return s > o }

// DefaultComplianceMargin is applied when none is configured: WARNING
// fires whenever compliance strictly misses the oriented target.
const DefaultComplianceMargin = 0.0

// DefaultBudgetWindow is used when an SLO derives its own budget.
const DefaultBudgetWindow = 30 * 24 * time.Hour

type sloMetrics struct {
	status *prometheus.GaugeVec
}

func newSLOMetrics(reg prometheus.Registerer) *sloMetrics {
	return &sloMetrics{
		status: metricsutil.GaugeVec(reg, prometheus.GaugeOpts{
			Name: "slo_status",
			Help: "Composite SLO status as an ordinal: 0=HEALTHY 1=WARNING 2=CRITICAL 3=EXHAUSTED 4=UNKNOWN.",
		}, []string{"slo_name", "agent_id"}),
	}
}

// SLO is a named set of indicators plus an error budget, evaluated
// together into one composite Status.
type SLO struct {
	name             string
	agentID          string
	indicators       map[string]sli.Indicator
	order            []string // preserves registration order for deterministic iteration
	budget           *ErrorBudget
	complianceMargin float64

	clk     clock.Clock
	logger  *zap.Logger
	metrics *sloMetrics

	mu         sync.Mutex
	lastStatus Status
	firstEval  bool

	signals chan<- signal.Signal
	dropped *prometheus.CounterVec
}

// Option customizes SLO construction.
type Option func(*SLO)

// WithComplianceMargin overrides DefaultComplianceMargin.
func WithComplianceMargin(margin float64) Option {
	return func(s *SLO) { s.complianceMargin = margin }
}

// New constructs an SLO. indicators must have unique names. If budget
// is nil, one is derived as 1 - min(targets of AtLeast-oriented
// indicators) over DefaultBudgetWindow.
func New(reg prometheus.Registerer, clk clock.Clock, logger *zap.Logger, name, agentID string, indicators []sli.Indicator, budget *ErrorBudget, signals chan<- signal.Signal, opts ...Option) (*SLO, error) {
	if name == "" {
		return nil, cperrors.NewInvalidConfig("slo name is required")
	}
	byName := make(map[string]sli.Indicator, len(indicators))
	order := make([]string, 0, len(indicators))
	for _, ind := range indicators {
		if _, exists := byName[ind.Name()]; exists {
			return nil, cperrors.NewInvalidConfig(fmt.Sprintf("duplicate SLI name %q in SLO %q", ind.Name(), name))
		}
		byName[ind.Name()] = ind
		order = append(order, ind.Name())
	}

	if budget == nil {
		derived, err := deriveDefaultBudget(reg, clk, logger, name, indicators)
		if err != nil {
			return nil, err
		}
		budget = derived
	}

	s := &SLO{
		name:             name,
		agentID:          agentID,
		indicators:       byName,
		order:            order,
		budget:           budget,
		complianceMargin: DefaultComplianceMargin,
		clk:              clk,
		logger:           logger.Named("slo"),
		metrics:          newSLOMetrics(reg),
		lastStatus:       Healthy,
		firstEval:        true,
		signals:          signals,
		dropped: metricsutil.CounterVec(reg, prometheus.CounterOpts{
			Name: "slo_signals_dropped_total",
			Help: "Signals dropped because the egress channel was full.",
		}, []string{"slo_name"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func deriveDefaultBudget(reg prometheus.Registerer, clk clock.Clock, logger *zap.Logger, name string, indicators []sli.Indicator) (*ErrorBudget, error) {
	minTarget := -1.0
	for _, ind := range indicators {
		if ind.Orientation() != sli.AtLeast {
			continue
		}
		if minTarget < 0 || ind.Target() < minTarget {
			minTarget = ind.Target()
		}
	}
	if minTarget < 0 {
		minTarget = 0.999
	}
	total := 1 - minTarget
	if total <= 0 {
		total = 0.001
	}
	return NewErrorBudget(reg, clk, logger, name, total, DefaultBudgetWindow, 2.0, 10.0, ActionAlert)
}

// Name returns the SLO's name.
func (s *SLO) Name() string { return s.name }

// Budget returns the SLO's error budget.
func (s *SLO) Budget() *ErrorBudget { return s.budget }

// Indicator returns the named SLI, if registered.
func (s *SLO) Indicator(name string) (sli.Indicator, bool) {
	ind, ok := s.indicators[name]
	return ind, ok
}

// Evaluate computes the SLO's current composite status, emitting an
// SLO_BREACH or ERROR_BUDGET_EXHAUSTED signal exactly once per
// transition into CRITICAL or EXHAUSTED.
func (s *SLO) Evaluate() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.computeStatus()

	if (status == Critical || status == Exhausted) && (s.firstEval || status != s.lastStatus) {
		s.emitLocked(status)
	}
	s.firstEval = false
	s.lastStatus = status
	s.metrics.status.With(prometheus.Labels{"slo_name": s.name, "agent_id": s.agentID}).Set(float64(status))
	return status
}

func (s *SLO) computeStatus() Status {
	missing := false
	anyBreach := false
	anyWarnCompliance := false

	for _, name := range s.order {
		ind := s.indicators[name]
		agg, ok := ind.CurrentAggregate()
		if !ok {
			missing = true
			continue
		}
		if !indMeetsTarget(ind, agg) {
			anyBreach = true
		}
		compliance, cok := ind.ComplianceFraction()
		if cok && warnOnCompliance(ind, compliance, s.complianceMargin) {
			anyWarnCompliance = true
		}
	}

	if missing && !anyBreach {
		return Unknown
	}

	switch {
	case s.budget.IsExhausted():
		return Exhausted
	case s.budget.CriticalFiring() || anyBreach:
		return Critical
	case s.budget.WarnFiring() || anyWarnCompliance:
		return Warning
	default:
		return Healthy
	}
}

func indMeetsTarget(ind sli.Indicator, aggregate float64) bool {
	if ind.Orientation() == sli.AtLeast {
		return aggregate >= ind.Target()
	}
	return aggregate <= ind.Target()
}

func warnOnCompliance(ind sli.Indicator, compliance, margin float64) bool {
	target := ind.Target()
	if ind.Orientation() == sli.AtLeast {
		return compliance < target-margin
	}
	// For AtMost-oriented SLIs, compliance already measures the
	// fraction meeting the upper bound; a margin widens the bound the
	// same way.
	return compliance < 1.0-margin
}

func (s *SLO) emitLocked(status Status) {
	if s.signals == nil {
		return
	}
	kind := signal.SLOBreach
	severity := signal.P2
	if status == Exhausted {
		kind = signal.ErrorBudgetExhausted
		severity = signal.P1
	}
	sig := signal.Signal{
		Kind:        kind,
		SourceAgent: s.agentID,
		Severity:    severity,
		Message:     fmt.Sprintf("SLO %q transitioned to %s", s.name, status),
		Metadata:    map[string]interface{}{"slo_name": s.name, "status": status.String()},
		Timestamp:   s.clk.Now(),
		DedupKey:    fmt.Sprintf("%s:%s:%s", s.agentID, s.name, status.String()),
	}
	select {
	case s.signals <- sig:
	default:
		s.dropped.With(prometheus.Labels{"slo_name": s.name}).Inc()
		s.logger.Warn("signal dropped: egress channel full", zap.String("slo", s.name))
	}
}
