package slo_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/clock"
	"github.com/reliableagents/controlplane/internal/signal"
	"github.com/reliableagents/controlplane/internal/sli"
	"github.com/reliableagents/controlplane/internal/slo"
)

type SLOSuite struct {
	suite.Suite
	reg    *prometheus.Registry
	clk    *clock.Fake
	logger *zap.Logger
}

func TestSLOSuite(t *testing.T) {
	suite.Run(t, new(SLOSuite))
}

func (s *SLOSuite) SetupTest() {
	s.reg = prometheus.NewRegistry()
	s.clk = clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.logger = zap.NewNop()
}

// Scenario 1 from the end-to-end suite: burn-rate alerting.
func (s *SLOSuite) TestBurnRateAlerting_CriticalWithSingleSignal() {
	successRate, err := sli.NewBuiltin(s.reg, s.clk, s.logger, sli.TaskSuccessRate, "success", 0.99, 24*time.Hour)
	s.Require().NoError(err)

	budget, err := slo.NewErrorBudget(s.reg, s.clk, s.logger, "svc.slo", 0.01, 24*time.Hour, 2.0, 10.0, slo.ActionAlert)
	s.Require().NoError(err)

	signals := make(chan signal.Signal, 10)
	obj, err := slo.New(s.reg, s.clk, s.logger, "svc.slo", "agent-1", []sli.Indicator{successRate}, budget, signals)
	s.Require().NoError(err)

	for i := 0; i < 1000; i++ {
		good := i%20 != 0 // 5% failure rate -> 5x sustainable (1% budget)
		budget.RecordEvent(good)
		if good {
			successRate.Record(1, nil)
		} else {
			successRate.Record(0, nil)
		}
	}

	status := obj.Evaluate()
	s.Equal(slo.Critical, status)
	s.InDelta(5.0, budget.BurnRate(24*time.Hour), 0.5)

	s.Require().Len(signals, 1)
	sig := <-signals
	s.Equal(signal.SLOBreach, sig.Kind)

	// Re-evaluating without a status change must not emit again.
	status = obj.Evaluate()
	s.Equal(slo.Critical, status)
	s.Len(signals, 0)
}

func (s *SLOSuite) TestEmptyWindow_StatusUnknown() {
	latency, err := sli.NewBuiltin(s.reg, s.clk, s.logger, sli.ResponseLatency, "latency", 200, time.Hour)
	s.Require().NoError(err)
	budget, err := slo.NewErrorBudget(s.reg, s.clk, s.logger, "svc.slo2", 0.01, time.Hour, 2.0, 10.0, slo.ActionAlert)
	s.Require().NoError(err)

	obj, err := slo.New(s.reg, s.clk, s.logger, "svc.slo2", "agent-2", []sli.Indicator{latency}, budget, nil)
	s.Require().NoError(err)

	s.Equal(slo.Unknown, obj.Evaluate())
}

func (s *SLOSuite) TestDuplicateSLIName_RejectedAtConstruction() {
	a, _ := sli.NewBuiltin(s.reg, s.clk, s.logger, sli.TaskSuccessRate, "dup", 0.99, time.Hour)
	b, _ := sli.NewBuiltin(s.reg, s.clk, s.logger, sli.PolicyCompliance, "dup", 1.0, time.Hour)
	_, err := slo.New(s.reg, s.clk, s.logger, "svc.dup", "agent-3", []sli.Indicator{a, b}, nil, nil)
	s.Error(err)
}

func (s *SLOSuite) TestErrorBudget_RemainingWithinBounds() {
	budget, err := slo.NewErrorBudget(s.reg, s.clk, s.logger, "svc.bounds", 0.02, time.Hour, 2.0, 10.0, slo.ActionAlert)
	s.Require().NoError(err)
	for i := 0; i < 50; i++ {
		budget.RecordEvent(i%10 != 0)
	}
	remaining := budget.Remaining()
	s.GreaterOrEqual(remaining, 0.0)
	s.LessOrEqual(remaining, budget.Total())
}

func (s *SLOSuite) TestExhaustedIsAbsorbingUntilBadEventsAge() {
	budget, err := slo.NewErrorBudget(s.reg, s.clk, s.logger, "svc.absorb", 0.5, 10*time.Second, 2.0, 10.0, slo.ActionAlert)
	s.Require().NoError(err)

	budget.RecordEvent(false)
	budget.RecordEvent(false)
	s.True(budget.IsExhausted())

	s.clk.Advance(11 * time.Second)
	budget.RecordEvent(true)
	s.False(budget.IsExhausted())
}

func (s *SLOSuite) TestManySLOsAndBudgets_ShareOneRegistryWithoutDuplicateRegistration() {
	s.NotPanics(func() {
		for i := 0; i < 4; i++ {
			name := "svc-" + string(rune('a'+i))
			ind, err := sli.NewBuiltin(s.reg, s.clk, s.logger, sli.TaskSuccessRate, name+".success", 0.99, time.Hour)
			s.Require().NoError(err)
			budget, err := slo.NewErrorBudget(s.reg, s.clk, s.logger, name, 0.01, time.Hour, 2.0, 10.0, slo.ActionAlert)
			s.Require().NoError(err)
			_, err = slo.New(s.reg, s.clk, s.logger, name, "agent-x", []sli.Indicator{ind}, budget, nil)
			s.Require().NoError(err)
		}
	})
}
