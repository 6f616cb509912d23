package delivery_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/clock"
	"github.com/reliableagents/controlplane/internal/delivery"
	"github.com/reliableagents/controlplane/internal/slo"
)

type RolloutSuite struct {
	suite.Suite
	clk    *clock.Fake
	logger *zap.Logger
	reg    *prometheus.Registry
}

func TestRolloutSuite(t *testing.T) {
	suite.Run(t, new(RolloutSuite))
}

func (s *RolloutSuite) SetupTest() {
	s.clk = clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.logger = zap.NewNop()
	s.reg = prometheus.NewRegistry()
}

func (s *RolloutSuite) steps() []delivery.Step {
	return []delivery.Step{
		{Weight: 0.05, Duration: 60 * time.Second},
		{Weight: 0.25, Duration: 60 * time.Second},
		{Weight: 1.0, Duration: 0},
	}
}

// Scenario 3: rollout rollback.
func (s *RolloutSuite) TestRollback_OnErrorRateConditionAfterEnteringStepZero() {
	r, err := delivery.New(s.reg, s.clk, s.logger, "my-rollout", s.steps(),
		[]delivery.Criterion{{Metric: "error_rate", Comparator: delivery.GreaterOrEqual, Threshold: 0.10}})
	s.Require().NoError(err)
	s.Require().NoError(r.Start())

	triggered, err := r.CheckRollbackConditions(map[string]float64{"error_rate": 0.12})
	s.Require().NoError(err)
	s.True(triggered)
	s.Equal(delivery.StateRolledBack, r.State())
	s.Equal("rollback_condition:error_rate", r.RollbackReason())

	err = r.Advance(map[string]float64{"error_rate": 0.0})
	s.Error(err)
}

func (s *RolloutSuite) TestAdvance_GatesOnDurationThenCriteriaThenManualGate() {
	steps := []delivery.Step{
		{Weight: 0.05, Duration: 60 * time.Second, AnalysisCriteria: []delivery.Criterion{
			{Metric: "error_rate", Comparator: delivery.LessThan, Threshold: 0.05},
		}},
		{Weight: 1.0, Duration: 0, ManualGate: true},
	}
	r, err := delivery.New(s.reg, s.clk, s.logger, "gated", steps, nil)
	s.Require().NoError(err)
	s.Require().NoError(r.Start())

	s.Error(r.Advance(map[string]float64{"error_rate": 0.01}), "duration not elapsed yet")

	s.clk.Advance(61 * time.Second)
	s.Error(r.Advance(map[string]float64{"error_rate": 0.10}), "analysis criterion fails")

	s.Require().NoError(r.Advance(map[string]float64{"error_rate": 0.01}))
	s.Equal(1, r.StepIndex())

	s.Error(r.Advance(map[string]float64{}), "manual gate not approved")
	s.Require().NoError(r.Approve())
	s.Require().NoError(r.Advance(map[string]float64{}))
	s.Equal(delivery.StatePromoted, r.State())
}

func (s *RolloutSuite) TestPauseResume_DoesNotChangeStepIndex() {
	r, err := delivery.New(s.reg, s.clk, s.logger, "pause-test", s.steps(), nil)
	s.Require().NoError(err)
	s.Require().NoError(r.Start())
	s.Require().NoError(r.Pause())
	s.Equal(delivery.StatePaused, r.State())
	s.Equal(0, r.StepIndex())
	s.Require().NoError(r.Resume())
	s.Equal(delivery.StateInProgress, r.State())
	s.Equal(0, r.StepIndex())
}

func (s *RolloutSuite) TestCancel_RecordsCancelledReason() {
	r, err := delivery.New(s.reg, s.clk, s.logger, "cancel-test", s.steps(), nil)
	s.Require().NoError(err)
	s.Require().NoError(r.Start())
	s.Require().NoError(r.Cancel())
	s.Equal(delivery.StateRolledBack, r.State())
	s.Equal("cancelled", r.RollbackReason())
}

func (s *RolloutSuite) TestHandleSLOStatus_PausesOnCriticalWithoutRollingBack() {
	r, err := delivery.New(s.reg, s.clk, s.logger, "slo-pause", s.steps(), nil)
	s.Require().NoError(err)
	s.Require().NoError(r.Start())

	paused, err := r.HandleSLOStatus(slo.Critical)
	s.Require().NoError(err)
	s.True(paused)
	s.Equal(delivery.StatePaused, r.State())
}

func (s *RolloutSuite) TestNew_RejectsNonMonotonicWeightsAndBadFinalWeight() {
	_, err := delivery.New(s.reg, s.clk, s.logger, "bad", []delivery.Step{
		{Weight: 0.5, Duration: time.Second},
		{Weight: 0.2, Duration: time.Second},
	}, nil)
	s.Error(err)

	_, err = delivery.New(s.reg, s.clk, s.logger, "bad-final", []delivery.Step{
		{Weight: 0.5, Duration: time.Second},
	}, nil)
	s.Error(err)
}

func (s *RolloutSuite) TestShadowStep_ZeroWeightIsShadowMode() {
	step := delivery.Step{Weight: 0}
	s.True(step.Shadow())
}

func (s *RolloutSuite) TestManyRollouts_ShareOneRegistryWithoutDuplicateRegistration() {
	s.NotPanics(func() {
		for i := 0; i < 4; i++ {
			_, err := delivery.New(s.reg, s.clk, s.logger, "rollout-"+string(rune('a'+i)), s.steps(), nil)
			s.Require().NoError(err)
		}
	})
}
