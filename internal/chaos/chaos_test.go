package chaos_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"github.com/reliableagents/controlplane/internal/chaos"
	"github.com/reliableagents/controlplane/internal/clock"
)

type ExperimentSuite struct {
	suite.Suite
	clk *clock.Fake
	reg *prometheus.Registry
}

func TestExperimentSuite(t *testing.T) {
	suite.Run(t, new(ExperimentSuite))
}

func (s *ExperimentSuite) SetupTest() {
	s.clk = clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.reg = prometheus.NewRegistry()
}

func (s *ExperimentSuite) newExperiment(abortConds []chaos.AbortCondition) *chaos.Experiment {
	exp, err := chaos.New(s.reg, s.clk, "test-exp", "agent-1",
		[]chaos.Fault{{Kind: chaos.LatencyInjection, Target: "agent-1", Rate: 0.2}},
		10*time.Minute, abortConds, 0.10)
	s.Require().NoError(err)
	return exp
}

// Scenario 6: chaos abort.
func (s *ExperimentSuite) TestAbort_SuccessRateBelowThreshold_TransitionsToAbortedAndFreezesFaultInjection() {
	exp := s.newExperiment([]chaos.AbortCondition{
		{Metric: "success_rate", Threshold: 0.50, Comparator: chaos.LessOrEqual},
	})
	s.Require().NoError(exp.Start())

	aborted := exp.CheckAbort(map[string]float64{"success_rate": 0.45})
	s.True(aborted)
	s.Equal(chaos.StateAborted, exp.State())

	exp.InjectFault(chaos.Fault{Kind: chaos.ErrorInjection}, true, "post-abort")
	s.Empty(exp.FaultLog())

	score, err := exp.CalculateResilience(100, 60, nil)
	s.Require().NoError(err)
	s.InDelta(60.0, score.FaultTolerance, 0.001)
	s.InDelta(40.0, score.DegradationPercent, 0.001)
}

func (s *ExperimentSuite) TestCheckAbort_NoMatchingConditionLeavesRunning() {
	exp := s.newExperiment([]chaos.AbortCondition{
		{Metric: "success_rate", Threshold: 0.50, Comparator: chaos.LessOrEqual},
	})
	s.Require().NoError(exp.Start())
	s.False(exp.CheckAbort(map[string]float64{"success_rate": 0.90}))
	s.Equal(chaos.StateRunning, exp.State())
}

func (s *ExperimentSuite) TestSelfTermination_AtStartPlusDuration() {
	exp := s.newExperiment(nil)
	s.Require().NoError(exp.Start())
	s.clk.Advance(11 * time.Minute)
	s.Equal(chaos.StateCompleted, exp.State())
}

func (s *ExperimentSuite) TestCalculateResilience_CompositeFormula() {
	exp := s.newExperiment(nil)
	recoveryMs := 0.0
	score, err := exp.CalculateResilience(100, 100, &recoveryMs)
	s.Require().NoError(err)
	s.InDelta(100.0, score.FaultTolerance, 0.001)
	s.InDelta(100.0, score.Recovery, 0.001)
	s.InDelta(100.0, score.Overall, 0.001)

	recoveryMsInf := 1_000_000.0
	score2, err := exp.CalculateResilience(100, 0, &recoveryMsInf)
	s.Require().NoError(err)
	s.InDelta(0.0, score2.FaultTolerance, 0.001)
	s.InDelta(0.0, score2.Recovery, 0.01)
	s.InDelta(0.0, score2.Overall, 0.01)
}

func (s *ExperimentSuite) TestInstantiateTemplate_ProducesIndependentPendingExperiment() {
	exp1, err := chaos.ToolSchemaDriftTemplate.Instantiate(s.reg, s.clk, "agent-1")
	s.Require().NoError(err)
	s.Equal(chaos.StatePending, exp1.State())
	s.Equal(0.10, exp1.BlastRadius)

	exp2, err := chaos.ToolSchemaDriftTemplate.Instantiate(s.reg, s.clk, "agent-2")
	s.Require().NoError(err)
	s.NotSame(exp1, exp2)
	exp1.Faults[0].Rate = 0.9
	s.Equal(0.3, exp2.Faults[0].Rate)
}

func (s *ExperimentSuite) TestNew_RejectsOutOfRangeBlastRadius() {
	_, err := chaos.New(s.reg, s.clk, "bad", "agent-1", nil, time.Minute, nil, 1.5)
	s.Error(err)
}

func (s *ExperimentSuite) TestManyExperiments_ShareOneRegistryWithoutDuplicateRegistration() {
	s.NotPanics(func() {
		for i := 0; i < 4; i++ {
			_, err := chaos.New(s.reg, s.clk, "exp-"+string(rune('a'+i)), "agent-1",
				[]chaos.Fault{{Kind: chaos.LatencyInjection, Target: "agent-1", Rate: 0.1}},
				time.Minute, nil, 0.10)
			s.Require().NoError(err)
		}
	})
}
