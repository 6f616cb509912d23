package incident_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/clock"
	"github.com/reliableagents/controlplane/internal/incident"
	"github.com/reliableagents/controlplane/internal/signal"
)

type DetectorSuite struct {
	suite.Suite
	clk    *clock.Fake
	logger *zap.Logger
}

func TestDetectorSuite(t *testing.T) {
	suite.Run(t, new(DetectorSuite))
}

func (s *DetectorSuite) SetupTest() {
	s.clk = clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.logger = zap.NewNop()
}

// Scenario 5 from the end-to-end suite: signal correlation.
func (s *DetectorSuite) TestCorrelation_ThreeSignalsOneIncidentP1() {
	d := incident.New(s.clk, s.logger, 60*time.Second)

	inc1, isNew := d.IngestSignal(signal.Signal{
		Kind: signal.SLOBreach, SourceAgent: "agent-1", Severity: signal.P2,
		Timestamp: s.clk.Now(), DedupKey: "agent-1:slo:CRITICAL",
	})
	s.True(isNew)

	inc2, isNew := d.IngestSignal(signal.Signal{
		Kind: signal.CostAnomaly, SourceAgent: "agent-1", Severity: signal.P2,
		Timestamp: s.clk.Now(), DedupKey: "agent-1:cost:kill",
	})
	s.True(isNew)
	s.Equal(inc1.ID, inc2.ID)

	inc3, isNew := d.IngestSignal(signal.Signal{
		Kind: signal.PolicyViolation, SourceAgent: "agent-1", Severity: signal.P2,
		Metadata:  map[string]interface{}{"safety_class": true},
		Timestamp: s.clk.Now(), DedupKey: "agent-1:policy:violation",
	})
	s.True(isNew)
	s.Equal(inc1.ID, inc3.ID)

	s.Require().Len(inc1.Timeline(), 3)
	s.Equal(signal.P1, inc1.Severity)

	// Repeat of the first signal's dedup key within window is dropped.
	dup, isNewDup := d.IngestSignal(signal.Signal{
		Kind: signal.SLOBreach, SourceAgent: "agent-1", Severity: signal.P2,
		Timestamp: s.clk.Now(), DedupKey: "agent-1:slo:CRITICAL",
	})
	s.False(isNewDup)
	s.Equal(inc1.ID, dup.ID)
	s.Len(dup.Timeline(), 3)
}

func (s *DetectorSuite) TestAutomatedResponses_InvokedOnce() {
	d := incident.New(s.clk, s.logger, 60*time.Second)
	var invoked []string
	d.RegisterResponse("notify_oncall", func(inc *incident.Incident) {
		invoked = append(invoked, inc.ID)
	})
	d.SetAutomatedResponses(signal.ErrorBudgetExhausted, []string{"notify_oncall"})

	inc, _ := d.IngestSignal(signal.Signal{
		Kind: signal.ErrorBudgetExhausted, SourceAgent: "agent-2",
		Timestamp: s.clk.Now(), DedupKey: "agent-2:slo:EXHAUSTED",
	})

	s.Require().Len(invoked, 1)
	s.Equal(inc.ID, invoked[0])
	s.Equal([]string{"notify_oncall"}, inc.AutomatedResponses)
}

func (s *DetectorSuite) TestLifecycleTransitions_MustBeInOrder() {
	d := incident.New(s.clk, s.logger, 60*time.Second)
	inc, _ := d.IngestSignal(signal.Signal{Kind: signal.LatencySpike, SourceAgent: "agent-3", Timestamp: s.clk.Now()})

	s.Error(inc.Investigate(s.clk.Now()))
	s.NoError(inc.Acknowledge(s.clk.Now()))
	s.NoError(inc.Investigate(s.clk.Now()))
	s.NoError(inc.Mitigate(s.clk.Now()))
	s.NoError(inc.Resolve(s.clk.Now()))
	s.Error(inc.Resolve(s.clk.Now()))
}

func (s *DetectorSuite) TestResolvedIncident_ExcludedFromCorrelation() {
	d := incident.New(s.clk, s.logger, 60*time.Second)
	inc, _ := d.IngestSignal(signal.Signal{Kind: signal.LatencySpike, SourceAgent: "agent-4", Timestamp: s.clk.Now(), DedupKey: "agent-4:lat"})
	s.Require().NoError(inc.Acknowledge(s.clk.Now()))
	s.Require().NoError(inc.Investigate(s.clk.Now()))
	s.Require().NoError(inc.Mitigate(s.clk.Now()))
	s.Require().NoError(inc.Resolve(s.clk.Now()))

	inc2, isNew := d.IngestSignal(signal.Signal{Kind: signal.LatencySpike, SourceAgent: "agent-4", Timestamp: s.clk.Now(), DedupKey: "agent-4:lat2"})
	s.True(isNew)
	s.NotEqual(inc.ID, inc2.ID)
}

func (s *DetectorSuite) TestPostmortem_IncludesTimelineAndActionItems() {
	d := incident.New(s.clk, s.logger, 60*time.Second)
	inc, _ := d.IngestSignal(signal.Signal{Kind: signal.ErrorBudgetExhausted, SourceAgent: "agent-5", Timestamp: s.clk.Now(), DedupKey: "agent-5:budget"})
	s.Require().NoError(inc.Acknowledge(s.clk.Now()))

	pm := incident.GeneratePostmortem(inc)
	s.NotEmpty(pm.ActionItems)
	s.Contains(pm.Markdown, "Postmortem")
	s.Contains(pm.DistinctKinds, signal.ErrorBudgetExhausted)
}
