package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/clock"
	"github.com/reliableagents/controlplane/internal/costguard"
	"github.com/reliableagents/controlplane/internal/fleet"
	"github.com/reliableagents/controlplane/internal/sli"
	"github.com/reliableagents/controlplane/internal/telemetry"
)

type RouterSuite struct {
	suite.Suite
	clk    *clock.Fake
	logger *zap.Logger
	reg    *prometheus.Registry
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.clk = clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.logger = zap.NewNop()
	s.reg = prometheus.NewRegistry()
}

func (s *RouterSuite) TestOnTaskEnd_RecordsSuccessLatencyAndCostIndicators() {
	successSLI, err := sli.NewBuiltin(s.reg, s.clk, s.logger, sli.TaskSuccessRate, "success", 0.99, time.Hour)
	s.Require().NoError(err)
	latencySLI, err := sli.NewBuiltin(s.reg, s.clk, s.logger, sli.ResponseLatency, "latency", 500, time.Hour)
	s.Require().NoError(err)
	costSLI, err := sli.NewBuiltin(s.reg, s.clk, s.logger, sli.CostPerTask, "cost", 1.0, time.Hour)
	s.Require().NoError(err)

	fleetReg := fleet.New(s.reg, s.clk, fleet.DefaultConfig())
	fleetReg.Register("agent-1", nil, "")

	router := telemetry.New(s.logger, nil, fleetReg)
	router.RegisterIndicator("agent-1", successSLI)
	router.RegisterIndicator("agent-1", latencySLI)
	router.RegisterIndicator("agent-1", costSLI)

	latencyMs := 120.0
	costUSD := 0.25
	router.OnTaskEnd(context.Background(), telemetry.TaskEndEvent{
		AgentID: "agent-1", TaskID: "t1", Success: true, LatencyMs: &latencyMs, CostUSD: &costUSD, Timestamp: s.clk.Now(),
	})

	agg, ok := successSLI.CurrentAggregate()
	s.Require().True(ok)
	s.Equal(1.0, agg)

	latAgg, ok := latencySLI.CurrentAggregate()
	s.Require().True(ok)
	s.Equal(120.0, latAgg)

	costAgg, ok := costSLI.CurrentAggregate()
	s.Require().True(ok)
	s.Equal(0.25, costAgg)

	rate, ok := fleetReg.Register("agent-1", nil, "").SuccessRate()
	s.Require().True(ok)
	s.Equal(1.0, rate)
}

func (s *RouterSuite) TestOnTaskEnd_RoutesCostToGuard() {
	guard := costguard.New(s.reg, s.clk, s.logger, costguard.DefaultConfig(), 10000, nil)
	guard.RegisterAgent("agent-2", 50, 100)

	router := telemetry.New(s.logger, guard, nil)
	cost := 25.0
	router.OnTaskEnd(context.Background(), telemetry.TaskEndEvent{
		AgentID: "agent-2", TaskID: "t1", Success: true, CostUSD: &cost, Timestamp: s.clk.Now(),
	})

	allowed, _, err := guard.CheckTask("agent-2", 50)
	s.Require().NoError(err)
	s.True(allowed)
}

func (s *RouterSuite) TestOnToolCall_RecordsToolCallAccuracy() {
	toolSLI, err := sli.NewBuiltin(s.reg, s.clk, s.logger, sli.ToolCallAccuracy, "tool-acc", 0.95, time.Hour)
	s.Require().NoError(err)
	router := telemetry.New(s.logger, nil, nil)
	router.RegisterIndicator("agent-3", toolSLI)

	router.OnToolCall(context.Background(), telemetry.ToolCallEvent{AgentID: "agent-3", ToolName: "search", Success: false, Timestamp: s.clk.Now()})
	router.OnToolCall(context.Background(), telemetry.ToolCallEvent{AgentID: "agent-3", ToolName: "search", Success: true, Timestamp: s.clk.Now()})

	agg, ok := toolSLI.CurrentAggregate()
	s.Require().True(ok)
	s.Equal(0.5, agg)
}

func (s *RouterSuite) TestOnLLMCall_RecordsHallucinationRateAndCost() {
	hallSLI, err := sli.NewBuiltin(s.reg, s.clk, s.logger, sli.HallucinationRate, "hallucination", 0.02, time.Hour)
	s.Require().NoError(err)
	guard := costguard.New(s.reg, s.clk, s.logger, costguard.DefaultConfig(), 10000, nil)
	guard.RegisterAgent("agent-4", 50, 100)

	router := telemetry.New(s.logger, guard, nil)
	router.RegisterIndicator("agent-4", hallSLI)

	detected := true
	cost := 1.0
	router.OnLLMCall(context.Background(), telemetry.LLMCallEvent{AgentID: "agent-4", CostUSD: &cost, HallucinationDetected: &detected, Timestamp: s.clk.Now()})

	agg, ok := hallSLI.CurrentAggregate()
	s.Require().True(ok)
	s.Equal(1.0, agg)

	// With the daily limit cut to 1.5, a further 1.0 task fits only if
	// the LLM call's 1.0 was not recorded against the guard.
	guard.RegisterAgent("agent-4", 50, 1.5)
	allowed, reason, err := guard.CheckTask("agent-4", 1)
	s.Require().NoError(err)
	s.False(allowed)
	s.Equal(costguard.DailyLimit, reason)
}

func (s *RouterSuite) TestUnregisteredAgent_DoesNotPanic() {
	router := telemetry.New(s.logger, nil, nil)
	s.NotPanics(func() {
		router.OnTaskStart(context.Background(), telemetry.TaskStartEvent{AgentID: "ghost", Timestamp: s.clk.Now()})
		router.OnTaskEnd(context.Background(), telemetry.TaskEndEvent{AgentID: "ghost", Success: true, Timestamp: s.clk.Now()})
	})
}
