// Package telemetry is the push-style ingress shim framework adapters
// attach to. Router is the one in-core Sink implementation: pure
// translation of task/tool/LLM events into SLI recordings, cost-guard
// entries, and fleet registry updates; its only third-party import is
// zap, for logging.
package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/costguard"
	"github.com/reliableagents/controlplane/internal/fleet"
	"github.com/reliableagents/controlplane/internal/sli"
)

// TaskStartEvent marks an agent beginning a task.
type TaskStartEvent struct {
	AgentID   string
	TaskID    string
	Timestamp time.Time
}

// TaskEndEvent marks an agent completing a task, with whatever of
// latency, cost, and policy compliance the adapter observed.
type TaskEndEvent struct {
	AgentID         string
	TaskID          string
	Success         bool
	LatencyMs       *float64
	CostUSD         *float64
	CostBreakdown   map[string]float64
	PolicyCompliant *bool
	Timestamp       time.Time
}

// ToolCallEvent marks a single tool invocation outcome.
type ToolCallEvent struct {
	AgentID   string
	ToolName  string
	Success   bool
	Timestamp time.Time
}

// LLMCallEvent marks a single model call, with optional cost and
// hallucination-detector verdict.
type LLMCallEvent struct {
	AgentID               string
	CostUSD               *float64
	HallucinationDetected *bool
	Timestamp             time.Time
}

// Sink is the push-style interface framework adapters implement.
// LangChain/CrewAI/AutoGen-style integrations are thin wrappers
// translating their own callbacks into these four calls.
type Sink interface {
	OnTaskStart(ctx context.Context, evt TaskStartEvent)
	OnTaskEnd(ctx context.Context, evt TaskEndEvent)
	OnToolCall(ctx context.Context, evt ToolCallEvent)
	OnLLMCall(ctx context.Context, evt LLMCallEvent)
}

// Router is the one in-core Sink. It holds no state of its own beyond
// the indicators, cost guard, and fleet registry it was built with.
type Router struct {
	indicators map[string]*sli.SLI
	guard      *costguard.Guard
	fleet      *fleet.Registry
	logger     *zap.Logger
}

// New constructs a Router. guard and fleetRegistry may be nil if that
// subsystem is not wired for the caller's deployment.
func New(logger *zap.Logger, guard *costguard.Guard, fleetRegistry *fleet.Registry) *Router {
	return &Router{
		indicators: make(map[string]*sli.SLI),
		guard:      guard,
		fleet:      fleetRegistry,
		logger:     logger.Named("telemetry"),
	}
}

func indicatorKey(agentID string, kind sli.Kind) string {
	return agentID + "\x00" + string(kind)
}

// RegisterIndicator wires an SLI to receive recordings for agentID
// under its own Kind. Call once per (agent, kind) pair at startup.
func (r *Router) RegisterIndicator(agentID string, indicator *sli.SLI) {
	r.indicators[indicatorKey(agentID, indicator.Kind())] = indicator
}

func (r *Router) record(agentID string, kind sli.Kind, value float64, meta map[string]interface{}) {
	ind, ok := r.indicators[indicatorKey(agentID, kind)]
	if !ok {
		return
	}
	ind.Record(value, meta)
}

var _ Sink = (*Router)(nil)

// OnTaskStart refreshes the agent's fleet heartbeat, if a fleet
// registry is wired.
func (r *Router) OnTaskStart(_ context.Context, evt TaskStartEvent) {
	if r.fleet == nil {
		return
	}
	if err := r.fleet.Heartbeat(evt.AgentID); err != nil {
		r.logger.Debug("heartbeat for unregistered agent", zap.String("agent_id", evt.AgentID))
	}
}

// OnTaskEnd records success-rate, latency, cost, and policy-compliance
// indicators, updates the fleet's per-agent counters, and checks the
// task's cost against the cost guard.
func (r *Router) OnTaskEnd(_ context.Context, evt TaskEndEvent) {
	successValue := 0.0
	if evt.Success {
		successValue = 1.0
	}
	r.record(evt.AgentID, sli.TaskSuccessRate, successValue, nil)

	if evt.LatencyMs != nil {
		r.record(evt.AgentID, sli.ResponseLatency, *evt.LatencyMs, nil)
	}
	if evt.CostUSD != nil {
		r.record(evt.AgentID, sli.CostPerTask, *evt.CostUSD, nil)
	}
	if evt.PolicyCompliant != nil {
		v := 0.0
		if *evt.PolicyCompliant {
			v = 1.0
		}
		r.record(evt.AgentID, sli.PolicyCompliance, v, nil)
	}

	if r.fleet != nil {
		if err := r.fleet.RecordEvent(evt.AgentID, evt.Success, evt.LatencyMs, evt.CostUSD); err != nil {
			r.logger.Debug("record_event for unregistered agent", zap.String("agent_id", evt.AgentID))
		}
	}

	if r.guard != nil && evt.CostUSD != nil {
		if _, err := r.guard.RecordCost(evt.AgentID, evt.TaskID, *evt.CostUSD, evt.CostBreakdown); err != nil {
			r.logger.Debug("record_cost for unregistered agent", zap.String("agent_id", evt.AgentID))
		}
	}
}

// OnToolCall records the tool-call-accuracy indicator.
func (r *Router) OnToolCall(_ context.Context, evt ToolCallEvent) {
	v := 0.0
	if evt.Success {
		v = 1.0
	}
	r.record(evt.AgentID, sli.ToolCallAccuracy, v, map[string]interface{}{"tool": evt.ToolName})
}

// OnLLMCall records cost (if any) against the cost guard and the
// hallucination-rate indicator (if a verdict was supplied).
func (r *Router) OnLLMCall(_ context.Context, evt LLMCallEvent) {
	if r.guard != nil && evt.CostUSD != nil {
		if _, err := r.guard.RecordCost(evt.AgentID, "", *evt.CostUSD, nil); err != nil {
			r.logger.Debug("record_cost for unregistered agent", zap.String("agent_id", evt.AgentID))
		}
	}
	if evt.HallucinationDetected != nil {
		v := 0.0
		if *evt.HallucinationDetected {
			v = 1.0
		}
		r.record(evt.AgentID, sli.HallucinationRate, v, nil)
	}
}
