package chaos

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reliableagents/controlplane/internal/clock"
)

// Template is a named, immutable parameter tuple that instantiates
// into a new Experiment via Instantiate. Templates themselves are
// never mutated; each Instantiate call builds a fresh copy of the
// underlying faults and abort conditions.
type Template struct {
	name            string
	faults          []Fault
	duration        time.Duration
	abortConditions []AbortCondition
	blastRadius     float64
}

// Name returns the template's identifier.
func (t Template) Name() string { return t.name }

// Instantiate builds a PENDING Experiment from the template for
// targetAgent.
func (t Template) Instantiate(reg prometheus.Registerer, clk clock.Clock, targetAgent string) (*Experiment, error) {
	return New(reg, clk, t.name, targetAgent, t.faults, t.duration, t.abortConditions, t.blastRadius)
}

var (
	// ToolSchemaDriftTemplate simulates a tool's input/output schema
	// silently drifting out from under the agent.
	ToolSchemaDriftTemplate = Template{
		name: "tool-schema-drift",
		faults: []Fault{
			{Kind: ToolSchemaDrift, Target: "tool", Rate: 0.3, Params: map[string]interface{}{"drift": "field_renamed"}},
		},
		duration:        5 * time.Minute,
		abortConditions: []AbortCondition{{Metric: "success_rate", Threshold: 0.50, Comparator: LessOrEqual}},
		blastRadius:     0.10,
	}

	// DelegationRejectTemplate simulates a downstream agent refusing
	// delegated subtasks.
	DelegationRejectTemplate = Template{
		name: "delegation-reject",
		faults: []Fault{
			{Kind: DelegationReject, Target: "delegate", Rate: 0.5, Params: map[string]interface{}{"reason": "capacity"}},
		},
		duration:        5 * time.Minute,
		abortConditions: []AbortCondition{{Metric: "success_rate", Threshold: 0.50, Comparator: LessOrEqual}},
		blastRadius:     0.10,
	}

	// CredentialExpireTemplate simulates mid-task credential expiry.
	CredentialExpireTemplate = Template{
		name: "credential-expire",
		faults: []Fault{
			{Kind: CredentialExpire, Target: "auth", Rate: 0.2, Params: map[string]interface{}{}},
		},
		duration:        5 * time.Minute,
		abortConditions: []AbortCondition{{Metric: "success_rate", Threshold: 0.40, Comparator: LessOrEqual}},
		blastRadius:     0.05,
	}

	// CostSpikeTemplate simulates a sudden jump in per-task cost.
	CostSpikeTemplate = Template{
		name: "cost-spike",
		faults: []Fault{
			{Kind: CostSpike, Target: "agent", Rate: 1.0, Params: map[string]interface{}{"multiplier": 5.0}},
		},
		duration:        5 * time.Minute,
		abortConditions: []AbortCondition{{Metric: "budget_utilization", Threshold: 0.98, Comparator: GreaterOrEqual}},
		blastRadius:     0.10,
	}

	// LLMDegradationTemplate simulates a model backend returning
	// degraded-quality completions.
	LLMDegradationTemplate = Template{
		name: "llm-degradation",
		faults: []Fault{
			{Kind: LLMDegradation, Target: "llm", Rate: 0.4, Params: map[string]interface{}{"quality_drop": 0.3}},
		},
		duration:        10 * time.Minute,
		abortConditions: []AbortCondition{{Metric: "success_rate", Threshold: 0.50, Comparator: LessOrEqual}},
		blastRadius:     0.15,
	}
)
