// Package signal defines the shared vocabulary emitted by SLO
// evaluation, the cost guard, the circuit breaker, and the chaos
// runner, and consumed by the incident detector.
package signal

import "time"

// Kind is the closed set of signal classes the core emits.
type Kind string

const (
	SLOBreach             Kind = "SLO_BREACH"
	ErrorBudgetExhausted  Kind = "ERROR_BUDGET_EXHAUSTED"
	CostAnomaly           Kind = "COST_ANOMALY"
	PolicyViolation       Kind = "POLICY_VIOLATION"
	TrustRevocation       Kind = "TRUST_REVOCATION"
	LatencySpike          Kind = "LATENCY_SPIKE"
	ToolFailureSpike      Kind = "TOOL_FAILURE_SPIKE"
	CircuitCascade        Kind = "CIRCUIT_CASCADE"
)

// Severity is the incident priority scale, most severe first.
type Severity string

const (
	P1 Severity = "P1"
	P2 Severity = "P2"
	P3 Severity = "P3"
	P4 Severity = "P4"
)

// rank orders severities for max/escalation comparisons; lower is more severe.
var rank = map[Severity]int{P1: 0, P2: 1, P3: 2, P4: 3}

// MoreSevere reports whether a is strictly more severe than b.
func MoreSevere(a, b Severity) bool {
	return rank[a] < rank[b]
}

// MaxSeverity returns whichever of a, b is more severe.
func MaxSeverity(a, b Severity) Severity {
	if MoreSevere(a, b) {
		return a
	}
	return b
}

// Signal is a typed event that may open or extend an incident.
type Signal struct {
	Kind        Kind
	SourceAgent string
	Severity    Severity
	Message     string
	Metadata    map[string]interface{}
	Timestamp   time.Time
	DedupKey    string
}
