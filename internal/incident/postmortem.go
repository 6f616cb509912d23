package incident

import (
	"fmt"
	"strings"

	"github.com/reliableagents/controlplane/internal/signal"
)

// Postmortem is the structured artifact generated once an incident
// has a complete timeline, whether or not it has reached RESOLVED.
type Postmortem struct {
	Title         string
	Severity      signal.Severity
	Duration      string
	Timeline      []TimelineEntry
	DistinctKinds []signal.Kind
	ActionItems   []string
	Markdown      string
}

var actionItemsByKind = map[signal.Kind]string{
	signal.SLOBreach:            "Review the breaching SLI's recent samples and the SLO's burn-rate trend.",
	signal.ErrorBudgetExhausted: "Freeze non-critical deployments for the affected service until budget recovers.",
	signal.CostAnomaly:          "Audit the agent's recent cost records for runaway tool or model usage.",
	signal.PolicyViolation:      "Review the violated policy and the agent's recent decisions for root cause.",
	signal.TrustRevocation:      "Rotate the agent's credentials and audit its recent actions.",
	signal.LatencySpike:         "Check downstream dependency health and recent deploys.",
	signal.ToolFailureSpike:     "Check the failing tool's health and recent schema or credential changes.",
	signal.CircuitCascade:       "Investigate the shared dependency behind the correlated breaker trips.",
}

// GeneratePostmortem builds a Postmortem from an incident's current
// timeline.
func GeneratePostmortem(inc *Incident) *Postmortem {
	timeline := inc.Timeline()

	kindSeen := make(map[signal.Kind]bool)
	var distinct []signal.Kind
	for _, entry := range timeline {
		if entry.Signal == nil {
			continue
		}
		if !kindSeen[entry.Signal.Kind] {
			kindSeen[entry.Signal.Kind] = true
			distinct = append(distinct, entry.Signal.Kind)
		}
	}

	var actionItems []string
	for _, kind := range distinct {
		if item, ok := actionItemsByKind[kind]; ok {
			actionItems = append(actionItems, item)
		}
	}

	duration := inc.UpdatedAt.Sub(inc.CreatedAt)

	pm := &Postmortem{
		Title:         inc.Title,
		Severity:      inc.Severity,
		Duration:      duration.String(),
		Timeline:      timeline,
		DistinctKinds: distinct,
		ActionItems:   actionItems,
	}
	pm.Markdown = renderMarkdown(inc, pm)
	return pm
}

func renderMarkdown(inc *Incident, pm *Postmortem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Postmortem: %s\n\n", pm.Title)
	fmt.Fprintf(&b, "- **Severity**: %s\n", pm.Severity)
	fmt.Fprintf(&b, "- **State**: %s\n", inc.State())
	fmt.Fprintf(&b, "- **Duration**: %s\n\n", pm.Duration)

	b.WriteString("## Timeline\n\n")
	for _, entry := range pm.Timeline {
		if entry.Signal != nil {
			fmt.Fprintf(&b, "- %s: signal %s from %s (%s)\n",
				entry.Timestamp.Format("15:04:05"), entry.Signal.Kind, entry.Signal.SourceAgent, entry.Signal.Message)
		} else {
			fmt.Fprintf(&b, "- %s: transition -> %s\n", entry.Timestamp.Format("15:04:05"), entry.Transition)
		}
	}

	b.WriteString("\n## Signal kinds observed\n\n")
	for _, kind := range pm.DistinctKinds {
		fmt.Fprintf(&b, "- %s\n", kind)
	}

	b.WriteString("\n## Recommended action items\n\n")
	for _, item := range pm.ActionItems {
		fmt.Fprintf(&b, "- %s\n", item)
	}

	if len(inc.AutomatedResponses) > 0 {
		b.WriteString("\n## Automated responses triggered\n\n")
		for _, r := range inc.AutomatedResponses {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	return b.String()
}
