package specdoc

import (
	"time"

	"github.com/reliableagents/controlplane/internal/incident"
	cperrors "github.com/reliableagents/controlplane/pkg/errors"
)

// IncidentRecord is one persisted state transition, per the optional
// incident store's append-only layout: one record per transition,
// current state reconstructed by replaying in order.
type IncidentRecord struct {
	IncidentID string    `yaml:"incident_id"`
	Timestamp  time.Time `yaml:"timestamp"`
	Transition string    `yaml:"transition"`
}

// transitionTarget and transitionSource encode the incident package's
// legal forward steps (acknowledge, investigate, mitigate, resolve) so
// replay can validate each hop against the same state machine
// Incident.transition enforces.
var transitionTarget = map[string]incident.State{
	"acknowledge": incident.StateAcknowledged,
	"investigate": incident.StateInvestigating,
	"mitigate":    incident.StateMitigated,
	"resolve":     incident.StateResolved,
}

var transitionSource = map[string]incident.State{
	"acknowledge": incident.StateOpen,
	"investigate": incident.StateAcknowledged,
	"mitigate":    incident.StateInvestigating,
	"resolve":     incident.StateMitigated,
}

// ReplayIncidentState reconstructs an incident's current state by
// replaying its persisted transitions in order, validating each hop
// against the same forward-only state machine Incident.transition
// enforces.
func ReplayIncidentState(records []IncidentRecord) (incident.State, error) {
	state := incident.StateOpen
	for _, rec := range records {
		target, known := transitionTarget[rec.Transition]
		if !known {
			continue // a correlated-signal record, not a transition
		}
		source := transitionSource[rec.Transition]
		if state != source {
			return "", cperrors.NewInvalidState(string(state), rec.Transition)
		}
		state = target
	}
	return state, nil
}
