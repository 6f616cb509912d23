// Package incident correlates signals into incidents, drives explicit
// incident state transitions, invokes named automated responses, and
// generates postmortems.
package incident

import (
	"sync"
	"time"

	"github.com/reliableagents/controlplane/internal/signal"
	cperrors "github.com/reliableagents/controlplane/pkg/errors"
)

// State is an incident's explicit lifecycle position.
type State string

const (
	StateOpen          State = "OPEN"
	StateAcknowledged  State = "ACKNOWLEDGED"
	StateInvestigating State = "INVESTIGATING"
	StateMitigated     State = "MITIGATED"
	StateResolved      State = "RESOLVED"
)

// TimelineEntry is one stamped event in an incident's history: either
// a correlated signal or a state transition.
type TimelineEntry struct {
	Timestamp  time.Time
	Signal     *signal.Signal
	Transition string
}

// Incident is a correlated cluster of signals with an explicit
// lifecycle.
type Incident struct {
	ID                 string
	Title              string
	Severity           signal.Severity
	CreatedAt          time.Time
	UpdatedAt          time.Time
	AutomatedResponses []string

	mu       sync.Mutex
	state    State
	timeline []TimelineEntry
}

func newIncident(id, title string, severity signal.Severity, now time.Time) *Incident {
	return &Incident{
		ID:        id,
		Title:     title,
		Severity:  severity,
		CreatedAt: now,
		UpdatedAt: now,
		state:     StateOpen,
	}
}

// State returns the incident's current lifecycle state.
func (i *Incident) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Timeline returns a defensive copy of the incident's history.
func (i *Incident) Timeline() []TimelineEntry {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]TimelineEntry, len(i.timeline))
	copy(out, i.timeline)
	return out
}

func (i *Incident) appendSignalLocked(sig signal.Signal, now time.Time) {
	i.timeline = append(i.timeline, TimelineEntry{Timestamp: now, Signal: &sig})
	i.UpdatedAt = now
}

func (i *Incident) appendTransitionLocked(transition string, now time.Time) {
	i.timeline = append(i.timeline, TimelineEntry{Timestamp: now, Transition: transition})
	i.UpdatedAt = now
}

func (i *Incident) escalateLocked(sev signal.Severity) {
	if signal.MoreSevere(sev, i.Severity) {
		i.Severity = sev
	}
}

// transition validates and applies a single allowed forward step.
func (i *Incident) transition(now time.Time, from State, to State, label string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != from {
		return cperrors.NewInvalidState(string(i.state), label)
	}
	i.state = to
	i.appendTransitionLocked(label, now)
	return nil
}

// Acknowledge moves OPEN -> ACKNOWLEDGED.
func (i *Incident) Acknowledge(now time.Time) error {
	return i.transition(now, StateOpen, StateAcknowledged, "acknowledge")
}

// Investigate moves ACKNOWLEDGED -> INVESTIGATING.
func (i *Incident) Investigate(now time.Time) error {
	return i.transition(now, StateAcknowledged, StateInvestigating, "investigate")
}

// Mitigate moves INVESTIGATING -> MITIGATED.
func (i *Incident) Mitigate(now time.Time) error {
	return i.transition(now, StateInvestigating, StateMitigated, "mitigate")
}

// Resolve moves MITIGATED -> RESOLVED. Once resolved, the incident is
// excluded from further correlation.
func (i *Incident) Resolve(now time.Time) error {
	return i.transition(now, StateMitigated, StateResolved, "resolve")
}
