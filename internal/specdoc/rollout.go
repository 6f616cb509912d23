package specdoc

import (
	"gopkg.in/yaml.v3"

	cperrors "github.com/reliableagents/controlplane/pkg/errors"
)

// Endpoint names a deployable target by name and version, used for
// both the current and candidate side of a Rollout document.
type Endpoint struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// AnalysisCriterion is one metric comparison used by a rollout step's
// analysis gate.
type AnalysisCriterion struct {
	Metric     string  `yaml:"metric"`
	Comparator string  `yaml:"comparator"`
	Threshold  float64 `yaml:"threshold"`
}

// StepDoc is the declarative shape of one rollout step.
type StepDoc struct {
	Name            string              `yaml:"name"`
	Weight          float64             `yaml:"weight"`
	DurationSeconds int64               `yaml:"duration_seconds,omitempty"`
	Analysis        []AnalysisCriterion `yaml:"analysis,omitempty"`
	ManualGate      bool                `yaml:"manual_gate,omitempty"`
}

// RollbackCondition is one metric comparison that, if satisfied,
// forces a rollout into ROLLED_BACK.
type RollbackCondition struct {
	Metric     string  `yaml:"metric"`
	Threshold  float64 `yaml:"threshold"`
	Comparator string  `yaml:"comparator"`
}

// Rollout is the declarative document shape described for rollout
// specs.
type Rollout struct {
	Strategy           string              `yaml:"strategy"`
	Current            Endpoint            `yaml:"current"`
	Candidate          Endpoint            `yaml:"candidate"`
	Steps              []StepDoc           `yaml:"steps,omitempty"`
	RollbackConditions []RollbackCondition `yaml:"rollback_conditions,omitempty"`
}

// ParseRollout decodes a single Rollout document.
func ParseRollout(data []byte) (*Rollout, error) {
	var doc Rollout
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, cperrors.New(cperrors.InvalidConfig, "parsing rollout document", err.Error())
	}
	return &doc, nil
}

// Serialize renders a Rollout document back to its wire form. For any
// doc produced by ParseRollout, ParseRollout(Serialize(doc))
// reproduces doc exactly.
func (r *Rollout) Serialize() ([]byte, error) {
	out, err := yaml.Marshal(r)
	if err != nil {
		return nil, cperrors.New(cperrors.InvalidConfig, "serializing rollout document", err.Error())
	}
	return out, nil
}
