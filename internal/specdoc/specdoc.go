// Package specdoc defines the declarative document shapes for SLOs and
// rollouts: hierarchical key-value documents that parse and serialize
// losslessly, and support shallow-merge inheritance (child keys
// override parent; lists replace rather than append).
package specdoc

import (
	"gopkg.in/yaml.v3"

	cperrors "github.com/reliableagents/controlplane/pkg/errors"
)

// ErrorBudgetPolicy is the declarative error-budget section of an SLO
// document.
type ErrorBudgetPolicy struct {
	Total            float64 `yaml:"total,omitempty"`
	WindowSeconds    int64   `yaml:"window_seconds,omitempty"`
	BurnRateAlert    float64 `yaml:"burn_rate_alert,omitempty"`
	BurnRateCritical float64 `yaml:"burn_rate_critical,omitempty"`
	ExhaustionAction string  `yaml:"exhaustion_action,omitempty"`
}

// SLO is the declarative document shape described for SLO specs:
// a hierarchical key-value document with optional single-parent
// inheritance.
type SLO struct {
	Name              string            `yaml:"name"`
	Description       string            `yaml:"description,omitempty"`
	Service           string            `yaml:"service,omitempty"`
	Target            float64           `yaml:"target,omitempty"`
	Window            int64             `yaml:"window,omitempty"`
	Indicators        []string          `yaml:"indicators,omitempty"`
	ErrorBudgetPolicy ErrorBudgetPolicy `yaml:"error_budget_policy,omitempty"`
	Labels            map[string]string `yaml:"labels,omitempty"`
	InheritsFrom      string            `yaml:"inherits_from,omitempty"`
}

// ParseSLO decodes a single SLO document.
func ParseSLO(data []byte) (*SLO, error) {
	var doc SLO
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, cperrors.New(cperrors.InvalidConfig, "parsing SLO document", err.Error())
	}
	return &doc, nil
}

// Serialize renders an SLO document back to its wire form. For any doc
// produced by ParseSLO, ParseSLO(Serialize(doc)) reproduces doc exactly.
func (s *SLO) Serialize() ([]byte, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return nil, cperrors.New(cperrors.InvalidConfig, "serializing SLO document", err.Error())
	}
	return out, nil
}

// ResolveSLO merges child over parent per the inheritance rule:
// Description, Service, Target, Window and Indicators that child leaves
// at their zero value are filled from parent, and those child sets
// (including the Indicators list) replace the parent's value outright.
// ErrorBudgetPolicy is merged field by field and Labels key by key,
// child winning. Name is always child's. parent's own InheritsFrom is not followed recursively -
// callers resolve one level at a time, walking the chain themselves if
// inherits_from chains more than one deep.
func ResolveSLO(child, parent *SLO) *SLO {
	resolved := *child

	if resolved.Description == "" {
		resolved.Description = parent.Description
	}
	if resolved.Service == "" {
		resolved.Service = parent.Service
	}
	if resolved.Target == 0 {
		resolved.Target = parent.Target
	}
	if resolved.Window == 0 {
		resolved.Window = parent.Window
	}
	if len(resolved.Indicators) == 0 {
		resolved.Indicators = append([]string(nil), parent.Indicators...)
	}
	resolved.ErrorBudgetPolicy = mergeBudgetPolicy(child.ErrorBudgetPolicy, parent.ErrorBudgetPolicy)
	resolved.Labels = mergeLabels(child.Labels, parent.Labels)
	resolved.InheritsFrom = ""

	return &resolved
}

func mergeBudgetPolicy(child, parent ErrorBudgetPolicy) ErrorBudgetPolicy {
	merged := child
	if merged.Total == 0 {
		merged.Total = parent.Total
	}
	if merged.WindowSeconds == 0 {
		merged.WindowSeconds = parent.WindowSeconds
	}
	if merged.BurnRateAlert == 0 {
		merged.BurnRateAlert = parent.BurnRateAlert
	}
	if merged.BurnRateCritical == 0 {
		merged.BurnRateCritical = parent.BurnRateCritical
	}
	if merged.ExhaustionAction == "" {
		merged.ExhaustionAction = parent.ExhaustionAction
	}
	return merged
}

// mergeLabels implements shallow key-level merge: child keys override
// parent keys of the same name, keys present only in parent survive.
func mergeLabels(child, parent map[string]string) map[string]string {
	if len(child) == 0 && len(parent) == 0 {
		return nil
	}
	merged := make(map[string]string, len(child)+len(parent))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}
	return merged
}
