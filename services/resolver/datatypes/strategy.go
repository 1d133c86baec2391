// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// strategyValidator validates strategy definitions at load time.
// validator.Validate is safe for concurrent use and caches struct metadata.
var strategyValidator = validator.New(validator.WithRequiredStructEnabled())

// StrategyStep is one declaratively defined action in a strategy.
type StrategyStep struct {
	// Name identifies the step in logs and results.
	Name string `json:"name" yaml:"name" validate:"required"`

	// ActionType is the registry key resolved to a concrete step behavior.
	ActionType string `json:"action_type" yaml:"action_type" validate:"required"`

	// Parameters carries action-specific configuration.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Required controls failure propagation. Nil means true: a failing
	// step aborts the run unless the definition opts out explicitly.
	Required *bool `json:"is_required,omitempty" yaml:"is_required,omitempty"`
}

// IsRequired reports whether a failure of this step must abort the run.
func (s StrategyStep) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// StringParam reads a string parameter, falling back to def when absent or
// of the wrong type.
func (s StrategyStep) StringParam(key, def string) string {
	if v, ok := s.Parameters[key].(string); ok && v != "" {
		return v
	}
	return def
}

// MapParam reads a map parameter; returns nil when absent.
func (s StrategyStep) MapParam(key string) map[string]any {
	if v, ok := s.Parameters[key].(map[string]any); ok {
		return v
	}
	return nil
}

// StrategyDefinition is an ordered pipeline of steps transforming a working
// set of identifiers. Loaded once per run from the configuration repository
// and immutable during execution.
type StrategyDefinition struct {
	// Name identifies the strategy.
	Name string `json:"name" yaml:"name" validate:"required"`

	// EntityType scopes namespace lookups performed by the steps.
	EntityType EntityType `json:"entity_type" yaml:"entity_type" validate:"required"`

	// Steps is the ordered step list. Must be non-empty.
	Steps []StrategyStep `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

// Validate checks structural validity of the definition.
//
// Returns a *ValidationError describing the first violation. Action-type
// resolution is validated separately by the step registry, also before any
// step runs.
func (d *StrategyDefinition) Validate() error {
	if d == nil {
		return &ValidationError{Detail: "strategy definition is nil"}
	}
	if err := strategyValidator.Struct(d); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return &ValidationError{
				Strategy: d.Name,
				Field:    verrs[0].Namespace(),
				Detail:   fmt.Sprintf("failed %q constraint", verrs[0].Tag()),
			}
		}
		return &ValidationError{Strategy: d.Name, Detail: err.Error()}
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if _, dup := seen[step.Name]; dup {
			return &ValidationError{
				Strategy: d.Name,
				Field:    "steps",
				Detail:   fmt.Sprintf("duplicate step name %q", step.Name),
			}
		}
		seen[step.Name] = struct{}{}
	}
	return nil
}
