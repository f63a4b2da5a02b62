// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hshk99/Autopack-sub025/pkg/validation"
	"github.com/hshk99/Autopack-sub025/services/executor/budget"
	"github.com/hshk99/Autopack-sub025/services/executor/phase"
)

// Plan is a run definition read from YAML.
//
//	run_id: optional, generated when empty
//	workspace: ./repo
//	phases:
//	  - id: add-tests
//	    description: Add unit tests for the parser
//	    complexity: medium
//	    deliverables: [parser_test.go]
type Plan struct {
	RunID     string      `yaml:"run_id"`
	Workspace string      `yaml:"workspace" validate:"required"`
	Phases    []PlanPhase `yaml:"phases" validate:"required,min=1,dive"`
}

// PlanPhase is one planned phase. Zero fields take engine defaults.
type PlanPhase struct {
	ID              string           `yaml:"id" validate:"required"`
	Description     string           `yaml:"description" validate:"required"`
	Complexity      phase.Complexity `yaml:"complexity" validate:"omitempty,oneof=low medium high"`
	Category        string           `yaml:"category"`
	Deliverables    []string         `yaml:"deliverables"`
	AllowedScope    []string         `yaml:"allowed_scope"`
	Workspace       string           `yaml:"workspace"`
	Model           string           `yaml:"model"`
	BuilderMode     string           `yaml:"builder_mode"`
	MaxAttempts     int              `yaml:"max_attempts" validate:"gte=0"`
	TokenBudget     int              `yaml:"token_budget" validate:"gte=0"`
	EstimatedTokens int              `yaml:"estimated_tokens" validate:"gte=0"`
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := readLimited(path)
	if err != nil {
		return nil, err
	}
	return ParsePlan(data)
}

// ParsePlan decodes and validates plan YAML.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := validate.Struct(&plan); err != nil {
		return nil, fmt.Errorf("%w: plan: %v", ErrInvalid, err)
	}
	if plan.RunID != "" {
		if err := validation.ValidateID("run_id", plan.RunID); err != nil {
			return nil, fmt.Errorf("%w: plan: %v", ErrInvalid, err)
		}
	}
	seen := make(map[string]bool, len(plan.Phases))
	for _, p := range plan.Phases {
		if err := validation.ValidateID("phase id", p.ID); err != nil {
			return nil, fmt.Errorf("%w: plan: %v", ErrInvalid, err)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: plan: duplicate phase id %q", ErrInvalid, p.ID)
		}
		seen[p.ID] = true
	}
	return &plan, nil
}

// Materialize turns the plan into QUEUED phases in plan order.
//
// # Description
//
// Assigns a run ID if the plan has none. Missing complexity becomes medium,
// a missing model becomes the first model tier, a missing budget is the
// complexity default capped at the hard ceiling, and missing max attempts
// use engine.default_max_attempts.
func (pl *Plan) Materialize(cfg *Config) []*phase.Phase {
	if pl.RunID == "" {
		pl.RunID = uuid.NewString()
	}
	firstTier := ""
	if len(cfg.Engine.ModelTiers) > 0 {
		firstTier = cfg.Engine.ModelTiers[0]
	}

	out := make([]*phase.Phase, 0, len(pl.Phases))
	for i, pp := range pl.Phases {
		p := &phase.Phase{
			ID:              pp.ID,
			RunID:           pl.RunID,
			Sequence:        i,
			Description:     pp.Description,
			State:           phase.StateQueued,
			MaxAttempts:     pp.MaxAttempts,
			TokenBudget:     pp.TokenBudget,
			EstimatedTokens: pp.EstimatedTokens,
			Complexity:      pp.Complexity,
			Category:        pp.Category,
			Deliverables:    append([]string(nil), pp.Deliverables...),
			AllowedScope:    append([]string(nil), pp.AllowedScope...),
			Workspace:       pp.Workspace,
			Model:           pp.Model,
			BuilderMode:     pp.BuilderMode,
		}
		if p.Complexity == "" {
			p.Complexity = phase.ComplexityMedium
		}
		if p.Workspace == "" {
			p.Workspace = pl.Workspace
		}
		if p.Model == "" {
			p.Model = firstTier
		}
		if p.MaxAttempts == 0 {
			p.MaxAttempts = cfg.Engine.DefaultMaxAttempts
		}
		if p.TokenBudget == 0 {
			p.TokenBudget = min(budget.DefaultBudget(p.Complexity), cfg.Budget.HardCeiling)
		}
		p.InitialTokenBudget = p.TokenBudget
		out = append(out, p)
	}
	return out
}
