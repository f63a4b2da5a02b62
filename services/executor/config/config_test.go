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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hshk99/Autopack-sub025/services/executor/phase"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_MatchesEngineDefaults(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2*time.Hour, cfg.Engine.MaxRunDuration)
	assert.Equal(t, 15*time.Minute, cfg.Engine.MaxPhaseDuration)
	assert.Equal(t, 64000, cfg.Budget.HardCeiling)
	assert.Equal(t, 3, cfg.Budget.MaxOverflows)
	assert.Equal(t, 2, cfg.Stuck.RepeatedFailureThreshold)
	assert.InDelta(t, 0.10, cfg.Stuck.BudgetLowWatermark, 1e-9)
	assert.InDelta(t, 0.30, cfg.Stuck.EscalationBudgetFloor, 1e-9)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.Timeout)
	assert.Equal(t, "anthropic", cfg.Providers.Prefixes["claude-"])

	assert.Equal(t, cfg.Engine.MaxPhaseDuration, cfg.WatchdogConfig().MaxPhaseDuration)
	assert.Equal(t, []string{"max_tokens", "length"}, cfg.BudgetConfig().TruncationStopReasons)
	assert.Equal(t, 2, cfg.StuckConfig().MaxEscalationsPerPhase)
	assert.Equal(t, 30*time.Second, cfg.BreakerConfig().HalfOpenTimeout)
	assert.Equal(t, cfg.Lease.Dir, cfg.LeaseConfig().Dir)
}

func TestLoad_UserFileOverlay(t *testing.T) {
	path := writeFile(t, "autopack.yaml", `
engine:
  max_phase_duration: 90s
  model_tiers: [claude-haiku-4-5, claude-sonnet-4-5]
budget:
  hard_ceiling: 32000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Engine.MaxPhaseDuration)
	assert.Equal(t, 2*time.Hour, cfg.Engine.MaxRunDuration, "untouched keys keep defaults")
	assert.Equal(t, []string{"claude-haiku-4-5", "claude-sonnet-4-5"}, cfg.Engine.ModelTiers)
	assert.Equal(t, 32000, cfg.Budget.HardCeiling)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AUTOPACK_ENGINE_MAX_RUN_DURATION", "30m")
	t.Setenv("AUTOPACK_ENGINE_MODEL_TIERS", "gpt-4o-mini, gpt-4o")
	t.Setenv("AUTOPACK_STUCK_ESCALATION_BUDGET_FLOOR", "0.5")
	t.Setenv("AUTOPACK_STORAGE_IN_MEMORY", "true")
	t.Setenv("AUTOPACK_PROVIDERS_OPENAI_BURST", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Engine.MaxRunDuration)
	assert.Equal(t, []string{"gpt-4o-mini", "gpt-4o"}, cfg.Engine.ModelTiers)
	assert.InDelta(t, 0.5, cfg.Stuck.EscalationBudgetFloor, 1e-9)
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, 7, cfg.Providers.OpenAI.Burst)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "syntax", body: "engine: [unclosed"},
		{name: "negative ceiling", body: "budget:\n  hard_ceiling: -1\n"},
		{name: "ratio out of range", body: "engine:\n  soft_warning_ratio: 1.5\n"},
		{name: "warning above critical", body: "budget:\n  warning_threshold: 1.5\n"},
		{name: "unknown prefix provider", body: "providers:\n  prefixes:\n    llama: ollama\n"},
		{name: "unknown fallback", body: "providers:\n  fallback: [ollama]\n"},
		{name: "bad env duration", env: map[string]string{"AUTOPACK_ENGINE_POLL_INTERVAL": "soon"}},
		{name: "bad env int", env: map[string]string{"AUTOPACK_BUDGET_MAX_OVERFLOWS": "three"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.body != "" {
				path = writeFile(t, "c.yaml", tt.body)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv_IgnoresMaps(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	env := map[string]string{"AUTOPACK_PROVIDERS_PREFIXES": "x"}
	err = applyEnv(cfg, EnvPrefix, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Providers.Prefixes["gpt-"])
}

func TestParsePlan(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	plan, err := ParsePlan([]byte(`
workspace: ./repo
phases:
  - id: analyze
    description: Read the parser
    complexity: low
  - id: implement
    description: Add the feature
    deliverables: [a.go, b.go]
    max_attempts: 5
    token_budget: 9000
    model: claude-sonnet-4-5
`))
	require.NoError(t, err)

	phases := plan.Materialize(cfg)
	require.Len(t, phases, 2)
	assert.NotEmpty(t, plan.RunID)

	a, b := phases[0], phases[1]
	assert.Equal(t, plan.RunID, a.RunID)
	assert.Equal(t, phase.StateQueued, a.State)
	assert.Equal(t, 0, a.Sequence)
	assert.Equal(t, 1, b.Sequence)
	assert.Equal(t, "./repo", a.Workspace)
	assert.Equal(t, "gpt-4o-mini", a.Model)
	assert.Equal(t, 2000, a.TokenBudget)
	assert.Equal(t, 2000, a.InitialTokenBudget)
	assert.Equal(t, 3, a.MaxAttempts)

	assert.Equal(t, phase.ComplexityMedium, b.Complexity)
	assert.Equal(t, 9000, b.TokenBudget)
	assert.Equal(t, 5, b.MaxAttempts)
	assert.Equal(t, "claude-sonnet-4-5", b.Model)
}

func TestParsePlan_Invalid(t *testing.T) {
	tests := map[string]string{
		"no workspace":   "phases:\n  - id: a\n    description: x\n",
		"no phases":      "workspace: .\n",
		"duplicate id":   "workspace: .\nphases:\n  - {id: a, description: x}\n  - {id: a, description: y}\n",
		"slash in id":    "workspace: .\nphases:\n  - {id: a/b, description: x}\n",
		"traversal id":   "workspace: .\nphases:\n  - {id: .., description: x}\n",
		"bad run id":     "run_id: r 1\nworkspace: .\nphases:\n  - {id: a, description: x}\n",
		"bad complexity": "workspace: .\nphases:\n  - {id: a, description: x, complexity: huge}\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlan([]byte(body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
