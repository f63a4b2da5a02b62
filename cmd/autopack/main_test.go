// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hshk99/Autopack-sub025/services/executor/breaker"
	"github.com/hshk99/Autopack-sub025/services/executor/config"
	"github.com/hshk99/Autopack-sub025/services/executor/lease"
	"github.com/hshk99/Autopack-sub025/services/executor/phase"
	"github.com/hshk99/Autopack-sub025/services/executor/runner"
	store "github.com/hshk99/Autopack-sub025/services/executor/storage/badger"
)

type testEnv struct {
	dir        string
	configPath string
	dbPath     string
	statePath  string
	leaseDir   string
}

// newTestEnv writes a config rooted in a temp dir. baseURL points the
// openai provider at a fake server; empty leaves the default.
func newTestEnv(t *testing.T, baseURL string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "autopack.yaml"),
		dbPath:     filepath.Join(dir, "db"),
		statePath:  filepath.Join(dir, "breakers.json"),
		leaseDir:   filepath.Join(dir, "leases"),
	}
	openai := "    requests_per_second: 0\n"
	if baseURL != "" {
		openai += "    base_url: " + baseURL + "\n"
	}
	yaml := fmt.Sprintf(`engine:
  poll_interval: 5ms
  model_tiers: [gpt-4o-mini, gpt-4o]
breaker:
  failure_threshold: 2
  state_path: %s
lease:
  dir: %s
storage:
  path: %s
providers:
  openai:
%s  anthropic:
    enabled: false
  fallback: [openai]
telemetry:
  trace_exporter: none
  metric_exporter: none
logging:
  level: error
`, env.statePath, env.leaseDir, env.dbPath, openai)
	require.NoError(t, os.WriteFile(env.configPath, []byte(yaml), 0o644))
	return env
}

func (e *testEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *testEnv) writePlan(t *testing.T, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(e.dir, "ws"), 0o755))
	path := filepath.Join(e.dir, "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func (e *testEnv) seed(t *testing.T, phases ...*phase.Phase) {
	t.Helper()
	db, err := store.Open(store.Config{Path: e.dbPath})
	require.NoError(t, err)
	defer db.Close()
	ps := store.NewPhaseStore(db)
	for _, p := range phases {
		require.NoError(t, ps.SavePhase(context.Background(), p))
	}
}

// fakeOpenAI serves chat completions with a fixed status and content.
func fakeOpenAI(t *testing.T, status int, content string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			fmt.Fprint(w, `{"error":{"message":"upstream unavailable","type":"server_error"}}`)
			return
		}
		fmt.Fprintf(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],
"usage":{"prompt_tokens":40,"completion_tokens":120,"total_tokens":160}}`, content)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

const twoPhasePlan = `run_id: r1
workspace: ws
phases:
  - id: p1
    description: Add a parser
    complexity: low
    max_attempts: 2
  - id: p2
    description: Add parser tests
    complexity: low
    max_attempts: 2
`

func TestRun_PlanCompletes(t *testing.T) {
	srv, calls := fakeOpenAI(t, http.StatusOK, "parser added")
	env := newTestEnv(t, srv.URL+"/v1")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	plan := env.writePlan(t, twoPhasePlan)

	out, err := env.execute(t, "run", "--plan", plan)
	require.NoError(t, err)
	assert.Contains(t, out, "stop_reason\tall_phases_terminal")
	assert.Contains(t, out, "complete\t2/2")
	assert.Contains(t, out, "p1\tCOMPLETE\t1\t")
	assert.Contains(t, out, "OK: all phases complete")
	assert.EqualValues(t, 2, calls.Load())

	out, err = env.execute(t, "phases", "list", "--run-id", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "r1\tp1\tCOMPLETE")
	assert.Contains(t, out, "r1\tp2\tCOMPLETE")

	// A second run of the same plan resumes the stored, complete run.
	_, err = env.execute(t, "run", "--plan", plan)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRun_ProviderFailureStopsRun(t *testing.T) {
	srv, calls := fakeOpenAI(t, http.StatusInternalServerError, "")
	env := newTestEnv(t, srv.URL+"/v1")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	plan := env.writePlan(t, twoPhasePlan)

	out, err := env.execute(t, "run", "--plan", plan)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, exitIncomplete, exitErr.Code)
	assert.NotContains(t, out, "p2\t")
	assert.Positive(t, calls.Load())

	out, err = env.execute(t, "phases", "list", "--run-id", "r1", "--state", "queued")
	require.NoError(t, err)
	assert.Contains(t, out, "r1\tp2\tQUEUED")
	assert.NotContains(t, out, "r1\tp1\t")

	// The openai breaker tripped and was persisted on exit.
	registry := breaker.NewRegistry(breaker.DefaultConfig())
	require.Positive(t, registry.RestoreAll(env.statePath))
	b, ok := registry.Get("openai")
	require.True(t, ok)
	assert.Equal(t, breaker.StateOpen, b.State())
}

func TestRun_NoProviders(t *testing.T) {
	env := newTestEnv(t, "")
	t.Setenv("OPENAI_API_KEY", "")
	plan := env.writePlan(t, twoPhasePlan)

	_, err := env.execute(t, "run", "--plan", plan)
	assert.ErrorIs(t, err, errNoProviders)
}

func TestRun_RequiresPlanOrRunID(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.execute(t, "run")
	assert.ErrorContains(t, err, "--plan or --run-id")
}

func TestRun_UnknownRunID(t *testing.T) {
	srv, _ := fakeOpenAI(t, http.StatusOK, "ok")
	env := newTestEnv(t, srv.URL+"/v1")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	_, err := env.execute(t, "run", "--run-id", "missing")
	assert.ErrorContains(t, err, "missing")
}

func TestPhases_ShowAndRequeue(t *testing.T) {
	env := newTestEnv(t, "")
	env.seed(t, &phase.Phase{
		ID: "p1", RunID: "r1", State: phase.StateStuck, Description: "Add a parser",
		Attempts: 3, MaxAttempts: 3, TokenBudget: 4000, Model: "gpt-4o",
		LastFailureReason: "repeated failures",
	})

	out, err := env.execute(t, "phases", "show", "r1", "p1")
	require.NoError(t, err)
	assert.Contains(t, out, "state\tSTUCK")
	assert.Contains(t, out, "attempts\t3/3")
	assert.Contains(t, out, "last_failure\trepeated failures")

	out, err = env.execute(t, "phases", "requeue", "r1", "p1")
	require.NoError(t, err)
	assert.Contains(t, out, "r1/p1 is QUEUED")

	out, err = env.execute(t, "phases", "list", "--state", "QUEUED")
	require.NoError(t, err)
	assert.Contains(t, out, "r1\tp1\tQUEUED\t0/3")

	_, err = env.execute(t, "phases", "requeue", "r1", "nope")
	assert.Error(t, err)

	_, err = env.execute(t, "phases", "requeue", "r1", "../p1")
	assert.ErrorContains(t, err, "invalid identifier")

	out, err = env.execute(t, "audit", "--type", "phase.requeued")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3, out)
	assert.Contains(t, lines[1], "\tr1/nope\tfailure\t")
	assert.Contains(t, lines[2], "\tr1/p1\tsuccess\t")
}

func TestPhases_ListRejectsUnknownState(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.execute(t, "phases", "list", "--state", "DONE")
	assert.ErrorContains(t, err, `unknown state "DONE"`)
}

func TestBreakers_ListAndReset(t *testing.T) {
	env := newTestEnv(t, "")
	cfg, err := config.Load(env.configPath)
	require.NoError(t, err)

	registry := breaker.NewRegistry(cfg.BreakerConfig())
	b := registry.GetOrCreate("openai")
	for range cfg.Breaker.FailureThreshold {
		_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	}
	registry.GetOrCreate("anthropic")
	require.Equal(t, breaker.StateOpen, b.State())
	require.NoError(t, registry.PersistAll(env.statePath))

	out, err := env.execute(t, "breakers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "openai\tOPEN\t")
	assert.Contains(t, out, "anthropic\tCLOSED")

	_, err = env.execute(t, "breakers", "reset", "nope")
	assert.ErrorContains(t, err, `breaker "nope" not found`)

	_, err = env.execute(t, "breakers", "reset")
	assert.Error(t, err)

	out, err = env.execute(t, "breakers", "reset", "openai")
	require.NoError(t, err)
	assert.Contains(t, out, "OK: openai reset to CLOSED")

	restored := breaker.NewRegistry(cfg.BreakerConfig())
	require.Equal(t, 2, restored.RestoreAll(env.statePath))
	got, ok := restored.Get("openai")
	require.True(t, ok)
	assert.Equal(t, breaker.StateClosed, got.State())
}

func TestLease_StatusAndForceUnlock(t *testing.T) {
	env := newTestEnv(t, "")
	ws := filepath.Join(env.dir, "ws")
	require.NoError(t, os.MkdirAll(ws, 0o755))

	out, err := env.execute(t, "lease", "status", ws)
	require.NoError(t, err)
	assert.Contains(t, out, "exists\tfalse")
	assert.Contains(t, out, "locked\tfalse")

	_, err = env.execute(t, "lease", "force-unlock", ws)
	assert.ErrorContains(t, err, "no lease file")

	held, err := lease.New(ws, lease.Config{Dir: env.leaseDir})
	require.NoError(t, err)
	require.True(t, held.Acquire())

	out, err = env.execute(t, "lease", "status", ws)
	require.NoError(t, err)
	assert.Contains(t, out, "locked\ttrue")
	assert.Contains(t, out, fmt.Sprintf("holder_pid\t%d", os.Getpid()))

	_, err = env.execute(t, "lease", "force-unlock", ws)
	assert.ErrorContains(t, err, "held by a live process")

	// A lock file nobody holds is stale.
	require.NoError(t, held.Release())
	require.NoError(t, os.WriteFile(held.LockFile(), []byte(`{"pid":1,"workspace":"x"}`), 0o644))

	out, err = env.execute(t, "lease", "status", ws)
	require.NoError(t, err)
	assert.Contains(t, out, "stale\ttrue")

	out, err = env.execute(t, "lease", "force-unlock", ws)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: stale lease removed")
	assert.NoFileExists(t, held.LockFile())
}

func TestReplanWithFailure(t *testing.T) {
	p := &phase.Phase{ID: "p1", Description: "Add a parser "}

	revised, err := replanWithFailure(context.Background(), p.Clone(), "tests fail to compile")
	require.NoError(t, err)
	assert.Equal(t, "Add a parser\n\nA previous approach failed: tests fail to compile\nTake a different approach.", revised.Description)

	unchanged, err := replanWithFailure(context.Background(), p.Clone(), "  ")
	require.NoError(t, err)
	assert.Equal(t, p.Description, unchanged.Description)
}

func TestReportExit(t *testing.T) {
	complete := []runner.Outcome{{PhaseID: "p1", State: phase.StateComplete}}
	tests := []struct {
		name   string
		report *runner.RunReport
		code   int
	}{
		{"all complete", &runner.RunReport{StopReason: runner.StopAllPhasesTerminal, Phases: complete}, 0},
		{"stuck", &runner.RunReport{StopReason: runner.StopPhaseStuck}, exitIncomplete},
		{"failed", &runner.RunReport{StopReason: runner.StopPhaseFailed}, exitIncomplete},
		{"run timeout", &runner.RunReport{StopReason: runner.StopRunTimeout}, exitIncomplete},
		{"busy", &runner.RunReport{StopReason: runner.StopWorkspaceBusy}, exitBusy},
		{"interrupted", &runner.RunReport{StopReason: runner.StopContextCanceled}, exitInterrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reportExit(tt.report)
			if tt.code == 0 {
				assert.NoError(t, err)
				return
			}
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, tt.code, exitErr.Code)
		})
	}
}
