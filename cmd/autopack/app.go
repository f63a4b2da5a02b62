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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/hshk99/Autopack-sub025/services/executor/api"
	"github.com/hshk99/Autopack-sub025/services/executor/audit"
	"github.com/hshk99/Autopack-sub025/services/executor/breaker"
	"github.com/hshk99/Autopack-sub025/services/executor/collaborator"
	"github.com/hshk99/Autopack-sub025/services/executor/config"
	"github.com/hshk99/Autopack-sub025/services/executor/events"
	"github.com/hshk99/Autopack-sub025/services/executor/lease"
	"github.com/hshk99/Autopack-sub025/services/executor/phase"
	"github.com/hshk99/Autopack-sub025/services/executor/runner"
	store "github.com/hshk99/Autopack-sub025/services/executor/storage/badger"
	"github.com/hshk99/Autopack-sub025/services/executor/stuck"
	"github.com/hshk99/Autopack-sub025/services/executor/telemetry"
	"github.com/hshk99/Autopack-sub025/services/executor/watchdog"
)

// errNoProviders is returned by run when no generation provider could be
// constructed.
var errNoProviders = errors.New("no generation provider available: enable one under providers and set its API key")

// app is the wired engine for one command invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *store.DB
	phases   *store.PhaseStore
	emitter  *events.Emitter
	breakers *breaker.Registry
	resolver *collaborator.Resolver
	runner   *runner.Runner
	audit    audit.Logger

	shutdownTelemetry func(context.Context) error
}

// newApp opens storage and builds the runner. Providers are not registered
// until enableProviders, so read-only commands need no API keys.
//
// # Outputs
//
//   - *app: Must be closed.
//   - error: Telemetry, storage or metrics initialisation failure.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dbCfg := store.DefaultConfig()
	dbCfg.Path = cfg.Storage.Path
	dbCfg.InMemory = cfg.Storage.InMemory
	dbCfg.Logger = logger
	db, err := store.Open(dbCfg)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	metrics, err := telemetry.DefaultMetrics()
	if err != nil {
		_ = db.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	emitter := events.NewEmitter(events.WithLogger(logger))
	breakers := openBreakers(cfg, logger, emitter)
	resolver := collaborator.NewResolver(breakers)
	phases := store.NewPhaseStore(db)

	r, err := runner.New(
		watchdog.New(cfg.WatchdogConfig(), watchdog.WithLogger(logger)),
		resolver,
		runner.WithStore(phases),
		runner.WithEmitter(emitter),
		runner.WithPolicy(stuck.NewPolicy(cfg.StuckConfig())),
		runner.WithBudgetConfig(cfg.BudgetConfig()),
		runner.WithLeaseConfig(cfg.LeaseConfig()),
		runner.WithLeaseOptions(lease.WithLogger(logger)),
		runner.WithReplanner(runner.ReplannerFunc(replanWithFailure)),
		runner.WithMetrics(metrics),
		runner.WithModelTiers(cfg.Engine.ModelTiers...),
		runner.WithPollInterval(cfg.Engine.PollInterval),
		runner.WithLogger(logger),
	)
	if err != nil {
		_ = db.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("create runner: %w", err)
	}

	return &app{
		cfg:               cfg,
		logger:            logger,
		db:                db,
		phases:            phases,
		emitter:           emitter,
		breakers:          breakers,
		resolver:          resolver,
		runner:            r,
		audit:             audit.Tee{audit.NewSlogLogger(logger), store.NewAuditStore(db)},
		shutdownTelemetry: shutdown,
	}, nil
}

// openBreakers builds the breaker registry and restores persisted state.
// Transitions are published on emitter when it is non-nil.
func openBreakers(cfg *config.Config, logger *slog.Logger, emitter *events.Emitter) *breaker.Registry {
	var opts []breaker.Option
	if emitter != nil {
		opts = append(opts, breaker.WithStateChangeHook(func(sc breaker.StateChange) {
			emitter.Emit(events.TypeBreakerStateChange, "", "", events.BreakerData{
				Breaker: sc.Name,
				From:    sc.From.String(),
				To:      sc.To.String(),
			})
		}))
	}
	registry := breaker.NewRegistry(cfg.BreakerConfig(),
		breaker.WithRegistryLogger(logger),
		breaker.WithBreakerOptions(opts...))

	if cfg.Breaker.StatePath != "" {
		if n := registry.RestoreAll(cfg.Breaker.StatePath); n > 0 {
			logger.Info("circuit breaker state restored",
				slog.String("path", cfg.Breaker.StatePath),
				slog.Int("breakers", n))
		}
	}
	return registry
}

// enableProviders registers every configured provider behind its breaker
// and rate limiter, then applies prefix routes and the fallback order.
//
// A provider whose API key is missing is skipped with a warning.
func (a *app) enableProviders() error {
	providers := a.cfg.Providers

	if providers.OpenAI.Enabled {
		c, err := collaborator.NewOpenAI(collaborator.OpenAIConfig{
			Name:      "openai",
			APIKeyEnv: providers.OpenAI.APIKeyEnv,
			BaseURL:   providers.OpenAI.BaseURL,
			Model:     providers.OpenAI.Model,
		}, a.logger)
		if err := a.register(c, err, providers.OpenAI); err != nil {
			return err
		}
	}
	if providers.Anthropic.Enabled {
		c, err := collaborator.NewAnthropic(collaborator.AnthropicConfig{
			Name:      "anthropic",
			APIKeyEnv: providers.Anthropic.APIKeyEnv,
			BaseURL:   providers.Anthropic.BaseURL,
			Model:     providers.Anthropic.Model,
		}, a.logger)
		if err := a.register(c, err, providers.Anthropic); err != nil {
			return err
		}
	}

	if len(a.resolver.Providers()) == 0 {
		return errNoProviders
	}
	for prefix, name := range providers.Prefixes {
		a.resolver.Route(prefix, name)
	}
	a.resolver.SetFallback(providers.Fallback...)
	return nil
}

func (a *app) register(c collaborator.Collaborator, err error, pc config.ProviderConfig) error {
	if errors.Is(err, collaborator.ErrMissingAPIKey) {
		a.logger.Warn("provider skipped: API key not set",
			slog.String("api_key_env", pc.APIKeyEnv))
		return nil
	}
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	guarded := collaborator.NewGuarded(c,
		a.breakers.GetOrCreate(c.Name()),
		collaborator.NewLimiter(pc.RequestsPerSecond, pc.Burst))
	a.resolver.Register(guarded)
	if pc.Model != "" {
		a.resolver.SetDefaultModel(c.Name(), pc.Model)
	}
	a.logger.Info("provider registered",
		slog.String("provider", c.Name()),
		slog.Float64("requests_per_second", pc.RequestsPerSecond))
	return nil
}

// seedPlan stores a plan's phases and returns the run ID.
//
// # Description
//
// runID, when set, overrides the plan's run_id. If phases for the run are
// already stored the plan is not re-applied and the run resumes from its
// stored state. Relative workspaces resolve against the plan file's
// directory.
func (a *app) seedPlan(ctx context.Context, path, runID string) (string, error) {
	plan, err := config.LoadPlan(path)
	if err != nil {
		return "", err
	}
	if runID != "" {
		plan.RunID = runID
	}
	if plan.RunID != "" {
		existing, err := a.phases.ListPhases(ctx, plan.RunID)
		if err != nil {
			return "", err
		}
		if len(existing) > 0 {
			a.logger.Info("run already planned; resuming stored state",
				slog.String("run_id", plan.RunID),
				slog.Int("phases", len(existing)))
			return plan.RunID, nil
		}
	}

	base := filepath.Dir(path)
	for _, p := range plan.Materialize(a.cfg) {
		if p.Workspace != "" && !filepath.IsAbs(p.Workspace) {
			p.Workspace = filepath.Join(base, p.Workspace)
		}
		if err := a.phases.SavePhase(ctx, p); err != nil {
			return "", err
		}
	}
	a.logger.Info("run planned",
		slog.String("run_id", plan.RunID),
		slog.Int("phases", len(plan.Phases)))
	return plan.RunID, nil
}

// server builds the ops API over the app's runner and breakers.
func (a *app) server() *api.Server {
	return api.NewServer(a.runner, a.breakers,
		api.WithVersion(version),
		api.WithLeaseConfig(a.cfg.LeaseConfig()),
		api.WithAuditLogger(a.audit),
		api.WithLogger(a.logger))
}

// close persists breaker state, then releases storage and telemetry.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.cfg.Breaker.StatePath != "" {
		errs = append(errs, a.breakers.PersistAll(a.cfg.Breaker.StatePath))
	}
	errs = append(errs, a.db.Close(), a.shutdownTelemetry(ctx))
	return errors.Join(errs...)
}

// replanWithFailure folds the last failure into the phase instruction so
// the next attempt takes a different approach.
func replanWithFailure(_ context.Context, p *phase.Phase, reason string) (*phase.Phase, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return p, nil
	}
	p.Description = fmt.Sprintf("%s\n\nA previous approach failed: %s\nTake a different approach.",
		strings.TrimSpace(p.Description), reason)
	return p, nil
}
