// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads engine configuration.
//
// # Layering
//
// Values are resolved in order, later layers winning:
//
//  1. defaults.yaml embedded in the binary
//  2. an optional user YAML file
//  3. AUTOPACK_<SECTION>_<KEY> environment variables, e.g.
//     AUTOPACK_ENGINE_MAX_PHASE_DURATION=5m or
//     AUTOPACK_ENGINE_MODEL_TIERS=gpt-4o-mini,gpt-4o
//
// The merged result is validated with go-playground/validator.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hshk99/Autopack-sub025/services/executor/breaker"
	"github.com/hshk99/Autopack-sub025/services/executor/budget"
	"github.com/hshk99/Autopack-sub025/services/executor/lease"
	"github.com/hshk99/Autopack-sub025/services/executor/stuck"
	"github.com/hshk99/Autopack-sub025/services/executor/telemetry"
	"github.com/hshk99/Autopack-sub025/services/executor/watchdog"
)

// MaxFileSize bounds a user config or plan file (1MB).
const MaxFileSize = 1024 * 1024

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTOPACK"

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the full engine configuration.
type Config struct {
	Engine    EngineConfig     `yaml:"engine"`
	Budget    BudgetConfig     `yaml:"budget"`
	Stuck     StuckConfig      `yaml:"stuck"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Lease     LeaseConfig      `yaml:"lease"`
	Storage   StorageConfig    `yaml:"storage"`
	Providers ProvidersConfig  `yaml:"providers"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging"`
	API       APIConfig        `yaml:"api"`
}

// EngineConfig holds run-level limits.
type EngineConfig struct {
	MaxRunDuration     time.Duration `yaml:"max_run_duration" validate:"gt=0"`
	MaxPhaseDuration   time.Duration `yaml:"max_phase_duration" validate:"gt=0"`
	SoftWarningRatio   float64       `yaml:"soft_warning_ratio" validate:"gt=0,lt=1"`
	PollInterval       time.Duration `yaml:"poll_interval" validate:"gt=0"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts" validate:"gte=1"`

	// ModelTiers is the escalation ladder, weakest first.
	ModelTiers []string `yaml:"model_tiers" validate:"min=1,dive,required"`
}

// BudgetConfig mirrors budget.Config.
type BudgetConfig struct {
	HardCeiling           int      `yaml:"hard_ceiling" validate:"gt=0"`
	EscalationFactor      float64  `yaml:"escalation_factor" validate:"gt=1"`
	MaxOverflows          int      `yaml:"max_overflows" validate:"gte=1"`
	WarningThreshold      float64  `yaml:"warning_threshold" validate:"gt=0,ltefield=CriticalThreshold"`
	CriticalThreshold     float64  `yaml:"critical_threshold" validate:"gt=0"`
	PostCallWarning       float64  `yaml:"post_call_warning" validate:"gt=0,lte=1"`
	TruncationStopReasons []string `yaml:"truncation_stop_reasons"`
}

// StuckConfig mirrors stuck.Config.
type StuckConfig struct {
	RepeatedFailureThreshold int     `yaml:"repeated_failure_threshold" validate:"gte=1"`
	BudgetLowWatermark       float64 `yaml:"budget_low_watermark" validate:"gte=0,lte=1"`
	EscalationBudgetFloor    float64 `yaml:"escalation_budget_floor" validate:"gte=0,lte=1"`
	MaxEscalationsPerPhase   int     `yaml:"max_escalations_per_phase" validate:"gte=0"`
}

// BreakerConfig mirrors breaker.Config plus the persisted state location.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=1"`
	SuccessThreshold int           `yaml:"success_threshold" validate:"gte=1"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
	HalfOpenTimeout  time.Duration `yaml:"half_open_timeout" validate:"gt=0"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" validate:"gte=1"`

	// StatePath is the JSON file the registry is persisted to. Empty
	// disables persistence.
	StatePath string `yaml:"state_path"`
}

// LeaseConfig mirrors lease.Config.
type LeaseConfig struct {
	Dir string `yaml:"dir" validate:"required"`
}

// StorageConfig selects the phase store.
type StorageConfig struct {
	Path     string `yaml:"path" validate:"required_without=InMemory"`
	InMemory bool   `yaml:"in_memory"`
}

// ProviderConfig configures one generation provider.
type ProviderConfig struct {
	Enabled           bool    `yaml:"enabled"`
	BaseURL           string  `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	Model             string  `yaml:"model"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// ProvidersConfig configures collaborator resolution.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`

	// Prefixes routes model name prefixes to provider names.
	Prefixes map[string]string `yaml:"prefixes"`

	// Fallback is tried, in order, after prefix routing.
	Fallback []string `yaml:"fallback"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// APIConfig configures the ops server.
type APIConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// Default returns the embedded defaults.
func Default() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("parse embedded defaults: %w", err)
	}
	return &cfg, nil
}

// Load resolves configuration from defaults, path and the environment.
//
// # Inputs
//
//   - path: Optional user YAML file. Empty skips the file layer.
//
// # Outputs
//
//   - *Config: Validated configuration.
//   - error: Unreadable or oversized file, YAML syntax error, bad environment
//     value, or a validation failure wrapping ErrInvalid.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := readLimited(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, EnvPrefix, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and provider references.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	known := map[string]bool{"openai": true, "anthropic": true}
	for prefix, provider := range c.Providers.Prefixes {
		if !known[provider] {
			return fmt.Errorf("%w: prefix %q routes to unknown provider %q", ErrInvalid, prefix, provider)
		}
	}
	for _, provider := range c.Providers.Fallback {
		if !known[provider] {
			return fmt.Errorf("%w: unknown fallback provider %q", ErrInvalid, provider)
		}
	}
	return nil
}

func readLimited(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// WatchdogConfig converts to watchdog.Config.
func (c *Config) WatchdogConfig() watchdog.Config {
	return watchdog.Config{
		MaxRunDuration:   c.Engine.MaxRunDuration,
		MaxPhaseDuration: c.Engine.MaxPhaseDuration,
		SoftWarningRatio: c.Engine.SoftWarningRatio,
	}
}

// BudgetConfig converts to budget.Config.
func (c *Config) BudgetConfig() budget.Config {
	return budget.Config{
		HardCeiling:           c.Budget.HardCeiling,
		EscalationFactor:      c.Budget.EscalationFactor,
		MaxOverflows:          c.Budget.MaxOverflows,
		WarningThreshold:      c.Budget.WarningThreshold,
		CriticalThreshold:     c.Budget.CriticalThreshold,
		PostCallWarning:       c.Budget.PostCallWarning,
		TruncationStopReasons: append([]string(nil), c.Budget.TruncationStopReasons...),
	}
}

// StuckConfig converts to stuck.Config.
func (c *Config) StuckConfig() stuck.Config {
	return stuck.Config{
		RepeatedFailureThreshold: c.Stuck.RepeatedFailureThreshold,
		BudgetLowWatermark:       c.Stuck.BudgetLowWatermark,
		EscalationBudgetFloor:    c.Stuck.EscalationBudgetFloor,
		MaxEscalationsPerPhase:   c.Stuck.MaxEscalationsPerPhase,
	}
}

// BreakerConfig converts to breaker.Config.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		Timeout:          c.Breaker.Timeout,
		HalfOpenTimeout:  c.Breaker.HalfOpenTimeout,
		HalfOpenMaxCalls: c.Breaker.HalfOpenMaxCalls,
	}
}

// LeaseConfig converts to lease.Config.
func (c *Config) LeaseConfig() lease.Config {
	return lease.Config{Dir: c.Lease.Dir}
}
