// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collaborator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible collaborator.
type OpenAIConfig struct {
	// Name is the provider name (default: "openai").
	Name string

	// APIKey authenticates requests. Falls back to the APIKeyEnv variable.
	APIKey string

	// APIKeyEnv names the environment variable holding the key
	// (default: OPENAI_API_KEY).
	APIKeyEnv string

	// BaseURL overrides the API endpoint, e.g. for a compatible gateway.
	BaseURL string

	// Model is used when a request carries no model (default: gpt-4o-mini).
	Model string
}

// OpenAI is a Collaborator backed by the chat completions API.
//
// Thread Safety: Safe for concurrent use.
type OpenAI struct {
	name     string
	client   *openai.Client
	model    string
	logger   *slog.Logger
	inflight inflight
}

// NewOpenAI creates an OpenAI collaborator.
//
// # Inputs
//
//   - cfg: Provider configuration.
//   - logger: Logger; nil uses slog.Default().
//
// # Outputs
//
//   - *OpenAI: Ready collaborator.
//   - error: ErrMissingAPIKey if no key is configured.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, cfg.APIKeyEnv)
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	logger.Info("initializing OpenAI collaborator",
		slog.String("name", cfg.Name),
		slog.String("model", cfg.Model))

	return &OpenAI{
		name:   cfg.Name,
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger,
	}, nil
}

// Name returns the provider name.
func (o *OpenAI) Name() string {
	return o.name
}

// Execute sends one chat completion capped at the request budget.
func (o *OpenAI) Execute(ctx context.Context, req Request) (*Result, error) {
	ctx, done := o.inflight.track(ctx, req.Key())
	defer done()

	model := req.Model
	if model == "" {
		model = o.model
	}
	chatReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(req)},
		},
	}
	if req.BudgetTokens > 0 {
		chatReq.MaxCompletionTokens = req.BudgetTokens
	}

	o.logger.Debug("sending OpenAI request",
		slog.String("phase_id", req.PhaseID),
		slog.String("model", model),
		slog.Int("budget_tokens", req.BudgetTokens))

	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai returned no choices", ErrMalformedResponse)
	}

	choice := resp.Choices[0]
	stop := string(choice.FinishReason)
	if choice.FinishReason == openai.FinishReasonLength {
		stop = StopReasonMaxTokens
	}
	o.logger.Debug("received OpenAI response",
		slog.String("phase_id", req.PhaseID),
		slog.String("finish_reason", string(choice.FinishReason)),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens))

	return resultFromOutput(choice.Message.Content, resp.Usage.CompletionTokens, stop), nil
}

// Cancel aborts the in-flight call for key.
func (o *OpenAI) Cancel(ctx context.Context, key string) error {
	if o.inflight.cancel(key) {
		o.logger.Info("canceled OpenAI call", slog.String("phase_key", key))
	}
	return nil
}
