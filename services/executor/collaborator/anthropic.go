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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	anthropicAPIVersion     = "2023-06-01"
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1/messages"
	defaultAnthropicTokens  = 4096
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicConfig configures the Anthropic collaborator.
type AnthropicConfig struct {
	// Name is the provider name (default: "anthropic").
	Name string

	// APIKey authenticates requests. Falls back to the APIKeyEnv variable.
	APIKey string

	// APIKeyEnv names the environment variable holding the key
	// (default: ANTHROPIC_API_KEY).
	APIKeyEnv string

	// BaseURL is the messages endpoint.
	BaseURL string

	// Model is used when a request carries no model.
	Model string

	// HTTPTimeout bounds a single HTTP exchange (default: 10m). The phase
	// watchdog usually cancels first.
	HTTPTimeout time.Duration
}

// Anthropic is a Collaborator backed by the Messages API over REST.
//
// Thread Safety: Safe for concurrent use.
type Anthropic struct {
	name       string
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
	logger     *slog.Logger
	inflight   inflight
}

// NewAnthropic creates an Anthropic collaborator.
func NewAnthropic(cfg AnthropicConfig, logger *slog.Logger) (*Anthropic, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, cfg.APIKeyEnv)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-sonnet-20240620"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Minute
	}

	return &Anthropic{
		name:       cfg.Name,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		logger:     logger,
	}, nil
}

// Name returns the provider name.
func (a *Anthropic) Name() string {
	return a.name
}

// Execute sends one messages request capped at the request budget.
func (a *Anthropic) Execute(ctx context.Context, req Request) (*Result, error) {
	ctx, done := a.inflight.track(ctx, req.Key())
	defer done()

	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.BudgetTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicTokens
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		System:    systemPrompt,
		MaxTokens: maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: buildPrompt(req)}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("content-type", "application/json")

	a.logger.Debug("sending Anthropic request",
		slog.String("phase_id", req.PhaseID),
		slog.String("model", model),
		slog.Int("max_tokens", maxTokens))

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading anthropic response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, truncate(string(respBody), 512))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return resultFromOutput(text.String(), apiResp.Usage.OutputTokens, apiResp.StopReason), nil
}

// Cancel aborts the in-flight call for key.
func (a *Anthropic) Cancel(ctx context.Context, key string) error {
	if a.inflight.cancel(key) {
		a.logger.Info("canceled Anthropic call", slog.String("phase_key", key))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
