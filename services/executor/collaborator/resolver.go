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
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/hshk99/Autopack-sub025/services/executor/breaker"
)

// Resolver selects a collaborator for a model name.
//
// # Description
//
// Candidates are, in order: the provider routed by the longest matching
// model prefix, then the explicit fallback list. Candidates whose circuit
// breaker cannot currently admit a call are skipped. A fallback provider
// that no route ties to the requested model is sent its default model.
//
// # Thread Safety
//
// Safe for concurrent use.
type Resolver struct {
	registry *breaker.Registry

	mu        sync.RWMutex
	providers map[string]Collaborator
	models    map[string]string
	routes    []route
	fallback  []string
}

type route struct {
	prefix   string
	provider string
}

// NewResolver creates an empty resolver. registry may be nil, in which case
// breaker availability is not consulted.
func NewResolver(registry *breaker.Registry) *Resolver {
	return &Resolver{
		registry:  registry,
		providers: make(map[string]Collaborator),
		models:    make(map[string]string),
	}
}

// SetDefaultModel sets the model sent to provider when it serves a model it
// is not routed for.
func (r *Resolver) SetDefaultModel(provider, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[provider] = model
}

// Register adds a collaborator under its Name.
func (r *Resolver) Register(c Collaborator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[c.Name()] = c
}

// Route maps a model-name prefix to a provider.
func (r *Resolver) Route(prefix, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = slices.DeleteFunc(r.routes, func(rt route) bool { return rt.prefix == prefix })
	r.routes = append(r.routes, route{prefix: prefix, provider: provider})
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
}

// SetFallback sets the provider priority list used after the prefix match.
func (r *Resolver) SetFallback(providers ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = append([]string(nil), providers...)
}

// Candidates returns the ordered, de-duplicated provider names for model,
// restricted to registered providers. Availability is not considered.
func (r *Resolver) Candidates(model string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	add := func(name string) {
		if _, ok := r.providers[name]; ok && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	for _, rt := range r.routes {
		if strings.HasPrefix(model, rt.prefix) {
			add(rt.provider)
			break
		}
	}
	for _, name := range r.fallback {
		add(name)
	}
	return out
}

// Resolve returns the first available candidate for model and the model
// name to send it.
//
// # Outputs
//
//   - Collaborator: Selected provider.
//   - string: model when a route ties it to the selected provider (or the
//     provider has no default model); otherwise the provider's default.
//   - error: ErrNoCollaborator if there are no candidates, ErrAllUnavailable
//     if every candidate's breaker is open.
func (r *Resolver) Resolve(model string) (Collaborator, string, error) {
	candidates := r.Candidates(model)
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("%w: %q", ErrNoCollaborator, model)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range candidates {
		if r.registry != nil {
			if b, ok := r.registry.Get(name); ok && !b.Available() {
				continue
			}
		}
		return r.providers[name], r.modelFor(name, model), nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrAllUnavailable, strings.Join(candidates, ", "))
}

// modelFor must be called with r.mu held.
func (r *Resolver) modelFor(provider, model string) string {
	for _, rt := range r.routes {
		if rt.provider == provider && model != "" && strings.HasPrefix(model, rt.prefix) {
			return model
		}
	}
	if def := r.models[provider]; def != "" {
		return def
	}
	return model
}

// Providers returns registered provider names, sorted.
func (r *Resolver) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
