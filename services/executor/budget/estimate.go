// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import "github.com/hshk99/Autopack-sub025/services/executor/phase"

// tokensPerDeliverable is added to the complexity base per declared output.
const tokensPerDeliverable = 1500

// DefaultBudget returns the base token allowance for a complexity tag.
// Unknown or empty complexity is treated as medium.
func DefaultBudget(c phase.Complexity) int {
	switch c {
	case phase.ComplexityLow:
		return 2000
	case phase.ComplexityHigh:
		return 8000
	default:
		return 4000
	}
}

// EstimateTokens estimates output tokens for a phase without a planner
// estimate: the complexity base plus a fixed allowance per deliverable.
func EstimateTokens(c phase.Complexity, deliverables int) int {
	if deliverables < 0 {
		deliverables = 0
	}
	return DefaultBudget(c) + deliverables*tokensPerDeliverable
}

// EstimateFor returns p.EstimatedTokens if set, otherwise EstimateTokens.
func EstimateFor(p *phase.Phase) int {
	if p.EstimatedTokens > 0 {
		return p.EstimatedTokens
	}
	return EstimateTokens(p.Complexity, len(p.Deliverables))
}

func complexityName(c phase.Complexity) string {
	if c == "" {
		return string(phase.ComplexityMedium)
	}
	return string(c)
}
