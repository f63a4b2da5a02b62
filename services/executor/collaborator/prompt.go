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
	"bufio"
	"fmt"
	"strings"
)

const systemPrompt = `You are the builder for an autonomous phase execution engine.
Produce the requested deliverables as unified diffs. Only touch paths inside the allowed scope.
If the task cannot be completed without a human decision, reply with a single line:
STUCK: <REASON>
where <REASON> is IRREDUCIBLE_AMBIGUITY or REQUIRES_APPROVAL.`

// stuckMarker prefixes a line declaring the phase stuck.
const stuckMarker = "STUCK:"

// buildPrompt renders the user message for a request.
func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase %s (attempt %d)\n\n", req.PhaseID, req.Attempt)
	b.WriteString(req.Description)
	b.WriteString("\n")
	if len(req.Deliverables) > 0 {
		b.WriteString("\nDeliverables:\n")
		for _, d := range req.Deliverables {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if len(req.AllowedScope) > 0 {
		b.WriteString("\nAllowed scope:\n")
		for _, s := range req.AllowedScope {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if req.BuilderMode != "" {
		fmt.Fprintf(&b, "\nMode: %s\n", req.BuilderMode)
	}
	if req.LastFailureReason != "" {
		fmt.Fprintf(&b, "\nThe previous attempt failed: %s\n", req.LastFailureReason)
	}
	return b.String()
}

// parseStuckReason returns the reason from a "STUCK: <REASON>" line, if any.
func parseStuckReason(output string) string {
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, stuckMarker); ok {
			return strings.ToUpper(strings.TrimSpace(rest))
		}
	}
	return ""
}

// resultFromOutput fills Success, Error and StuckReason from generated text.
func resultFromOutput(output string, tokens int, stopReason string) *Result {
	r := &Result{TokensUsed: tokens, StopReason: stopReason, Output: output}
	stuck := parseStuckReason(output)
	switch {
	case strings.TrimSpace(output) == "":
		r.Error = "empty output"
	case stuck != "":
		r.StuckReason = stuck
		r.Error = "collaborator declared the phase stuck"
	case stopReason == StopReasonMaxTokens:
		r.Error = "output truncated at token budget"
	default:
		r.Success = true
	}
	return r
}

// StopReasonMaxTokens is the normalized truncation stop reason.
const StopReasonMaxTokens = "max_tokens"
