// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autopack_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"breaker"})

	transitionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"breaker", "from", "to"})

	rejectedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_breaker_rejected_calls_total",
		Help: "Calls rejected by an open or saturated circuit breaker",
	}, []string{"breaker"})
)
