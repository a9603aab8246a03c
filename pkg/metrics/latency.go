// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencyTracker tracks latency quantiles per operation using DDSketch.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a latency tracker. relativeAccuracy sets the
// quantile estimate accuracy (0.01 = 1%).
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record records a duration for the given operation.
func (lt *LatencyTracker) Record(operation string, duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}

	// Stored in milliseconds
	sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// Quantile returns the value (in milliseconds) at the given quantile for
// the operation.
func (lt *LatencyTracker) Quantile(operation string, quantile float64) (float64, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		return 0, fmt.Errorf("no data for operation: %s", operation)
	}

	return sketch.GetValueAtQuantile(quantile)
}

// Summary holds common latency statistics for one operation, in
// milliseconds.
type Summary struct {
	Operation string  `json:"operation"`
	Count     float64 `json:"count"`
	P50       float64 `json:"p50_ms"`
	P90       float64 `json:"p90_ms"`
	P99       float64 `json:"p99_ms"`
	Max       float64 `json:"max_ms"`
}

// Summaries returns per-operation statistics sorted by operation name.
func (lt *LatencyTracker) Summaries() []Summary {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	out := make([]Summary, 0, len(lt.sketches))
	for op, sketch := range lt.sketches {
		s := Summary{Operation: op, Count: sketch.GetCount()}
		s.P50, _ = sketch.GetValueAtQuantile(0.50)
		s.P90, _ = sketch.GetValueAtQuantile(0.90)
		s.P99, _ = sketch.GetValueAtQuantile(0.99)
		s.Max, _ = sketch.GetMaxValue()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}
