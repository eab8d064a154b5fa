// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rollout

import "time"

// HealthSnapshot is a point-in-time readiness judgment for a target or
// batch. Snapshots are ephemeral: produced by the health gate, consumed by
// the current gate decision, not persisted.
type HealthSnapshot struct {
	// Ready is the number of ready units.
	Ready int `json:"ready" yaml:"ready"`
	// Total is the number of units sampled.
	Total int `json:"total" yaml:"total"`
	// Degraded marks readiness that regressed after first reaching the
	// threshold (flapping).
	Degraded bool `json:"degraded" yaml:"degraded"`
	// SampledAt is when the snapshot was taken.
	SampledAt time.Time `json:"sampledAt" yaml:"sampledAt"`
}

// Ratio returns the readiness fraction in [0,1]. An empty snapshot counts
// as not ready.
func (h HealthSnapshot) Ratio() float64 {
	if h.Total == 0 {
		return 0
	}
	return float64(h.Ready) / float64(h.Total)
}

// Merge folds another snapshot into this one, summing counts and keeping
// the most pessimistic degraded flag and the latest sample time.
func (h HealthSnapshot) Merge(other HealthSnapshot) HealthSnapshot {
	out := HealthSnapshot{
		Ready:    h.Ready + other.Ready,
		Total:    h.Total + other.Total,
		Degraded: h.Degraded || other.Degraded,
	}
	out.SampledAt = h.SampledAt
	if other.SampledAt.After(h.SampledAt) {
		out.SampledAt = other.SampledAt
	}
	return out
}
