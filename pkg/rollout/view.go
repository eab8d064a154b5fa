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

// View is an immutable, fully-formed copy of a rollout's observable state.
// Status queries always return a View, never a live Rollout, so callers can
// serialize it without racing the executor.
type View struct {
	ID                   string        `json:"id" yaml:"id"`
	State                RolloutState  `json:"state" yaml:"state"`
	Policy               FailurePolicy `json:"policy" yaml:"policy"`
	MaxConcurrentBatches int           `json:"maxConcurrentBatches" yaml:"maxConcurrentBatches"`
	GroupOrder           []GroupKey    `json:"groupOrder" yaml:"groupOrder"`
	Operation            OperationSpec `json:"operation" yaml:"operation"`
	CreatedAt            time.Time     `json:"createdAt" yaml:"createdAt"`
	Batches              []Batch       `json:"batches" yaml:"batches"`
	FailedBatches        int           `json:"failedBatches" yaml:"failedBatches"`
}

// Snapshot builds a consistent View of the rollout under its lock.
func (r *Rollout) Snapshot() *View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v := &View{
		ID:                   r.ID,
		State:                r.state,
		Policy:               r.Policy,
		MaxConcurrentBatches: r.MaxConcurrentBatches,
		GroupOrder:           append([]GroupKey(nil), r.GroupOrder...),
		Operation:            r.Operation,
		CreatedAt:            r.CreatedAt,
		Batches:              make([]Batch, 0, len(r.Batches)),
	}

	for _, b := range r.Batches {
		cp := *b
		cp.Targets = append([]Target(nil), b.Targets...)
		if b.StartedAt != nil {
			t := *b.StartedAt
			cp.StartedAt = &t
		}
		if b.EndedAt != nil {
			t := *b.EndedAt
			cp.EndedAt = &t
		}
		if cp.State == BatchFailed {
			v.FailedBatches++
		}
		v.Batches = append(v.Batches, cp)
	}

	return v
}
