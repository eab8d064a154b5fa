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

import (
	"sync"
	"time"
)

// GroupKey identifies a grouping of targets that must never be processed
// concurrently, typically a production line.
type GroupKey string

// Target is an addressable unit of work: a node or workstation subject to a
// maintenance operation. Targets are owned exclusively by the orchestrator
// for the duration of a rollout and never mutated by two batches at once.
type Target struct {
	// ID is the unique target identifier (node name).
	ID string `json:"id" yaml:"id"`
	// Group is the production line or other grouping tag.
	Group GroupKey `json:"group" yaml:"group"`
	// LastHealth is the most recent readiness judgment for the target.
	LastHealth *HealthSnapshot `json:"lastHealth,omitempty" yaml:"lastHealth,omitempty"`
	// Retries counts phase attempts consumed on behalf of this target.
	Retries int `json:"retries" yaml:"retries"`
}

// BatchState is the lifecycle state of a batch.
type BatchState string

const (
	BatchPending    BatchState = "Pending"
	BatchDraining   BatchState = "Draining"
	BatchOperating  BatchState = "Operating"
	BatchVerifying  BatchState = "Verifying"
	BatchRestoring  BatchState = "Restoring"
	BatchCompleted  BatchState = "Completed"
	BatchFailed     BatchState = "Failed"
	BatchRolledBack BatchState = "RolledBack"
	BatchCancelled  BatchState = "Cancelled"
)

// Terminal reports whether no further phase will run for a batch in this state.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchRolledBack, BatchCancelled:
		return true
	default:
		return false
	}
}

// Batch is an ordered, non-overlapping subset of targets processed together.
// A target belongs to exactly one batch per rollout; batches execute in
// sequence index order within their group.
type Batch struct {
	// Index is the global sequence index of the batch within the rollout.
	Index int `json:"index" yaml:"index"`
	// Group is the group key shared by all members.
	Group GroupKey `json:"group" yaml:"group"`
	// Targets are the batch members, sorted by target ID.
	Targets []Target `json:"targets" yaml:"targets"`
	// State is the current lifecycle state.
	State BatchState `json:"state" yaml:"state"`
	// StartedAt is set when the first phase attempt begins.
	StartedAt *time.Time `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	// EndedAt is set when the batch reaches a terminal state.
	EndedAt *time.Time `json:"endedAt,omitempty" yaml:"endedAt,omitempty"`
	// FailureReason carries the last diagnostic when State is Failed.
	FailureReason string `json:"failureReason,omitempty" yaml:"failureReason,omitempty"`
}

// TargetIDs returns the member identifiers in order.
func (b *Batch) TargetIDs() []string {
	ids := make([]string, 0, len(b.Targets))
	for _, t := range b.Targets {
		ids = append(ids, t.ID)
	}
	return ids
}

// FailurePolicy controls how a rollout reacts to a failed batch.
type FailurePolicy string

const (
	// PolicyAbortOnFailure aborts the whole rollout on the first failed
	// batch; pending batches never start.
	PolicyAbortOnFailure FailurePolicy = "abort-on-first-failure"
	// PolicyBestEffort marks the failed batch and proceeds to the next.
	PolicyBestEffort FailurePolicy = "best-effort"
	// PolicyPauseForOperator pauses the rollout until an operator resumes
	// it with an explicit retry or skip decision.
	PolicyPauseForOperator FailurePolicy = "pause-for-operator"
)

// Valid reports whether the policy is one of the supported values.
func (p FailurePolicy) Valid() bool {
	switch p {
	case PolicyAbortOnFailure, PolicyBestEffort, PolicyPauseForOperator:
		return true
	default:
		return false
	}
}

// RolloutState is the overall state of a rollout.
type RolloutState string

const (
	// StatePending is the state of a planned rollout before execution starts.
	StatePending RolloutState = "Pending"
	StateRunning RolloutState = "Running"
	StatePaused  RolloutState = "Paused"
	// StateCompleted is terminal; with the best-effort policy it may carry
	// failed batches (completed-with-failures).
	StateCompleted RolloutState = "Completed"
	StateAborted   RolloutState = "Aborted"
)

// Terminal reports whether the rollout is finished and read-only.
func (s RolloutState) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Rollout is the top-level unit spanning all batches for one maintenance
// operation. Membership is immutable after planning; re-planning requires a
// new rollout.
type Rollout struct {
	// ID uniquely identifies the rollout.
	ID string `json:"id" yaml:"id"`
	// Batches in global sequence order.
	Batches []*Batch `json:"batches" yaml:"batches"`
	// GroupOrder is the caller-supplied group priority order.
	GroupOrder []GroupKey `json:"groupOrder" yaml:"groupOrder"`
	// Policy is the global failure policy.
	Policy FailurePolicy `json:"policy" yaml:"policy"`
	// MaxConcurrentBatches bounds batch parallelism. Batches of the same
	// group never run concurrently regardless of this value.
	MaxConcurrentBatches int `json:"maxConcurrentBatches" yaml:"maxConcurrentBatches"`
	// InterBatchDelay is the soak time between consecutive batches of the
	// same group.
	InterBatchDelay time.Duration `json:"interBatchDelay" yaml:"interBatchDelay"`
	// Deadline, when non-zero, forces a transition to Paused once passed.
	Deadline time.Time `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	// Operation is the action applied during the Operate phase.
	Operation OperationSpec `json:"operation" yaml:"operation"`
	// CreatedAt is the planning timestamp.
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`

	mu    sync.RWMutex
	state RolloutState
}

// State returns the current rollout state.
func (r *Rollout) State() RolloutState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// SetState transitions the rollout state. Transitions out of a terminal
// state are ignored so late goroutines cannot resurrect a finished rollout.
func (r *Rollout) SetState(s RolloutState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	r.state = s
}

// SetBatchState transitions a batch and stamps its start/end timestamps.
func (r *Rollout) SetBatchState(b *Batch, s BatchState) {
	r.SetBatchStateAt(b, s, time.Now().UTC())
}

// SetBatchStateAt transitions a batch using an explicit transition time.
// Ledger replay uses the original record timestamps so a replayed rollout is
// indistinguishable from the live one. Re-entering a non-terminal state (a
// retried batch) clears the previous end timestamp and failure reason.
func (r *Rollout) SetBatchStateAt(b *Batch, s BatchState, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b.StartedAt == nil && s != BatchPending {
		t := at
		b.StartedAt = &t
	}
	if s.Terminal() {
		if b.EndedAt == nil {
			t := at
			b.EndedAt = &t
		}
	} else {
		b.EndedAt = nil
		b.FailureReason = ""
	}
	b.State = s
}

// BatchState returns the batch state under the rollout lock. Executor
// goroutines of other groups read batch states while one mutates its own.
func (r *Rollout) BatchState(b *Batch) BatchState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return b.State
}

// SetBatchHealth records the latest aggregate readiness judgment on every
// member of the batch.
func (r *Rollout) SetBatchHealth(b *Batch, hs HealthSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range b.Targets {
		snap := hs
		b.Targets[i].LastHealth = &snap
	}
}

// BumpBatchRetries charges one retry to every member of the batch.
func (r *Rollout) BumpBatchRetries(b *Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range b.Targets {
		b.Targets[i].Retries++
	}
}

// SetBatchFailure marks a batch failed with the given diagnostic.
func (r *Rollout) SetBatchFailure(b *Batch, reason string) {
	r.SetBatchFailureAt(b, reason, time.Now().UTC())
}

// SetBatchFailureAt marks a batch failed using an explicit transition time.
func (r *Rollout) SetBatchFailureAt(b *Batch, reason string, at time.Time) {
	r.SetBatchStateAt(b, BatchFailed, at)
	r.mu.Lock()
	b.FailureReason = reason
	r.mu.Unlock()
}

// BatchesByGroup returns the rollout's batches bucketed by group, in
// sequence index order, with groups in GroupOrder.
func (r *Rollout) BatchesByGroup() map[GroupKey][]*Batch {
	out := make(map[GroupKey][]*Batch, len(r.GroupOrder))
	for _, b := range r.Batches {
		out[b.Group] = append(out[b.Group], b)
	}
	return out
}

// FailedBatches returns the number of batches in the Failed state.
func (r *Rollout) FailedBatches() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, b := range r.Batches {
		if b.State == BatchFailed {
			n++
		}
	}
	return n
}

// OperationSpec describes the patch/update/deploy action applied to every
// target during the Operate phase. The payload itself travels as an OCI
// operation bundle (see pkg/oci); the spec only references it.
type OperationSpec struct {
	// Name is a human-readable operation name (e.g. "kernel-patch-2025-08").
	Name string `json:"name" yaml:"name"`
	// BundleRef is the OCI reference of the operation bundle, if any.
	BundleRef string `json:"bundleRef,omitempty" yaml:"bundleRef,omitempty"`
	// Params are free-form operation parameters.
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}
