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

// Phase names the lifecycle steps a batch moves through.
type Phase string

const (
	PhaseDrain   Phase = "Drain"
	PhaseOperate Phase = "Operate"
	PhaseVerify  Phase = "Verify"
	PhaseRestore Phase = "Restore"
	// PhaseCompensate is the rollback controller's compensating action,
	// re-restoring targets so none is left drained by an aborted batch.
	PhaseCompensate Phase = "Compensate"
)

// Phases is the fixed forward order of a batch lifecycle.
var Phases = []Phase{PhaseDrain, PhaseOperate, PhaseVerify, PhaseRestore}

// StateFor maps a phase to the batch state while that phase runs.
func (p Phase) StateFor() BatchState {
	switch p {
	case PhaseDrain:
		return BatchDraining
	case PhaseOperate:
		return BatchOperating
	case PhaseVerify:
		return BatchVerifying
	case PhaseRestore, PhaseCompensate:
		return BatchRestoring
	default:
		return BatchPending
	}
}

// Outcome classifies the result of a phase attempt. Raw collaborator errors
// never cross this boundary; the executor classifies them first.
type Outcome string

const (
	// OutcomeStarted marks the beginning of a phase attempt.
	OutcomeStarted  Outcome = "Started"
	OutcomeSuccess  Outcome = "Success"
	OutcomeFailure  Outcome = "Failure"
	OutcomeTimedOut Outcome = "TimedOut"
	// OutcomeCancelled is operator- or system-initiated, distinct from failure.
	OutcomeCancelled Outcome = "Cancelled"
	// OutcomeSkipped marks a phase that never ran because the rollout
	// aborted before its batch started.
	OutcomeSkipped Outcome = "Skipped"
)

// PhaseRecord is an immutable ledger entry describing one phase transition.
// Records are created by the executor at the start and end of every phase
// attempt, never mutated or deleted, and replayed to reconstruct in-progress
// state after an orchestrator restart.
type PhaseRecord struct {
	// RolloutID keys the record to its rollout.
	RolloutID string `json:"rolloutId" yaml:"rolloutId"`
	// BatchIndex is the global sequence index of the batch.
	BatchIndex int `json:"batchIndex" yaml:"batchIndex"`
	// Group is the batch's group key, carried for observability sinks.
	Group GroupKey `json:"group" yaml:"group"`
	// Phase is the lifecycle step this record describes.
	Phase Phase `json:"phase" yaml:"phase"`
	// Outcome classifies the transition.
	Outcome Outcome `json:"outcome" yaml:"outcome"`
	// Attempt is the 1-based attempt number within the phase.
	Attempt int `json:"attempt" yaml:"attempt"`
	// Diagnostic is free-form text, typically the classified error message.
	Diagnostic string `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`
	// Time is the wall-clock append timestamp.
	Time time.Time `json:"time" yaml:"time"`
}
