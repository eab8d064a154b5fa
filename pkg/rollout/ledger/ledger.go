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

// Package ledger persists the append-only sequence of phase records that is
// the orchestrator's only durable state.
//
// Append is the single write path and is serialized: concurrent batches
// append independently but records never interleave partially. Replaying a
// rollout's records folds them, in append order, over a freshly planned
// rollout to reconstruct in-progress batch states after a restart. Replay
// is idempotent and has no side effects beyond rebuilding in-memory state.
package ledger

import (
	"context"

	"github.com/NVIDIA/takt/pkg/rollout"
)

// Ledger is the append-only phase record store.
type Ledger interface {
	// Append durably records one phase transition.
	Append(ctx context.Context, rec rollout.PhaseRecord) error
	// Records returns all records for a rollout in append order.
	Records(ctx context.Context, rolloutID string) ([]rollout.PhaseRecord, error)
	// RolloutIDs returns the identifiers of all rollouts with records,
	// oldest first.
	RolloutIDs(ctx context.Context) ([]string, error)
	// Close releases the underlying store.
	Close() error
}

// Progress is the replay result: which phases each batch has already
// completed, so a resumed executor can skip them.
type Progress struct {
	// Done maps batch index to the set of successfully completed phases.
	Done map[int]map[rollout.Phase]bool
}

// PhaseDone reports whether the given batch already completed the phase.
func (p *Progress) PhaseDone(batchIndex int, phase rollout.Phase) bool {
	if p == nil {
		return false
	}
	return p.Done[batchIndex][phase]
}

// Replay folds records over a planned rollout, reconstructing batch states
// and the rollout state. The rollout must have the same shape the records
// were produced against, which deterministic planning guarantees.
//
// Replay may be run any number of times on the same input with the same
// result.
func Replay(ro *rollout.Rollout, records []rollout.PhaseRecord) *Progress {
	prog := &Progress{Done: make(map[int]map[rollout.Phase]bool)}
	failedIn := make(map[int]rollout.Phase)

	for _, rec := range records {
		if rec.BatchIndex < 0 || rec.BatchIndex >= len(ro.Batches) {
			continue
		}
		b := ro.Batches[rec.BatchIndex]

		switch rec.Outcome {
		case rollout.OutcomeStarted:
			if rec.Phase != rollout.PhaseCompensate {
				ro.SetBatchStateAt(b, rec.Phase.StateFor(), rec.Time)
			}
			// a restarted phase is no longer done
			delete(prog.Done[rec.BatchIndex], rec.Phase)

		case rollout.OutcomeSuccess:
			if prog.Done[rec.BatchIndex] == nil {
				prog.Done[rec.BatchIndex] = make(map[rollout.Phase]bool)
			}
			prog.Done[rec.BatchIndex][rec.Phase] = true

			switch rec.Phase {
			case rollout.PhaseRestore:
				ro.SetBatchStateAt(b, rollout.BatchCompleted, rec.Time)
			case rollout.PhaseCompensate:
				// a compensated Restore failure leaves the targets back in
				// service; the batch is rolled back rather than failed
				if failedIn[rec.BatchIndex] == rollout.PhaseRestore {
					ro.SetBatchStateAt(b, rollout.BatchRolledBack, rec.Time)
				}
			}

		case rollout.OutcomeFailure, rollout.OutcomeTimedOut, rollout.OutcomeSkipped:
			ro.SetBatchFailureAt(b, rec.Diagnostic, rec.Time)
			failedIn[rec.BatchIndex] = rec.Phase

		case rollout.OutcomeCancelled:
			ro.SetBatchStateAt(b, rollout.BatchCancelled, rec.Time)
		}
	}

	ro.SetState(deriveState(ro))
	return prog
}

// deriveState computes the rollout state implied by its batch states.
// An interrupted rollout replays to Paused so an operator (or the resuming
// orchestrator) makes the call to continue.
func deriveState(ro *rollout.Rollout) rollout.RolloutState {
	allTerminal := true
	anyStarted := false
	failed := 0

	for _, b := range ro.Batches {
		if !b.State.Terminal() {
			allTerminal = false
		}
		if b.State != rollout.BatchPending {
			anyStarted = true
		}
		if b.State == rollout.BatchFailed {
			failed++
		}
	}

	switch {
	case !anyStarted:
		return rollout.StatePending
	case !allTerminal:
		return rollout.StatePaused
	case ro.Policy == rollout.PolicyAbortOnFailure && failed > 0:
		return rollout.StateAborted
	default:
		return rollout.StateCompleted
	}
}
