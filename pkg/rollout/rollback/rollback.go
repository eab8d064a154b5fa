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

// Package rollback decides what happens after a batch fails: abort the
// rollout, pause for an operator, skip the batch, or compensate first.
package rollback

import (
	"context"

	"github.com/NVIDIA/takt/pkg/rollout"
)

// Action is the controller's verdict for a failed batch.
type Action string

const (
	// ActionAbort terminates the whole rollout; pending batches never start.
	ActionAbort Action = "Abort"
	// ActionPauseForOperator suspends the rollout until an explicit resume.
	ActionPauseForOperator Action = "PauseForOperator"
	// ActionSkipAndContinue marks the batch failed and proceeds. Targets in
	// the failed batch stay in their last known-good state.
	ActionSkipAndContinue Action = "SkipAndContinue"
	// ActionCompensateThenContinue runs the registered compensation (re-run
	// Restore so no target is left drained indefinitely) before continuing
	// with skip semantics.
	ActionCompensateThenContinue Action = "CompensateThenContinue"
)

// Compensator undoes the service-impacting half of a failed batch, typically
// by re-restoring its targets.
type Compensator func(ctx context.Context, b *rollout.Batch) error

// Controller maps a rollout failure policy and a failed batch to an Action.
type Controller struct {
	compensator Compensator
}

// New creates a controller. The compensator is optional; without one,
// CompensateThenContinue is never chosen.
func New(compensator Compensator) *Controller {
	return &Controller{compensator: compensator}
}

// Decide returns the action for a batch that failed in the given phase.
//
// Compensation only applies when the failure occurred in Operate or Restore:
// a batch that never got past Drain has nothing service-impacting to undo
// beyond what an operator must inspect anyway, and a batch that failed
// Verify is deliberately left drained rather than returned to service
// unverified.
func (c *Controller) Decide(policy rollout.FailurePolicy, _ *rollout.Batch, failedPhase rollout.Phase) Action {
	switch policy {
	case rollout.PolicyAbortOnFailure:
		return ActionAbort
	case rollout.PolicyPauseForOperator:
		return ActionPauseForOperator
	case rollout.PolicyBestEffort:
		if c.compensator != nil && (failedPhase == rollout.PhaseOperate || failedPhase == rollout.PhaseRestore) {
			return ActionCompensateThenContinue
		}
		return ActionSkipAndContinue
	default:
		// unknown policies fail safe
		return ActionAbort
	}
}

// Compensate invokes the registered compensation for the batch.
// No-op without a registered compensator.
func (c *Controller) Compensate(ctx context.Context, b *rollout.Batch) error {
	if c.compensator == nil {
		return nil
	}
	return c.compensator(ctx, b)
}
