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

package executor

import (
	"context"
	"sync"

	"github.com/NVIDIA/takt/pkg/errors"
)

// ResumeDecision is the operator's answer when resuming a paused rollout.
type ResumeDecision string

const (
	// ResumeRetry re-runs the batch that triggered the pause.
	ResumeRetry ResumeDecision = "retry"
	// ResumeSkip marks that batch failed and proceeds.
	ResumeSkip ResumeDecision = "skip"
)

// Valid reports whether the decision is one of the supported values.
func (d ResumeDecision) Valid() bool {
	return d == ResumeRetry || d == ResumeSkip
}

// Control is the pause/resume coordination point shared by the executor's
// batch runners and the external command surface. Runners block on it at
// suspension points; operators flip it through Pause and Resume.
type Control struct {
	mu       sync.Mutex
	paused   bool
	unpaused chan struct{}
	decision chan ResumeDecision
}

// NewControl creates an unpaused control.
func NewControl() *Control {
	return &Control{
		decision: make(chan ResumeDecision, 1),
	}
}

// Pause suspends execution at the next suspension point. Idempotent.
func (c *Control) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.paused = true
	c.unpaused = make(chan struct{})
	// drop any stale decision from a previous pause cycle
	select {
	case <-c.decision:
	default:
	}
}

// Resume lifts a pause, handing the decision to the runner that is waiting
// for one (if any). Fails when the rollout is not paused.
func (c *Control) Resume(d ResumeDecision) error {
	if !d.Valid() {
		return errors.Newf(errors.ErrCodeInvalidRequest, "unknown resume decision %q", d)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return errors.New(errors.ErrCodeInvalidRequest, "rollout is not paused")
	}

	select {
	case c.decision <- d:
	default:
	}
	c.paused = false
	close(c.unpaused)
	return nil
}

// Paused reports whether execution is currently suspended.
func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// waitWhilePaused blocks until the control is unpaused or the context ends.
func (c *Control) waitWhilePaused(ctx context.Context) error {
	for {
		c.mu.Lock()
		paused, ch := c.paused, c.unpaused
		c.mu.Unlock()

		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(errors.ErrCodeCancelled, "cancelled while paused", ctx.Err())
		case <-ch:
		}
	}
}

// awaitDecision blocks until an operator resumes with a decision. Called by
// the runner whose batch failure triggered the pause.
func (c *Control) awaitDecision(ctx context.Context) (ResumeDecision, error) {
	select {
	case <-ctx.Done():
		return "", errors.Wrap(errors.ErrCodeCancelled, "cancelled while awaiting operator decision", ctx.Err())
	case d := <-c.decision:
		return d, nil
	}
}
