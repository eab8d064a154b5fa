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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/takt/pkg/errors"
	"github.com/NVIDIA/takt/pkg/rollout"
	"github.com/NVIDIA/takt/pkg/rollout/health"
	"github.com/NVIDIA/takt/pkg/rollout/ledger"
	"github.com/NVIDIA/takt/pkg/rollout/planner"
	"github.com/NVIDIA/takt/pkg/rollout/rollback"
)

type fakeActuator struct {
	mu       sync.Mutex
	drains   []string
	applies  []string
	restores []string

	applyFn func(t rollout.Target) error

	// when drainStarted is set, Drain signals it and blocks until the
	// context is cancelled
	drainStarted chan struct{}

	// when drainStalls is set, Drain blocks until the phase context expires
	// and reports the interrupt as a cancellation, the way a polling
	// infrastructure client classifies an expired context
	drainStalls bool
}

func (f *fakeActuator) Drain(ctx context.Context, t rollout.Target) error {
	if f.drainStalls {
		<-ctx.Done()
		return errors.Wrap(errors.ErrCodeCancelled,
			fmt.Sprintf("drain node %s", t.ID), ctx.Err())
	}
	if f.drainStarted != nil {
		select {
		case f.drainStarted <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains = append(f.drains, t.ID)
	return nil
}

func (f *fakeActuator) Apply(_ context.Context, t rollout.Target, _ rollout.OperationSpec) error {
	f.mu.Lock()
	f.applies = append(f.applies, t.ID)
	fn := f.applyFn
	f.mu.Unlock()

	if fn != nil {
		return fn(t)
	}
	return nil
}

func (f *fakeActuator) Restore(_ context.Context, t rollout.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores = append(f.restores, t.ID)
	return nil
}

func (f *fakeActuator) count(calls *[]string, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range *calls {
		if c == id {
			n++
		}
	}
	return n
}

// readyProber reports every target as fully ready.
type readyProber struct{}

func (readyProber) Readiness(_ context.Context, _ rollout.Target) (rollout.HealthSnapshot, error) {
	return rollout.HealthSnapshot{Ready: 1, Total: 1, SampledAt: time.Now().UTC()}, nil
}

func newTestExecutor(t *testing.T, act rollout.Actuator, l ledger.Ledger, comp rollback.Compensator, tweak func(*Config)) *Executor {
	t.Helper()

	cfg := Config{
		Actuator:       act,
		Gate:           health.New(readyProber{}, time.Millisecond, 3),
		Controller:     rollback.New(comp),
		Ledger:         l,
		PhaseTimeout:   time.Second,
		MaxAttempts:    1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  4 * time.Millisecond,
		GateOptions: health.Options{
			MinReadyFraction:    0.9,
			StabilizationWindow: time.Millisecond,
			Timeout:             5 * time.Second,
		},
	}
	if tweak != nil {
		tweak(&cfg)
	}

	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func planFleet(t *testing.T, groups []string, perGroup, batchSize int, policy rollout.FailurePolicy) *rollout.Rollout {
	t.Helper()

	var targets []rollout.Target
	for _, g := range groups {
		for i := 0; i < perGroup; i++ {
			targets = append(targets, rollout.Target{
				ID:    fmt.Sprintf("%s-%02d", g, i),
				Group: rollout.GroupKey(g),
			})
		}
	}

	ro, err := planner.Plan(targets, planner.Config{
		MaxBatchSize: batchSize,
		Policy:       policy,
		Operation:    rollout.OperationSpec{Name: "kernel-patch"},
	})
	require.NoError(t, err)
	ro.ID = "ro-exec-test"
	return ro
}

func TestRunCompletesRollout(t *testing.T) {
	act := &fakeActuator{}
	mem := ledger.NewMemory()

	var notified int
	var notifyMu sync.Mutex
	notifier := rollout.NotifierFunc(func(rollout.PhaseRecord) {
		notifyMu.Lock()
		notified++
		notifyMu.Unlock()
	})

	e := newTestExecutor(t, act, mem, nil, func(c *Config) {
		c.Notifier = notifier
	})

	ro := planFleet(t, []string{"line-a", "line-b"}, 4, 2, rollout.PolicyBestEffort)
	ro.InterBatchDelay = time.Millisecond

	require.NoError(t, e.Run(t.Context(), ro, nil))

	assert.Equal(t, rollout.StateCompleted, ro.State())
	assert.Zero(t, ro.FailedBatches())
	for _, b := range ro.Batches {
		assert.Equal(t, rollout.BatchCompleted, b.State)
		require.NotNil(t, b.StartedAt)
		require.NotNil(t, b.EndedAt)
		for _, tgt := range b.Targets {
			assert.Equal(t, 1, act.count(&act.drains, tgt.ID))
			assert.Equal(t, 1, act.count(&act.applies, tgt.ID))
			assert.Equal(t, 1, act.count(&act.restores, tgt.ID))
			assert.NotNil(t, tgt.LastHealth)
		}
	}

	// start and end record per attempt, 4 phases per batch, 4 batches
	recs, err := mem.Records(t.Context(), ro.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 32)
	notifyMu.Lock()
	assert.Equal(t, 32, notified)
	notifyMu.Unlock()
}

func TestAbortOnFirstFailure(t *testing.T) {
	act := &fakeActuator{
		applyFn: func(t rollout.Target) error {
			if t.ID == "line-a-00" {
				return fmt.Errorf("patch refused: unsupported firmware")
			}
			return nil
		},
	}
	mem := ledger.NewMemory()
	e := newTestExecutor(t, act, mem, nil, nil)

	ro := planFleet(t, []string{"line-a"}, 6, 2, rollout.PolicyAbortOnFailure)

	err := e.Run(t.Context(), ro, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRolloutAborted))

	assert.Equal(t, rollout.StateAborted, ro.State())
	assert.Equal(t, rollout.BatchFailed, ro.Batches[0].State)
	assert.Contains(t, ro.Batches[0].FailureReason, "unsupported firmware")

	// once a batch fails, no subsequent batch ever leaves Pending
	for _, b := range ro.Batches[1:] {
		assert.Equal(t, rollout.BatchFailed, b.State)
		assert.Equal(t, "rollout aborted before batch started", b.FailureReason)
		for _, tgt := range b.Targets {
			assert.Zero(t, act.count(&act.drains, tgt.ID))
		}
	}

	recs, err := mem.Records(t.Context(), ro.ID)
	require.NoError(t, err)
	skipped := 0
	for _, rec := range recs {
		if rec.Outcome == rollout.OutcomeSkipped {
			skipped++
		}
	}
	assert.Equal(t, 2, skipped)
}

// TestBestEffortFleetScenario walks 4 production lines of 50 workstations
// each through a patch rollout where one workstation in line B's third batch
// refuses the patch permanently. Every other batch completes; the failed
// batch is compensated so none of its targets is left drained.
func TestBestEffortFleetScenario(t *testing.T) {
	act := &fakeActuator{
		applyFn: func(t rollout.Target) error {
			if t.ID == "b-20" {
				return fmt.Errorf("patch refused: unsupported firmware")
			}
			return nil
		},
	}
	mem := ledger.NewMemory()

	comp := func(ctx context.Context, b *rollout.Batch) error {
		for _, tgt := range b.Targets {
			if err := act.Restore(ctx, tgt); err != nil {
				return err
			}
		}
		return nil
	}
	e := newTestExecutor(t, act, mem, comp, nil)

	ro := planFleet(t, []string{"a", "b", "c", "d"}, 50, 10, rollout.PolicyBestEffort)
	require.Len(t, ro.Batches, 20)

	require.NoError(t, e.Run(t.Context(), ro, nil))

	assert.Equal(t, rollout.StateCompleted, ro.State())
	assert.Equal(t, 1, ro.FailedBatches())

	// line B's third batch is global index 7 (A owns 0-4, B owns 5-9)
	failed := ro.Batches[7]
	assert.Equal(t, rollout.GroupKey("b"), failed.Group)
	assert.Equal(t, rollout.BatchFailed, failed.State)
	for _, b := range ro.Batches {
		if b.Index == failed.Index {
			continue
		}
		assert.Equal(t, rollout.BatchCompleted, b.State, "batch %d", b.Index)
	}

	// compensation restored every target of the failed batch
	for _, tgt := range failed.Targets {
		assert.Equal(t, 1, act.count(&act.restores, tgt.ID), "target %s", tgt.ID)
	}

	recs, err := mem.Records(t.Context(), ro.ID)
	require.NoError(t, err)
	compensated := false
	for _, rec := range recs {
		if rec.BatchIndex == failed.Index &&
			rec.Phase == rollout.PhaseCompensate &&
			rec.Outcome == rollout.OutcomeSuccess {
			compensated = true
		}
	}
	assert.True(t, compensated, "ledger records the compensation")
}

func TestTransientFailureRetriedWithBackoff(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	act := &fakeActuator{
		applyFn: func(rollout.Target) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls <= 2 {
				return errors.New(errors.ErrCodeUnavailable, "node busy")
			}
			return nil
		},
	}
	mem := ledger.NewMemory()
	e := newTestExecutor(t, act, mem, nil, func(c *Config) {
		c.MaxAttempts = 3
	})

	ro := planFleet(t, []string{"line-a"}, 1, 1, rollout.PolicyBestEffort)

	require.NoError(t, e.Run(t.Context(), ro, nil))
	assert.Equal(t, rollout.StateCompleted, ro.State())
	assert.Equal(t, 3, act.count(&act.applies, "line-a-00"))
	assert.Equal(t, 2, ro.Batches[0].Targets[0].Retries)

	recs, err := mem.Records(t.Context(), ro.ID)
	require.NoError(t, err)
	var started, failures int
	for _, rec := range recs {
		if rec.Phase != rollout.PhaseOperate {
			continue
		}
		switch rec.Outcome {
		case rollout.OutcomeStarted:
			started++
		case rollout.OutcomeFailure:
			failures++
		}
	}
	assert.Equal(t, 3, started)
	assert.Equal(t, 2, failures)
}

func TestPermanentFailureNotRetried(t *testing.T) {
	act := &fakeActuator{
		applyFn: func(rollout.Target) error {
			return fmt.Errorf("target no longer exists")
		},
	}
	e := newTestExecutor(t, act, ledger.NewMemory(), nil, func(c *Config) {
		c.MaxAttempts = 3
	})

	ro := planFleet(t, []string{"line-a"}, 1, 1, rollout.PolicyBestEffort)

	// best-effort without a compensator skips the failed batch and completes
	require.NoError(t, e.Run(t.Context(), ro, nil))
	assert.Equal(t, rollout.StateCompleted, ro.State())
	assert.Equal(t, 1, ro.FailedBatches())
	assert.Equal(t, 1, act.count(&act.applies, "line-a-00"), "permanent failures are not retried")
	assert.Contains(t, ro.Batches[0].FailureReason, "no longer exists")
}

// TestPhaseTimeoutRetriedThenFailsBatch drives a Drain past the phase
// timeout. Each attempt must be recorded as TimedOut and retried; after
// exhaustion the batch is Failed, never Cancelled, and under best-effort
// the rollout still completes.
func TestPhaseTimeoutRetriedThenFailsBatch(t *testing.T) {
	act := &fakeActuator{drainStalls: true}
	mem := ledger.NewMemory()
	e := newTestExecutor(t, act, mem, nil, func(c *Config) {
		c.PhaseTimeout = 20 * time.Millisecond
		c.MaxAttempts = 2
	})

	ro := planFleet(t, []string{"line-a"}, 1, 1, rollout.PolicyBestEffort)

	require.NoError(t, e.Run(t.Context(), ro, nil))

	assert.Equal(t, rollout.StateCompleted, ro.State())
	assert.Equal(t, 1, ro.FailedBatches())
	assert.Equal(t, rollout.BatchFailed, ro.Batches[0].State)
	assert.Contains(t, ro.Batches[0].FailureReason, "phase timeout")
	assert.Equal(t, 1, ro.Batches[0].Targets[0].Retries)

	recs, err := mem.Records(t.Context(), ro.ID)
	require.NoError(t, err)
	var timedOut, cancelled int
	for _, rec := range recs {
		switch rec.Outcome {
		case rollout.OutcomeTimedOut:
			timedOut++
		case rollout.OutcomeCancelled:
			cancelled++
		}
	}
	assert.Equal(t, 2, timedOut, "every attempt past the timeout is recorded as TimedOut")
	assert.Zero(t, cancelled, "a timeout is never conflated with cancellation")
}

func TestCancellationMidDrain(t *testing.T) {
	act := &fakeActuator{drainStarted: make(chan struct{}, 1)}
	mem := ledger.NewMemory()
	e := newTestExecutor(t, act, mem, nil, nil)

	ro := planFleet(t, []string{"line-a"}, 4, 2, rollout.PolicyBestEffort)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx, ro, nil) }()

	<-act.drainStarted
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCancelled))

	assert.Equal(t, rollout.BatchCancelled, ro.Batches[0].State)
	assert.Equal(t, rollout.BatchPending, ro.Batches[1].State)

	// no Operate ever attempted, targets stay drained pending operator action
	assert.Empty(t, act.applies)
	assert.Empty(t, act.restores)

	recs, err := mem.Records(t.Context(), ro.ID)
	require.NoError(t, err)
	cancelled := false
	for _, rec := range recs {
		if rec.Phase == rollout.PhaseDrain && rec.Outcome == rollout.OutcomeCancelled {
			cancelled = true
		}
	}
	assert.True(t, cancelled, "cancellation is recorded as a distinct outcome")
}

func TestPauseForOperatorRetry(t *testing.T) {
	var mu sync.Mutex
	failedOnce := false
	act := &fakeActuator{
		applyFn: func(t rollout.Target) error {
			mu.Lock()
			defer mu.Unlock()
			if t.ID == "line-a-00" && !failedOnce {
				failedOnce = true
				return fmt.Errorf("patch refused")
			}
			return nil
		},
	}
	e := newTestExecutor(t, act, ledger.NewMemory(), nil, nil)

	ro := planFleet(t, []string{"line-a"}, 4, 2, rollout.PolicyPauseForOperator)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(t.Context(), ro, nil) }()

	require.Eventually(t, e.Control().Paused, 5*time.Second, time.Millisecond)
	assert.Equal(t, rollout.StatePaused, ro.State())

	require.NoError(t, e.Control().Resume(ResumeRetry))
	require.NoError(t, <-errCh)

	assert.Equal(t, rollout.StateCompleted, ro.State())
	assert.Zero(t, ro.FailedBatches())
	for _, b := range ro.Batches {
		assert.Equal(t, rollout.BatchCompleted, b.State)
	}
	assert.Equal(t, 2, act.count(&act.applies, "line-a-00"))
}

func TestPauseForOperatorSkip(t *testing.T) {
	act := &fakeActuator{
		applyFn: func(t rollout.Target) error {
			if t.ID == "line-a-00" {
				return fmt.Errorf("patch refused")
			}
			return nil
		},
	}
	e := newTestExecutor(t, act, ledger.NewMemory(), nil, nil)

	ro := planFleet(t, []string{"line-a"}, 4, 2, rollout.PolicyPauseForOperator)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(t.Context(), ro, nil) }()

	require.Eventually(t, e.Control().Paused, 5*time.Second, time.Millisecond)
	require.NoError(t, e.Control().Resume(ResumeSkip))
	require.NoError(t, <-errCh)

	assert.Equal(t, rollout.StateCompleted, ro.State())
	assert.Equal(t, rollout.BatchFailed, ro.Batches[0].State)
	assert.Equal(t, rollout.BatchCompleted, ro.Batches[1].State)
}

func TestResumeRejectedWhenNotPaused(t *testing.T) {
	ctl := NewControl()
	err := ctl.Resume(ResumeRetry)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidRequest))

	err = ctl.Resume(ResumeDecision("redo"))
	require.Error(t, err)
}

func TestDeadlineForcesPause(t *testing.T) {
	act := &fakeActuator{}
	e := newTestExecutor(t, act, ledger.NewMemory(), nil, nil)

	ro := planFleet(t, []string{"line-a"}, 2, 2, rollout.PolicyBestEffort)
	ro.Deadline = time.Now().Add(-time.Minute)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(t.Context(), ro, nil) }()

	require.Eventually(t, e.Control().Paused, 5*time.Second, time.Millisecond)
	assert.Equal(t, rollout.StatePaused, ro.State(), "deadline pauses, never silently aborts")
	assert.Empty(t, act.drains, "paused before the first phase started")

	require.NoError(t, e.Control().Resume(ResumeRetry))
	require.NoError(t, <-errCh)
	assert.Equal(t, rollout.StateCompleted, ro.State())
}

func TestResumeSkipsCompletedPhases(t *testing.T) {
	act := &fakeActuator{}
	e := newTestExecutor(t, act, ledger.NewMemory(), nil, nil)

	ro := planFleet(t, []string{"line-a"}, 2, 2, rollout.PolicyBestEffort)
	prog := &ledger.Progress{Done: map[int]map[rollout.Phase]bool{
		0: {rollout.PhaseDrain: true, rollout.PhaseOperate: true},
	}}

	require.NoError(t, e.Run(t.Context(), ro, prog))

	assert.Equal(t, rollout.StateCompleted, ro.State())
	assert.Empty(t, act.drains, "completed phases are not re-run")
	assert.Empty(t, act.applies)
	assert.Len(t, act.restores, 2)
}
