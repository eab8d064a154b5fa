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

// Package executor drives a planned rollout through the batch lifecycle.
//
// Each group runs its batches strictly in sequence index order; groups run in
// parallel up to the rollout's concurrency limit. Every phase attempt is
// bounded by a timeout, retried with exponential backoff on transient
// failures, and bracketed by ledger records so an interrupted rollout can be
// replayed and resumed without re-running completed phases.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/takt/pkg/defaults"
	"github.com/NVIDIA/takt/pkg/errors"
	"github.com/NVIDIA/takt/pkg/rollout"
	"github.com/NVIDIA/takt/pkg/rollout/health"
	"github.com/NVIDIA/takt/pkg/rollout/ledger"
	"github.com/NVIDIA/takt/pkg/rollout/rollback"
)

// Config assembles the executor's collaborators and retry policy.
type Config struct {
	// Actuator performs the infrastructure operations. Required.
	Actuator rollout.Actuator
	// Gate is consulted after Operate and Restore and during Verify. Required.
	Gate *health.Gate
	// Controller decides what happens after a batch fails. Required.
	Controller *rollback.Controller
	// Ledger receives a record for every phase transition. Required.
	Ledger ledger.Ledger

	// Notifier is the optional fire-and-forget observability sink.
	Notifier rollout.Notifier
	// Control is the pause/resume coordination point. Created when nil.
	Control *Control
	// Verify is the optional custom verification hook for the Verify phase.
	Verify rollout.VerifyFunc

	// PhaseTimeout bounds each phase attempt. Defaults to defaults.PhaseTimeout.
	PhaseTimeout time.Duration
	// MaxAttempts bounds attempts per phase. Defaults to defaults.PhaseMaxAttempts.
	MaxAttempts int
	// RetryBaseDelay is the first backoff delay, doubled per attempt.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration
	// GateOptions configures each health gate evaluation.
	GateOptions health.Options
}

func (c *Config) setDefaults() error {
	if c.Actuator == nil || c.Gate == nil || c.Controller == nil || c.Ledger == nil {
		return errors.New(errors.ErrCodeInvalidRequest,
			"executor requires an actuator, gate, controller, and ledger")
	}
	if c.Control == nil {
		c.Control = NewControl()
	}
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = defaults.PhaseTimeout
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = defaults.PhaseMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaults.RetryMaxDelay
	}
	return nil
}

// Executor runs rollouts. Safe to reuse across rollouts sequentially; each
// Run call owns its rollout exclusively until it returns.
type Executor struct {
	cfg Config
}

// New creates an executor from the config.
func New(cfg Config) (*Executor, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	return &Executor{cfg: cfg}, nil
}

// Control returns the pause/resume coordination point for this executor.
func (e *Executor) Control() *Control {
	return e.cfg.Control
}

// run is the per-Run state shared by the group runners.
type run struct {
	*Executor
	ro     *rollout.Rollout
	prog   *ledger.Progress
	cancel context.CancelFunc

	abortOnce      sync.Once
	aborted        atomic.Bool
	abortErr       error
	deadlinePaused atomic.Bool
}

// Run executes the rollout to a terminal state, or until cancellation.
// A non-nil progress (from ledger replay) makes Run skip already-completed
// phases, which is how an interrupted rollout resumes.
//
// Run returns nil when the rollout completes, including completed-with-failures
// under the best-effort policy. An abort surfaces as ROLLOUT_ABORTED and
// cancellation as CANCELLED.
func (e *Executor) Run(ctx context.Context, ro *rollout.Rollout, prog *ledger.Progress) error {
	if ro.State().Terminal() {
		return errors.Newf(errors.ErrCodeInvalidRequest,
			"rollout %s is already %s", ro.ID, ro.State())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{Executor: e, ro: ro, prog: prog, cancel: cancel}
	ro.SetState(rollout.StateRunning)
	slog.Info("rollout running",
		"rollout", ro.ID,
		"batches", len(ro.Batches),
		"groups", len(ro.GroupOrder),
		"policy", ro.Policy)

	limit := ro.MaxConcurrentBatches
	if limit < 1 {
		limit = 1
	}

	byGroup := ro.BatchesByGroup()
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for _, key := range ro.GroupOrder {
		batches := byGroup[key]
		g.Go(func() error {
			return r.runGroup(runCtx, batches)
		})
	}
	err := g.Wait()

	switch {
	case r.aborted.Load():
		return r.abortErr
	case err != nil && errors.IsCode(err, errors.ErrCodeCancelled):
		ro.SetState(rollout.StateAborted)
		return err
	case err != nil:
		return err
	default:
		ro.SetState(rollout.StateCompleted)
		if n := ro.FailedBatches(); n > 0 {
			slog.Warn("rollout completed with failures", "rollout", ro.ID, "failedBatches", n)
		} else {
			slog.Info("rollout completed", "rollout", ro.ID)
		}
		return nil
	}
}

// runGroup drives one group's batches strictly in sequence index order.
func (r *run) runGroup(ctx context.Context, batches []*rollout.Batch) error {
	for i := 0; i < len(batches); i++ {
		b := batches[i]
		if r.ro.BatchState(b).Terminal() {
			// already done on a previous run, or marked by an abort
			continue
		}
		if r.aborted.Load() {
			return nil
		}

		failedPhase, err := r.runBatch(ctx, b)
		if err != nil && errors.IsCode(err, errors.ErrCodeCancelled) {
			return err
		}
		if err != nil {
			retry, ferr := r.afterFailure(ctx, b, failedPhase)
			if ferr != nil {
				return ferr
			}
			if retry {
				i--
				continue
			}
		}

		if r.ro.InterBatchDelay > 0 && i < len(batches)-1 {
			if err := r.sleep(ctx, r.ro.InterBatchDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// runBatch drives one batch through the phase lifecycle. On failure it
// returns the phase that failed; the batch is already marked.
func (r *run) runBatch(ctx context.Context, b *rollout.Batch) (rollout.Phase, error) {
	slog.Info("batch starting",
		"rollout", r.ro.ID,
		"batch", b.Index,
		"group", b.Group,
		"targets", len(b.Targets))

	for _, p := range rollout.Phases {
		if r.prog.PhaseDone(b.Index, p) {
			continue
		}
		if err := r.checkpoint(ctx); err != nil {
			if r.ro.BatchState(b) != rollout.BatchPending {
				r.record(ctx, b, p, rollout.OutcomeCancelled, 0, "cancelled before phase start")
				r.ro.SetBatchState(b, rollout.BatchCancelled)
			}
			return p, err
		}
		if err := r.runPhase(ctx, b, p); err != nil {
			return p, err
		}
	}

	r.ro.SetBatchState(b, rollout.BatchCompleted)
	slog.Info("batch completed", "rollout", r.ro.ID, "batch", b.Index, "group", b.Group)
	return "", nil
}

// runPhase executes one phase with per-attempt timeout and backoff. Only
// transient-classified failures and timeouts are retried.
func (r *run) runPhase(ctx context.Context, b *rollout.Batch, p rollout.Phase) error {
	r.ro.SetBatchState(b, p.StateFor())

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		r.record(ctx, b, p, rollout.OutcomeStarted, attempt, "")

		phaseCtx, cancelPhase := context.WithTimeout(ctx, r.cfg.PhaseTimeout)
		err := r.invoke(phaseCtx, b, p)
		timedOut := phaseCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancelPhase()

		switch {
		case err == nil:
			r.record(ctx, b, p, rollout.OutcomeSuccess, attempt, "")
			return nil

		// The timeout check comes first: collaborators observe the expired
		// phase context as an interrupt and may classify it as a
		// cancellation, but only the parent context decides cancellation.
		case timedOut:
			lastErr = errors.Wrap(errors.ErrCodeTimeout,
				fmt.Sprintf("%s exceeded the %s phase timeout", p, r.cfg.PhaseTimeout), err)
			r.record(ctx, b, p, rollout.OutcomeTimedOut, attempt, err.Error())

		case ctx.Err() != nil:
			r.record(ctx, b, p, rollout.OutcomeCancelled, attempt, err.Error())
			r.ro.SetBatchState(b, rollout.BatchCancelled)
			return errors.Wrap(errors.ErrCodeCancelled,
				fmt.Sprintf("batch %d cancelled during %s", b.Index, p), err)

		case errors.IsTransient(err):
			lastErr = err
			r.record(ctx, b, p, rollout.OutcomeFailure, attempt, err.Error())

		default:
			r.record(ctx, b, p, rollout.OutcomeFailure, attempt, err.Error())
			r.ro.SetBatchFailure(b, err.Error())
			slog.Error("phase failed permanently",
				"rollout", r.ro.ID, "batch", b.Index, "phase", p, "error", err)
			return err
		}

		if attempt < r.cfg.MaxAttempts {
			r.ro.BumpBatchRetries(b)
			slog.Warn("phase attempt failed, retrying",
				"rollout", r.ro.ID,
				"batch", b.Index,
				"phase", p,
				"attempt", attempt,
				"error", lastErr)
			if err := r.sleep(ctx, r.backoffDelay(attempt)); err != nil {
				r.record(ctx, b, p, rollout.OutcomeCancelled, attempt, "cancelled during retry backoff")
				r.ro.SetBatchState(b, rollout.BatchCancelled)
				return err
			}
		}
	}

	r.ro.SetBatchFailure(b, lastErr.Error())
	slog.Error("phase retries exhausted",
		"rollout", r.ro.ID,
		"batch", b.Index,
		"phase", p,
		"attempts", r.cfg.MaxAttempts,
		"error", lastErr)
	return lastErr
}

// invoke performs one phase attempt. Operate and Restore must additionally
// clear the health gate; Verify is the gate plus the optional custom hook.
// Drain has no gate, its targets are intentionally out of service after it.
func (r *run) invoke(ctx context.Context, b *rollout.Batch, p rollout.Phase) error {
	switch p {
	case rollout.PhaseDrain:
		for _, t := range b.Targets {
			if err := r.cfg.Actuator.Drain(ctx, t); err != nil {
				return fmt.Errorf("drain %s: %w", t.ID, err)
			}
		}
		return nil

	case rollout.PhaseOperate:
		for _, t := range b.Targets {
			if err := r.cfg.Actuator.Apply(ctx, t, r.ro.Operation); err != nil {
				return fmt.Errorf("apply %q to %s: %w", r.ro.Operation.Name, t.ID, err)
			}
		}
		return r.gateCheck(ctx, b)

	case rollout.PhaseVerify:
		if err := r.gateCheck(ctx, b); err != nil {
			return err
		}
		if r.cfg.Verify != nil {
			if err := r.cfg.Verify(ctx, b); err != nil {
				return fmt.Errorf("verification hook: %w", err)
			}
		}
		return nil

	case rollout.PhaseRestore:
		for _, t := range b.Targets {
			if err := r.cfg.Actuator.Restore(ctx, t); err != nil {
				return fmt.Errorf("restore %s: %w", t.ID, err)
			}
		}
		return r.gateCheck(ctx, b)

	default:
		return errors.Newf(errors.ErrCodeInternal, "unknown phase %q", p)
	}
}

// gateCheck evaluates the health gate over the batch and records the
// aggregate snapshot on its targets.
func (r *run) gateCheck(ctx context.Context, b *rollout.Batch) error {
	snap, err := r.cfg.Gate.Evaluate(ctx, b.Targets, r.cfg.GateOptions)
	r.ro.SetBatchHealth(b, snap)
	return err
}

// afterFailure applies the rollback controller's verdict for a failed batch.
// The returned bool asks the group runner to re-run the same batch.
func (r *run) afterFailure(ctx context.Context, b *rollout.Batch, failedPhase rollout.Phase) (bool, error) {
	action := r.cfg.Controller.Decide(r.ro.Policy, b, failedPhase)
	slog.Info("rollback decision",
		"rollout", r.ro.ID,
		"batch", b.Index,
		"failedPhase", failedPhase,
		"policy", r.ro.Policy,
		"action", action)

	switch action {
	case rollback.ActionAbort:
		r.doAbort(ctx, b, failedPhase)
		return false, r.abortErr

	case rollback.ActionCompensateThenContinue:
		r.compensate(ctx, b, failedPhase)
		return false, nil

	case rollback.ActionPauseForOperator:
		r.ro.SetState(rollout.StatePaused)
		r.cfg.Control.Pause()
		slog.Warn("rollout paused, awaiting operator decision",
			"rollout", r.ro.ID, "batch", b.Index)

		d, err := r.cfg.Control.awaitDecision(ctx)
		if err != nil {
			return false, err
		}
		r.ro.SetState(rollout.StateRunning)
		if d == ResumeRetry {
			r.ro.SetBatchState(b, rollout.BatchPending)
			return true, nil
		}
		return false, nil

	default: // SkipAndContinue
		return false, nil
	}
}

// compensate runs the registered compensation for a failed batch, recording
// it as a phase of its own. A compensated Restore failure leaves the batch
// RolledBack; any other compensated failure leaves it Failed.
func (r *run) compensate(ctx context.Context, b *rollout.Batch, failedPhase rollout.Phase) {
	r.record(ctx, b, rollout.PhaseCompensate, rollout.OutcomeStarted, 1, "")

	cctx, cancel := context.WithTimeout(ctx, r.cfg.PhaseTimeout)
	defer cancel()

	if err := r.cfg.Controller.Compensate(cctx, b); err != nil {
		r.record(ctx, b, rollout.PhaseCompensate, rollout.OutcomeFailure, 1, err.Error())
		slog.Error("compensation failed, targets may be left drained",
			"rollout", r.ro.ID, "batch", b.Index, "error", err)
		return
	}

	r.record(ctx, b, rollout.PhaseCompensate, rollout.OutcomeSuccess, 1, "")
	if failedPhase == rollout.PhaseRestore {
		r.ro.SetBatchState(b, rollout.BatchRolledBack)
	}
}

// doAbort terminates the rollout: pending batches are marked failed without
// an attempt and in-flight batches of other groups are cancelled.
func (r *run) doAbort(ctx context.Context, failed *rollout.Batch, failedPhase rollout.Phase) {
	r.abortOnce.Do(func() {
		r.abortErr = errors.Newf(errors.ErrCodeRolloutAborted,
			"rollout %s aborted: batch %d failed in %s", r.ro.ID, failed.Index, failedPhase)
		r.aborted.Store(true)
		r.ro.SetState(rollout.StateAborted)
		slog.Error("aborting rollout",
			"rollout", r.ro.ID,
			"batch", failed.Index,
			"failedPhase", failedPhase)

		const diag = "rollout aborted before batch started"
		for _, pb := range r.ro.Batches {
			if r.ro.BatchState(pb) != rollout.BatchPending {
				continue
			}
			r.record(ctx, pb, rollout.PhaseDrain, rollout.OutcomeSkipped, 0, diag)
			r.ro.SetBatchFailure(pb, diag)
		}
		r.cancel()
	})
}

// checkpoint is the suspension point between phases: it honors cancellation,
// blocks while the rollout is paused, and enforces the overall deadline by
// forcing a one-time pause rather than aborting.
func (r *run) checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return errors.Wrap(errors.ErrCodeCancelled, "rollout cancelled", ctx.Err())
	}
	if err := r.cfg.Control.waitWhilePaused(ctx); err != nil {
		return err
	}

	if !r.ro.Deadline.IsZero() && time.Now().After(r.ro.Deadline) &&
		r.deadlinePaused.CompareAndSwap(false, true) {
		slog.Warn("rollout deadline passed, pausing for operator",
			"rollout", r.ro.ID, "deadline", r.ro.Deadline)
		r.ro.SetState(rollout.StatePaused)
		r.cfg.Control.Pause()
	}
	if err := r.cfg.Control.waitWhilePaused(ctx); err != nil {
		return err
	}
	if r.ro.State() == rollout.StatePaused {
		r.ro.SetState(rollout.StateRunning)
	}
	return nil
}

// record appends a phase record to the ledger and fans it out to the
// notifier. The ledger append survives cancellation so terminal outcomes are
// still durably recorded; notifier failures never fail the phase.
func (r *run) record(ctx context.Context, b *rollout.Batch, p rollout.Phase, outcome rollout.Outcome, attempt int, diag string) {
	rec := rollout.PhaseRecord{
		RolloutID:  r.ro.ID,
		BatchIndex: b.Index,
		Group:      b.Group,
		Phase:      p,
		Outcome:    outcome,
		Attempt:    attempt,
		Diagnostic: diag,
		Time:       time.Now().UTC(),
	}

	if err := r.cfg.Ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
		slog.Error("ledger append failed",
			"rollout", r.ro.ID, "batch", b.Index, "phase", p, "error", err)
	}

	if r.cfg.Notifier != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("notifier panicked", "panic", p)
				}
			}()
			r.cfg.Notifier.Notify(rec)
		}()
	}
}

// backoffDelay is the exponential backoff for the attempt just failed:
// base, 2x base, 4x base, capped at RetryMaxDelay.
func (r *run) backoffDelay(attempt int) time.Duration {
	d := r.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.RetryMaxDelay {
			return r.cfg.RetryMaxDelay
		}
	}
	return d
}

// sleep waits the given duration or until cancellation.
func (r *run) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(errors.ErrCodeCancelled, "rollout cancelled", ctx.Err())
	case <-t.C:
		return nil
	}
}
