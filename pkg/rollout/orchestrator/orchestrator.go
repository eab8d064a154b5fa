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

// Package orchestrator is the command surface over planned rollouts: start,
// pause, resume, status, cancel, and crash recovery from the ledger.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NVIDIA/takt/pkg/errors"
	"github.com/NVIDIA/takt/pkg/rollout"
	"github.com/NVIDIA/takt/pkg/rollout/executor"
	"github.com/NVIDIA/takt/pkg/rollout/ledger"
	"github.com/NVIDIA/takt/pkg/rollout/planner"
)

// Config assembles the orchestrator.
type Config struct {
	// Executor is the collaborator template used for every rollout. Its
	// Control field is replaced per rollout; everything else is shared.
	Executor executor.Config
	// Window, when set, rejects rollouts started outside the maintenance
	// window unless forced.
	Window *Window
}

// Orchestrator owns the live rollout registry. One instance per process.
type Orchestrator struct {
	cfg Config

	mu       sync.RWMutex
	rollouts map[string]*managed
}

// managed pairs a rollout with its execution handles. A rollout recovered in
// a terminal state has no executor and no cancel.
type managed struct {
	ro     *rollout.Rollout
	exec   *executor.Executor
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (m *managed) runErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// New creates an orchestrator, validating the executor template eagerly so
// a misconfiguration fails at startup rather than on the first rollout.
func New(cfg Config) (*Orchestrator, error) {
	probe := cfg.Executor
	probe.Control = executor.NewControl()
	if _, err := executor.New(probe); err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:      cfg,
		rollouts: make(map[string]*managed),
	}, nil
}

// StartOptions modifies StartRollout behavior.
type StartOptions struct {
	// Force bypasses the maintenance window guard.
	Force bool
}

// Start plans a rollout and begins executing it, returning its identifier.
// Planning failures surface before any side effect.
func (o *Orchestrator) Start(ctx context.Context, targets []rollout.Target, plan planner.Config, opts StartOptions) (string, error) {
	if o.cfg.Window != nil && !opts.Force {
		if now := time.Now(); !o.cfg.Window.Contains(now) {
			return "", errors.Newf(errors.ErrCodeInvalidRequest,
				"outside maintenance window %s, use force to override", o.cfg.Window)
		}
	}

	ro, err := planner.Plan(targets, plan)
	if err != nil {
		return "", err
	}
	ro.ID = uuid.NewString()

	if err := o.launch(ro, nil); err != nil {
		return "", err
	}
	return ro.ID, nil
}

// Recover re-plans an interrupted rollout from its original inputs, replays
// its ledger records, and resumes execution without re-running completed
// phases. Recovery of a rollout that replayed to a terminal state registers
// it read-only for status queries.
func (o *Orchestrator) Recover(ctx context.Context, rolloutID string, targets []rollout.Target, plan planner.Config) error {
	o.mu.RLock()
	_, exists := o.rollouts[rolloutID]
	o.mu.RUnlock()
	if exists {
		return errors.Newf(errors.ErrCodeInvalidRequest, "rollout %s is already managed", rolloutID)
	}

	recs, err := o.cfg.Executor.Ledger.Records(ctx, rolloutID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return errors.Newf(errors.ErrCodeNotFound, "no ledger records for rollout %s", rolloutID)
	}

	ro, err := planner.Plan(targets, plan)
	if err != nil {
		return err
	}
	ro.ID = rolloutID
	prog := ledger.Replay(ro, recs)

	if ro.State().Terminal() {
		done := make(chan struct{})
		close(done)
		o.mu.Lock()
		o.rollouts[rolloutID] = &managed{ro: ro, done: done}
		o.mu.Unlock()
		slog.Info("recovered finished rollout", "rollout", rolloutID, "state", ro.State())
		return nil
	}

	slog.Info("resuming interrupted rollout",
		"rollout", rolloutID,
		"state", ro.State(),
		"records", len(recs))
	return o.launch(ro, prog)
}

// launch registers the rollout and runs it on its own goroutine.
func (o *Orchestrator) launch(ro *rollout.Rollout, prog *ledger.Progress) error {
	ecfg := o.cfg.Executor
	ecfg.Control = executor.NewControl()
	exec, err := executor.New(ecfg)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m := &managed{ro: ro, exec: exec, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.rollouts[ro.ID] = m
	o.mu.Unlock()

	go func() {
		defer close(m.done)
		defer cancel()
		if err := exec.Run(runCtx, ro, prog); err != nil {
			m.mu.Lock()
			m.err = err
			m.mu.Unlock()
			slog.Error("rollout finished with error", "rollout", ro.ID, "error", err)
		}
	}()
	return nil
}

// Pause suspends a running rollout at its next suspension point.
func (o *Orchestrator) Pause(rolloutID string) error {
	m, err := o.get(rolloutID)
	if err != nil {
		return err
	}
	if m.exec == nil || m.ro.State().Terminal() {
		return errors.Newf(errors.ErrCodeInvalidRequest,
			"rollout %s is %s and cannot be paused", rolloutID, m.ro.State())
	}

	m.ro.SetState(rollout.StatePaused)
	m.exec.Control().Pause()
	slog.Info("rollout pause requested", "rollout", rolloutID)
	return nil
}

// Resume lifts a pause. The decision is consumed by a batch waiting for an
// operator verdict, if any; a rollout paused between batches just continues.
func (o *Orchestrator) Resume(rolloutID string, decision executor.ResumeDecision) error {
	m, err := o.get(rolloutID)
	if err != nil {
		return err
	}
	if m.exec == nil {
		return errors.Newf(errors.ErrCodeInvalidRequest,
			"rollout %s is %s and cannot be resumed", rolloutID, m.ro.State())
	}

	if err := m.exec.Control().Resume(decision); err != nil {
		return err
	}
	slog.Info("rollout resumed", "rollout", rolloutID, "decision", decision)
	return nil
}

// Cancel stops a rollout. In-flight phase attempts terminate at their next
// safe checkpoint with a Cancelled record; targets are not auto-restored.
func (o *Orchestrator) Cancel(rolloutID string) error {
	m, err := o.get(rolloutID)
	if err != nil {
		return err
	}
	if m.cancel == nil {
		return errors.Newf(errors.ErrCodeInvalidRequest,
			"rollout %s is %s and cannot be cancelled", rolloutID, m.ro.State())
	}

	m.cancel()
	slog.Info("rollout cancellation requested", "rollout", rolloutID)
	return nil
}

// Status returns a fully-formed view of the rollout, never partial state.
func (o *Orchestrator) Status(rolloutID string) (*rollout.View, error) {
	m, err := o.get(rolloutID)
	if err != nil {
		return nil, err
	}
	return m.ro.Snapshot(), nil
}

// List returns views of every managed rollout, newest first by creation time.
func (o *Orchestrator) List() []*rollout.View {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*rollout.View, 0, len(o.rollouts))
	for _, m := range o.rollouts {
		out = append(out, m.ro.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until the rollout's run loop returns, then reports its error.
func (o *Orchestrator) Wait(ctx context.Context, rolloutID string) error {
	m, err := o.get(rolloutID)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return errors.Wrap(errors.ErrCodeCancelled, "wait cancelled", ctx.Err())
	case <-m.done:
		return m.runErr()
	}
}

func (o *Orchestrator) get(rolloutID string) (*managed, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	m, ok := o.rollouts[rolloutID]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "rollout %s not found", rolloutID)
	}
	return m, nil
}
