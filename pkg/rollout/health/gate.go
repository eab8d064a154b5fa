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

// Package health implements the readiness gate consulted between rollout
// phases.
//
// The gate polls the readiness prober at a fixed interval until the batch's
// readiness ratio holds above the threshold for a full stabilization window.
// Readiness that regresses after first reaching the threshold (flapping)
// resets the window instead of failing immediately, up to a bounded number
// of resets. The gate replaces the unbounded `while ready < total; sleep`
// loops of the legacy maintenance scripts with a terminating, testable
// contract.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/NVIDIA/takt/pkg/defaults"
	"github.com/NVIDIA/takt/pkg/errors"
	"github.com/NVIDIA/takt/pkg/rollout"
)

// Options configures one gate evaluation.
type Options struct {
	// MinReadyFraction is the readiness ratio that must be sustained,
	// in (0,1]. Defaults to defaults.HealthMinReadyFraction.
	MinReadyFraction float64
	// StabilizationWindow is how long readiness must hold above the
	// threshold uninterrupted.
	StabilizationWindow time.Duration
	// Timeout bounds the whole evaluation.
	Timeout time.Duration
}

func (o *Options) setDefaults() error {
	if o.MinReadyFraction == 0 {
		o.MinReadyFraction = defaults.HealthMinReadyFraction
	}
	if o.MinReadyFraction <= 0 || o.MinReadyFraction > 1 {
		return errors.Newf(errors.ErrCodeInvalidRequest,
			"minReadyFraction must be in (0,1], got %v", o.MinReadyFraction)
	}
	if o.StabilizationWindow <= 0 {
		o.StabilizationWindow = defaults.HealthStabilizationWindow
	}
	if o.Timeout <= 0 {
		o.Timeout = defaults.HealthEvaluateTimeout
	}
	return nil
}

// Gate polls an external readiness prober and decides pass/fail for a set of
// targets. It is read-only: no mutation of cluster state.
type Gate struct {
	prober    rollout.Prober
	interval  time.Duration
	maxResets int
}

// New creates a gate over the given prober. Zero values for interval and
// maxResets take the package defaults (10s, 3).
func New(prober rollout.Prober, interval time.Duration, maxResets int) *Gate {
	if interval <= 0 {
		interval = defaults.HealthPollInterval
	}
	if maxResets <= 0 {
		maxResets = defaults.HealthMaxResets
	}
	return &Gate{prober: prober, interval: interval, maxResets: maxResets}
}

// Evaluate polls readiness for the targets until the ratio holds at or above
// MinReadyFraction for the full stabilization window, the reset budget is
// exhausted, or the timeout elapses. The returned snapshot is the last
// aggregate sample; Degraded is set when readiness flapped during the
// evaluation. Failure surfaces as a HEALTH_TIMEOUT structured error.
func (g *Gate) Evaluate(ctx context.Context, targets []rollout.Target, opts Options) (rollout.HealthSnapshot, error) {
	if err := opts.setDefaults(); err != nil {
		return rollout.HealthSnapshot{}, err
	}

	var (
		last       rollout.HealthSnapshot
		aboveSince time.Time
		resets     int
		flapped    bool
	)

	cond := func(ctx context.Context) (bool, error) {
		last = g.sample(ctx, targets)
		last.Degraded = flapped
		now := last.SampledAt

		if last.Ratio() >= opts.MinReadyFraction {
			if aboveSince.IsZero() {
				aboveSince = now
			}
			if now.Sub(aboveSince) >= opts.StabilizationWindow {
				return true, nil
			}
			return false, nil
		}

		// Regression after first reaching the threshold resets the
		// stabilization timer rather than failing immediately.
		if !aboveSince.IsZero() {
			resets++
			flapped = true
			last.Degraded = true
			aboveSince = time.Time{}

			slog.Warn("readiness regressed, resetting stabilization window",
				"ready", last.Ready,
				"total", last.Total,
				"resets", resets,
				"maxResets", g.maxResets)

			if resets > g.maxResets {
				return false, errors.NewWithContext(errors.ErrCodeHealthTimeout,
					"readiness flapped past the reset budget",
					map[string]any{"resets": resets, "maxResets": g.maxResets})
			}
		}
		return false, nil
	}

	if err := wait.PollUntilContextTimeout(ctx, g.interval, opts.Timeout, true, cond); err != nil {
		if errors.IsCode(err, errors.ErrCodeHealthTimeout) {
			return last, err
		}
		if ctx.Err() == context.Canceled && wait.Interrupted(err) {
			// parent cancellation, not a gate verdict; a deadline expiry on
			// the phase context falls through as a timeout instead
			return last, errors.Wrap(errors.ErrCodeCancelled, "health evaluation cancelled", ctx.Err())
		}
		return last, errors.Wrap(errors.ErrCodeHealthTimeout,
			fmt.Sprintf("readiness did not stabilize within %s", opts.Timeout), err)
	}

	return last, nil
}

// sample aggregates one readiness snapshot across all targets. A probe error
// counts its target as fully not ready; readiness has to be positively
// observed.
func (g *Gate) sample(ctx context.Context, targets []rollout.Target) rollout.HealthSnapshot {
	agg := rollout.HealthSnapshot{SampledAt: time.Now().UTC()}

	for _, t := range targets {
		hs, err := g.prober.Readiness(ctx, t)
		if err != nil {
			slog.Warn("readiness probe failed", "target", t.ID, "error", err)
			agg.Total++
			continue
		}
		if hs.Total == 0 {
			// nothing scheduled on the target yet counts as one unready unit
			hs.Total = 1
		}
		agg = agg.Merge(hs)
	}

	agg.SampledAt = time.Now().UTC()
	return agg
}
