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

package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/takt/pkg/errors"
	"github.com/NVIDIA/takt/pkg/rollout"
)

// scriptedProber replays a fixed sequence of snapshots, repeating the last
// one once the script is exhausted.
type scriptedProber struct {
	mu    sync.Mutex
	steps []rollout.HealthSnapshot
	calls int
}

func (p *scriptedProber) Readiness(_ context.Context, _ rollout.Target) (rollout.HealthSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := min(p.calls, len(p.steps)-1)
	p.calls++
	return p.steps[i], nil
}

func snap(ready, total int) rollout.HealthSnapshot {
	return rollout.HealthSnapshot{Ready: ready, Total: total}
}

func oneTarget() []rollout.Target {
	return []rollout.Target{{ID: "ws-01", Group: "line-a"}}
}

func TestEvaluatePassesOnSustainedReadiness(t *testing.T) {
	prober := &scriptedProber{steps: []rollout.HealthSnapshot{snap(95, 100)}}
	gate := New(prober, time.Millisecond, 3)

	hs, err := gate.Evaluate(t.Context(), oneTarget(), Options{
		MinReadyFraction:    0.9,
		StabilizationWindow: 20 * time.Millisecond,
		Timeout:             time.Second,
	})

	require.NoError(t, err)
	assert.False(t, hs.Degraded)
	assert.InDelta(t, 0.95, hs.Ratio(), 0.001)
}

func TestEvaluateFlapResetsWindowThenPasses(t *testing.T) {
	// readiness oscillates 0.95 -> 0.7 -> 0.95; the gate must reset the
	// window once and ultimately pass once 0.95 holds uninterrupted.
	prober := &scriptedProber{steps: []rollout.HealthSnapshot{
		snap(95, 100),
		snap(95, 100),
		snap(70, 100),
		snap(95, 100),
	}}
	gate := New(prober, 5*time.Millisecond, 3)

	hs, err := gate.Evaluate(t.Context(), oneTarget(), Options{
		MinReadyFraction:    0.9,
		StabilizationWindow: 40 * time.Millisecond,
		Timeout:             5 * time.Second,
	})

	require.NoError(t, err)
	assert.True(t, hs.Degraded, "flapping readiness must be marked degraded")
}

func TestEvaluateFailsAfterResetBudget(t *testing.T) {
	// alternate above/below the threshold on every sample
	var steps []rollout.HealthSnapshot
	for range 20 {
		steps = append(steps, snap(95, 100), snap(10, 100))
	}
	prober := &scriptedProber{steps: steps}
	gate := New(prober, time.Millisecond, 2)

	_, err := gate.Evaluate(t.Context(), oneTarget(), Options{
		MinReadyFraction:    0.9,
		StabilizationWindow: 500 * time.Millisecond,
		Timeout:             5 * time.Second,
	})

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeHealthTimeout), "got %v", err)
}

func TestEvaluateTimesOut(t *testing.T) {
	prober := &scriptedProber{steps: []rollout.HealthSnapshot{snap(50, 100)}}
	gate := New(prober, time.Millisecond, 3)

	hs, err := gate.Evaluate(t.Context(), oneTarget(), Options{
		MinReadyFraction:    0.9,
		StabilizationWindow: 10 * time.Millisecond,
		Timeout:             30 * time.Millisecond,
	})

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeHealthTimeout), "got %v", err)
	assert.InDelta(t, 0.5, hs.Ratio(), 0.001, "last snapshot should be returned")
}

func TestEvaluateCancellation(t *testing.T) {
	prober := &scriptedProber{steps: []rollout.HealthSnapshot{snap(0, 100)}}
	gate := New(prober, time.Millisecond, 3)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := gate.Evaluate(ctx, oneTarget(), Options{
		MinReadyFraction:    0.9,
		StabilizationWindow: time.Second,
		Timeout:             time.Minute,
	})

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCancelled),
		"cancellation must not be conflated with gate failure, got %v", err)
}

// TestEvaluateDeadlineIsTimeoutNotCancellation expires the caller's context
// deadline mid-evaluation. That is a timeout verdict for the phase budget,
// not a cancellation; only an explicit context cancel is CANCELLED.
func TestEvaluateDeadlineIsTimeoutNotCancellation(t *testing.T) {
	prober := &scriptedProber{steps: []rollout.HealthSnapshot{snap(0, 100)}}
	gate := New(prober, time.Millisecond, 3)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	_, err := gate.Evaluate(ctx, oneTarget(), Options{
		MinReadyFraction:    0.9,
		StabilizationWindow: time.Second,
		Timeout:             time.Minute,
	})

	require.Error(t, err)
	assert.False(t, errors.IsCode(err, errors.ErrCodeCancelled), "got %v", err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeHealthTimeout), "got %v", err)
}

func TestEvaluateRejectsBadFraction(t *testing.T) {
	gate := New(&scriptedProber{steps: []rollout.HealthSnapshot{snap(1, 1)}}, time.Millisecond, 3)

	for _, f := range []float64{-0.1, 1.5} {
		_, err := gate.Evaluate(t.Context(), oneTarget(), Options{MinReadyFraction: f})
		require.Error(t, err, "fraction %v", f)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidRequest))
	}
}

func TestEvaluateProbeErrorCountsAsUnready(t *testing.T) {
	gate := New(failingProber{}, time.Millisecond, 3)

	hs, err := gate.Evaluate(t.Context(), oneTarget(), Options{
		MinReadyFraction:    0.9,
		StabilizationWindow: 5 * time.Millisecond,
		Timeout:             25 * time.Millisecond,
	})

	require.Error(t, err)
	assert.Equal(t, 0, hs.Ready)
	assert.Equal(t, 1, hs.Total)
}

type failingProber struct{}

func (failingProber) Readiness(context.Context, rollout.Target) (rollout.HealthSnapshot, error) {
	return rollout.HealthSnapshot{}, errors.New(errors.ErrCodeUnavailable, "probe down")
}
