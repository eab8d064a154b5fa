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

// Package metrics exports Prometheus metrics for rollout execution and
// provides the notifier that feeds them from phase records.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/NVIDIA/takt/pkg/rollout"
)

var (
	phaseOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "takt_phase_outcomes_total",
			Help: "Phase attempt outcomes by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	phaseRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "takt_phase_retries_total",
			Help: "Total phase attempts beyond the first",
		},
	)

	batchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "takt_batch_duration_seconds",
			Help:    "Completed batch duration from first phase start to Restore success",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"group"},
	)

	batchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "takt_batches_in_flight",
			Help: "Batches currently executing a phase attempt",
		},
	)
)

type batchKey struct {
	rolloutID string
	batch     int
}

// Notifier feeds the rollout metrics from phase records. It implements
// rollout.Notifier and is safe for concurrent use.
type Notifier struct {
	mu         sync.Mutex
	active     map[batchKey]bool
	firstStart map[batchKey]time.Time
}

// NewNotifier creates the metrics notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		active:     make(map[batchKey]bool),
		firstStart: make(map[batchKey]time.Time),
	}
}

// Notify implements rollout.Notifier.
func (n *Notifier) Notify(rec rollout.PhaseRecord) {
	phaseOutcomes.WithLabelValues(string(rec.Phase), string(rec.Outcome)).Inc()
	if rec.Outcome == rollout.OutcomeStarted && rec.Attempt > 1 {
		phaseRetries.Inc()
	}

	key := batchKey{rolloutID: rec.RolloutID, batch: rec.BatchIndex}

	n.mu.Lock()
	defer n.mu.Unlock()

	switch rec.Outcome {
	case rollout.OutcomeStarted:
		if !n.active[key] {
			n.active[key] = true
			batchesInFlight.Inc()
		}
		if _, ok := n.firstStart[key]; !ok {
			n.firstStart[key] = rec.Time
		}

	case rollout.OutcomeSuccess:
		if rec.Phase != rollout.PhaseRestore {
			return
		}
		n.settle(key)
		if start, ok := n.firstStart[key]; ok {
			batchDuration.WithLabelValues(string(rec.Group)).Observe(rec.Time.Sub(start).Seconds())
			delete(n.firstStart, key)
		}

	case rollout.OutcomeFailure, rollout.OutcomeTimedOut,
		rollout.OutcomeCancelled, rollout.OutcomeSkipped:
		// a retried phase re-enters through its next Started record
		n.settle(key)
	}
}

// settle marks the batch as no longer executing an attempt.
// Callers hold the lock.
func (n *Notifier) settle(key batchKey) {
	if n.active[key] {
		delete(n.active, key)
		batchesInFlight.Dec()
	}
}
