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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/takt/pkg/rollout"
)

func TestNotifierTracksBatchLifecycle(t *testing.T) {
	n := NewNotifier()
	base := time.Date(2025, 8, 20, 3, 0, 0, 0, time.UTC)

	rec := func(phase rollout.Phase, outcome rollout.Outcome, attempt int, at time.Time) rollout.PhaseRecord {
		return rollout.PhaseRecord{
			RolloutID:  "ro-m",
			BatchIndex: 0,
			Group:      "line-a",
			Phase:      phase,
			Outcome:    outcome,
			Attempt:    attempt,
			Time:       at,
		}
	}

	before := testutil.ToFloat64(batchesInFlight)

	n.Notify(rec(rollout.PhaseDrain, rollout.OutcomeStarted, 1, base))
	assert.Equal(t, before+1, testutil.ToFloat64(batchesInFlight))

	// a transient failure settles the gauge, the retry re-enters
	n.Notify(rec(rollout.PhaseDrain, rollout.OutcomeFailure, 1, base.Add(time.Second)))
	assert.Equal(t, before, testutil.ToFloat64(batchesInFlight))
	n.Notify(rec(rollout.PhaseDrain, rollout.OutcomeStarted, 2, base.Add(2*time.Second)))
	assert.Equal(t, before+1, testutil.ToFloat64(batchesInFlight))

	n.Notify(rec(rollout.PhaseDrain, rollout.OutcomeSuccess, 2, base.Add(3*time.Second)))
	n.Notify(rec(rollout.PhaseRestore, rollout.OutcomeStarted, 1, base.Add(4*time.Second)))
	n.Notify(rec(rollout.PhaseRestore, rollout.OutcomeSuccess, 1, base.Add(5*time.Second)))

	assert.Equal(t, before, testutil.ToFloat64(batchesInFlight))
	assert.Empty(t, n.active)
	assert.Empty(t, n.firstStart, "completed batches are not tracked forever")
}
