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

package rollout

import "context"

// Actuator performs the infrastructure operations of a phase. The executor
// never touches infrastructure itself; it only sequences these calls.
// Implementations classify their failures with pkg/errors codes so the
// executor can distinguish transient from permanent conditions.
type Actuator interface {
	// Drain removes the target from active service, letting in-flight work
	// complete or relocate first.
	Drain(ctx context.Context, t Target) error
	// Apply performs the patch/update/deploy action on a drained target.
	Apply(ctx context.Context, t Target, op OperationSpec) error
	// Restore returns the target to active service.
	Restore(ctx context.Context, t Target) error
}

// Prober samples target readiness for the health gate. Read-only.
type Prober interface {
	Readiness(ctx context.Context, t Target) (HealthSnapshot, error)
}

// Notifier is a fire-and-forget observability sink for phase records.
// Implementations must never block the executor or fail a phase.
type Notifier interface {
	Notify(rec PhaseRecord)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(rec PhaseRecord)

// Notify implements Notifier.
func (f NotifierFunc) Notify(rec PhaseRecord) { f(rec) }

// MultiNotifier fans a record out to several sinks.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(rec PhaseRecord) {
	for _, n := range m {
		n.Notify(rec)
	}
}

// VerifyFunc is an optional custom verification hook run during the Verify
// phase in addition to the health gate.
type VerifyFunc func(ctx context.Context, b *Batch) error
