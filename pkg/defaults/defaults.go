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

package defaults

import "time"

// Phase execution tunables.
const (
	// PhaseTimeout is the default per-phase timeout. Drain of a busy node
	// can take minutes when pod disruption budgets slow eviction.
	PhaseTimeout = 10 * time.Minute

	// PhaseMaxAttempts is the default number of attempts per phase,
	// including the first.
	PhaseMaxAttempts = 3

	// RetryBaseDelay is the initial backoff delay between phase attempts.
	RetryBaseDelay = 5 * time.Second

	// RetryMaxDelay caps the exponential backoff between phase attempts.
	RetryMaxDelay = 2 * time.Minute

	// InterBatchDelay is the default soak time between batches of the same
	// rollout. Replaces the fixed sleeps of the legacy maintenance scripts.
	InterBatchDelay = 0 * time.Second
)

// Health gate tunables.
const (
	// HealthPollInterval is how often the gate samples readiness.
	HealthPollInterval = 10 * time.Second

	// HealthStabilizationWindow is how long readiness must hold above the
	// threshold before the gate trusts it.
	HealthStabilizationWindow = 1 * time.Minute

	// HealthEvaluateTimeout bounds one full gate evaluation.
	HealthEvaluateTimeout = 15 * time.Minute

	// HealthMaxResets is how many times a readiness regression may restart
	// the stabilization window before the gate declares failure.
	HealthMaxResets = 3

	// HealthMinReadyFraction is the default readiness ratio a batch must
	// sustain to pass the gate.
	HealthMinReadyFraction = 0.9
)

// Kubernetes collaborator tunables.
const (
	// K8sRequestTimeout is the timeout for individual Kubernetes API calls.
	K8sRequestTimeout = 30 * time.Second

	// DrainEvictionInterval is the pause between eviction sweeps while
	// draining a node.
	DrainEvictionInterval = 5 * time.Second

	// ProbeRateLimit is the sustained readiness probe rate (probes/second)
	// allowed against the cluster API server.
	ProbeRateLimit = 5

	// ProbeRateBurst is the probe rate limiter burst size.
	ProbeRateBurst = 10
)

// Server tunables.
const (
	// ServerReadTimeout is the HTTP server read timeout.
	ServerReadTimeout = 10 * time.Second

	// ServerWriteTimeout is the HTTP server write timeout.
	ServerWriteTimeout = 30 * time.Second

	// ServerIdleTimeout is the HTTP server idle connection timeout.
	ServerIdleTimeout = 120 * time.Second

	// ServerShutdownTimeout bounds graceful shutdown, sized to fit inside
	// the Kubernetes eviction grace period.
	ServerShutdownTimeout = 30 * time.Second
)
