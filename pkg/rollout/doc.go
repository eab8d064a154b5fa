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

// Package rollout defines the core data model of the takt fleet rollout
// orchestrator: targets, batches, rollouts, phase records, and the
// collaborator interfaces the orchestration engine drives.
//
// A Rollout is the top-level unit of one maintenance operation. The planner
// partitions its targets into ordered Batches; the executor drives each
// batch through the Drain -> Operate -> Verify -> Restore lifecycle; every
// phase transition is recorded as an immutable PhaseRecord in the ledger.
//
// The model is deliberately free of infrastructure concerns. Cluster
// membership operations, patch application, and readiness sampling are
// injected through the Actuator and Prober interfaces, implemented in
// pkg/k8s/node for Kubernetes nodes and pkg/probe/systemd for bare
// workstations.
package rollout
