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

// Package planner partitions a target set into the ordered batches of a
// rollout, honoring grouping and concurrency constraints.
//
// Planning is a pure function over its inputs: the same targets and config
// always produce batches with identical membership and order, so re-planning
// after an orchestrator restart reconstructs the exact same rollout shape
// for ledger replay.
package planner

import (
	"fmt"
	"sort"
	"time"

	"github.com/NVIDIA/takt/pkg/errors"
	"github.com/NVIDIA/takt/pkg/rollout"
)

// Config holds the planning parameters for one rollout.
type Config struct {
	// MaxBatchSize is the maximum number of targets per batch. Required, >= 1.
	MaxBatchSize int
	// MaxConcurrentBatches bounds batch parallelism. Defaults to 1
	// (strictly sequential).
	MaxConcurrentBatches int
	// Policy is the global failure policy. Defaults to abort-on-first-failure.
	Policy rollout.FailurePolicy
	// GroupBy derives the group key for a target. Defaults to the target's
	// own Group tag.
	GroupBy func(rollout.Target) rollout.GroupKey
	// GroupOrder is an optional explicit group priority. Groups not listed
	// are appended in declaration order. Defaults to declaration order.
	GroupOrder []rollout.GroupKey
	// InterBatchDelay is the soak time between batches of the same group.
	InterBatchDelay time.Duration
	// Deadline, when non-zero, is the overall rollout deadline.
	Deadline time.Time
	// Operation is the action applied during the Operate phase.
	Operation rollout.OperationSpec
}

// Plan partitions targets into an ordered rollout.
//
// Targets are grouped by GroupBy, groups are ordered by GroupOrder (default:
// first appearance in the input), and within a group targets are stably
// sorted by ID and split into batches of at most MaxBatchSize. Batch
// sequence indexes are assigned globally in that order.
//
// Plan has no side effects; the returned rollout is not yet persisted and
// carries no ID.
func Plan(targets []rollout.Target, cfg Config) (*rollout.Rollout, error) {
	if len(targets) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidPlan, "target set is empty")
	}
	if cfg.MaxBatchSize < 1 {
		return nil, errors.Newf(errors.ErrCodeInvalidPlan, "maxBatchSize must be >= 1, got %d", cfg.MaxBatchSize)
	}
	if cfg.MaxConcurrentBatches == 0 {
		cfg.MaxConcurrentBatches = 1
	}
	if cfg.MaxConcurrentBatches < 1 {
		return nil, errors.Newf(errors.ErrCodeInvalidPlan, "maxConcurrentBatches must be >= 1, got %d", cfg.MaxConcurrentBatches)
	}
	if cfg.Policy == "" {
		cfg.Policy = rollout.PolicyAbortOnFailure
	}
	if !cfg.Policy.Valid() {
		return nil, errors.Newf(errors.ErrCodeInvalidPlan, "unknown failure policy %q", cfg.Policy)
	}

	groupBy := cfg.GroupBy
	if groupBy == nil {
		groupBy = func(t rollout.Target) rollout.GroupKey { return t.Group }
	}

	seen := make(map[string]bool, len(targets))
	grouped := make(map[rollout.GroupKey][]rollout.Target)
	var declared []rollout.GroupKey

	for _, t := range targets {
		if t.ID == "" {
			return nil, errors.New(errors.ErrCodeInvalidPlan, "target with empty ID")
		}
		if seen[t.ID] {
			return nil, errors.Newf(errors.ErrCodeInvalidPlan, "duplicate target %q", t.ID)
		}
		seen[t.ID] = true

		key := groupBy(t)
		t.Group = key
		if _, ok := grouped[key]; !ok {
			declared = append(declared, key)
		}
		grouped[key] = append(grouped[key], t)
	}

	order, err := resolveGroupOrder(declared, cfg.GroupOrder)
	if err != nil {
		return nil, err
	}

	ro := &rollout.Rollout{
		GroupOrder:           order,
		Policy:               cfg.Policy,
		MaxConcurrentBatches: cfg.MaxConcurrentBatches,
		InterBatchDelay:      cfg.InterBatchDelay,
		Deadline:             cfg.Deadline,
		Operation:            cfg.Operation,
		CreatedAt:            time.Now().UTC(),
	}
	ro.SetState(rollout.StatePending)

	index := 0
	for _, key := range order {
		members := grouped[key]
		// Stable sort by ID keeps repeated planning on the same input
		// idempotent.
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].ID < members[j].ID
		})

		for start := 0; start < len(members); start += cfg.MaxBatchSize {
			end := min(start+cfg.MaxBatchSize, len(members))
			ro.Batches = append(ro.Batches, &rollout.Batch{
				Index:   index,
				Group:   key,
				Targets: append([]rollout.Target(nil), members[start:end]...),
				State:   rollout.BatchPending,
			})
			index++
		}
	}

	return ro, nil
}

// resolveGroupOrder merges an explicit priority list with the declaration
// order, rejecting priorities that reference unknown groups.
func resolveGroupOrder(declared, explicit []rollout.GroupKey) ([]rollout.GroupKey, error) {
	if len(explicit) == 0 {
		return declared, nil
	}

	known := make(map[rollout.GroupKey]bool, len(declared))
	for _, g := range declared {
		known[g] = true
	}

	out := make([]rollout.GroupKey, 0, len(declared))
	placed := make(map[rollout.GroupKey]bool, len(declared))
	for _, g := range explicit {
		if !known[g] {
			return nil, errors.New(errors.ErrCodeInvalidPlan,
				fmt.Sprintf("group order references unknown group %q", g))
		}
		if placed[g] {
			continue
		}
		out = append(out, g)
		placed[g] = true
	}
	for _, g := range declared {
		if !placed[g] {
			out = append(out, g)
		}
	}

	return out, nil
}
