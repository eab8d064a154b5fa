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

package ledger

import (
	"context"
	"sync"

	"github.com/NVIDIA/takt/pkg/rollout"
)

// Memory is an in-memory ledger for tests and dry runs. Records are lost on
// process exit; production deployments use the SQLite ledger.
type Memory struct {
	mu      sync.Mutex
	order   []string
	records map[string][]rollout.PhaseRecord
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{records: make(map[string][]rollout.PhaseRecord)}
}

// Append implements Ledger.
func (m *Memory) Append(_ context.Context, rec rollout.PhaseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.RolloutID]; !ok {
		m.order = append(m.order, rec.RolloutID)
	}
	m.records[rec.RolloutID] = append(m.records[rec.RolloutID], rec)
	return nil
}

// Records implements Ledger.
func (m *Memory) Records(_ context.Context, rolloutID string) ([]rollout.PhaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rollout.PhaseRecord(nil), m.records[rolloutID]...), nil
}

// RolloutIDs implements Ledger.
func (m *Memory) RolloutIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...), nil
}

// Close implements Ledger.
func (m *Memory) Close() error { return nil }
