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

package serializer

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/NVIDIA/takt/pkg/rollout"
)

func sampleView() *rollout.View {
	hs := &rollout.HealthSnapshot{Ready: 2, Total: 2, SampledAt: time.Now().UTC()}
	return &rollout.View{
		ID:     "ro-123",
		State:  rollout.StateCompleted,
		Policy: rollout.PolicyBestEffort,
		Operation: rollout.OperationSpec{
			Name: "kernel-patch-2025-08",
		},
		CreatedAt: time.Date(2025, 8, 23, 22, 0, 0, 0, time.UTC),
		Batches: []rollout.Batch{
			{
				Index: 0,
				Group: "line-a",
				State: rollout.BatchCompleted,
				Targets: []rollout.Target{
					{ID: "ws-a-01", Group: "line-a", LastHealth: hs},
					{ID: "ws-a-02", Group: "line-a", LastHealth: hs},
				},
			},
			{
				Index:         1,
				Group:         "line-b",
				State:         rollout.BatchFailed,
				Targets:       []rollout.Target{{ID: "ws-b-01", Group: "line-b"}},
				FailureReason: "drain exceeded timeout",
			},
		},
		FailedBatches: 1,
	}
}

func TestSerializeJSON(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(FormatJSON, &buf)
	require.NoError(t, w.Serialize(sampleView()))

	var round rollout.View
	require.NoError(t, json.Unmarshal(buf.Bytes(), &round))
	assert.Equal(t, "ro-123", round.ID)
	assert.Len(t, round.Batches, 2)
}

func TestSerializeYAML(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(FormatYAML, &buf)
	require.NoError(t, w.Serialize(sampleView()))

	var round rollout.View
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &round))
	assert.Equal(t, rollout.StateCompleted, round.State)
	assert.Equal(t, "drain exceeded timeout", round.Batches[1].FailureReason)
}

func TestSerializeViewTable(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(FormatTable, &buf)
	require.NoError(t, w.Serialize(sampleView()))

	out := buf.String()
	assert.Contains(t, out, "Rollout:  ro-123")
	assert.Contains(t, out, "Best-Effort")
	assert.Contains(t, out, "Failed batches: 1")
	assert.Contains(t, out, "ws-a-01,ws-a-02")
	assert.Contains(t, out, "4/4", "batch readiness aggregates target snapshots")
	assert.Contains(t, out, "drain exceeded timeout")
}

func TestSerializeViewListTable(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(FormatTable, &buf)
	require.NoError(t, w.Serialize([]*rollout.View{sampleView()}))

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "ro-123")
	assert.Contains(t, out, "Completed")
}

func TestSerializeGenericTable(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(FormatTable, &buf)
	require.NoError(t, w.Serialize(map[string]any{
		"nested": map[string]int{"a": 1},
		"plain":  "x",
	}))

	out := buf.String()
	assert.Contains(t, out, "nested.a")
	assert.Contains(t, out, "plain")
}

func TestUnknownFormatFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(Format("csv"), &buf)
	require.NoError(t, w.Serialize(map[string]string{"k": "v"}))
	assert.True(t, json.Valid(buf.Bytes()))
}

func TestFileWriter(t *testing.T) {
	path := t.TempDir() + "/out.json"
	w := NewFileWriterOrStdout(FormatJSON, path)
	require.NoError(t, w.Serialize(sampleView()))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "double close is safe")
}
