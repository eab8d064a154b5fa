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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/takt/pkg/defaults"
	"github.com/NVIDIA/takt/pkg/errors"
	"github.com/NVIDIA/takt/pkg/rollout"
)

const planYAML = `
targets:
  - id: ws-a-01
    group: line-a
  - id: ws-a-02
    group: line-a
  - id: ws-b-01
    group: line-b
batch:
  maxSize: 2
  maxConcurrent: 2
  groupOrder: [line-b, line-a]
  interBatchDelay: 30s
policy: best-effort
operation:
  name: kernel-patch-2025-08
  bundleRef: registry.factory.local/ops/kernel-patch:2025-08
  params:
    reboot: "true"
health:
  minReadyFraction: 0.95
  stabilizationWindow: 2m
retry:
  maxAttempts: 5
deadline: "2025-08-24T06:00:00Z"
window:
  start: "22:00"
  end: "06:00"
  days: [sat, sun]
  timezone: UTC
`

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPlan(t *testing.T) {
	p, err := Load(writePlan(t, planYAML))
	require.NoError(t, err)

	targets := p.RolloutTargets()
	require.Len(t, targets, 3)
	assert.Equal(t, "ws-a-01", targets[0].ID)
	assert.Equal(t, rollout.GroupKey("line-a"), targets[0].Group)

	cfg := p.PlannerConfig()
	assert.Equal(t, 2, cfg.MaxBatchSize)
	assert.Equal(t, 2, cfg.MaxConcurrentBatches)
	assert.Equal(t, rollout.PolicyBestEffort, cfg.Policy)
	assert.Equal(t, []rollout.GroupKey{"line-b", "line-a"}, cfg.GroupOrder)
	assert.Equal(t, 30*time.Second, cfg.InterBatchDelay)
	assert.Equal(t, "kernel-patch-2025-08", cfg.Operation.Name)
	assert.Equal(t, "true", cfg.Operation.Params["reboot"])
	assert.Equal(t, time.Date(2025, 8, 24, 6, 0, 0, 0, time.UTC), cfg.Deadline.UTC())

	h := p.Health.WithDefaults()
	assert.Equal(t, 0.95, h.MinReadyFraction)
	assert.Equal(t, 2*time.Minute, h.StabilizationWindow.Std())
	assert.Equal(t, defaults.HealthPollInterval, h.PollInterval.Std(), "unset fields take defaults")

	r := p.Retry.WithDefaults()
	assert.Equal(t, 5, r.MaxAttempts)
	assert.Equal(t, defaults.PhaseTimeout, r.PhaseTimeout.Std())

	require.NotNil(t, p.Window)
	loc, err := p.Window.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadPlanValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		code errors.ErrorCode
	}{
		{
			name: "no targets",
			yaml: "batch:\n  maxSize: 2\n",
			code: errors.ErrCodeInvalidPlan,
		},
		{
			name: "empty target id",
			yaml: "targets:\n  - id: \"\"\n    group: line-a\n",
			code: errors.ErrCodeInvalidPlan,
		},
		{
			name: "bad deadline",
			yaml: "targets:\n  - id: ws-01\ndeadline: tomorrow\n",
			code: errors.ErrCodeInvalidPlan,
		},
		{
			name: "bad timezone",
			yaml: "targets:\n  - id: ws-01\nwindow:\n  start: \"22:00\"\n  end: \"06:00\"\n  timezone: Mars/Olympus\n",
			code: errors.ErrCodeInvalidPlan,
		},
		{
			name: "unknown probe",
			yaml: "targets:\n  - id: ws-01\nhealth:\n  probe: snmp\n",
			code: errors.ErrCodeInvalidPlan,
		},
		{
			name: "systemd probe without units",
			yaml: "targets:\n  - id: ws-01\nhealth:\n  probe: systemd\n",
			code: errors.ErrCodeInvalidPlan,
		},
		{
			name: "not yaml",
			yaml: "{{nope",
			code: errors.ErrCodeInvalidRequest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writePlan(t, tc.yaml))
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, tc.code), "got %v", err)
		})
	}
}

func TestLoadPlanSystemdProbe(t *testing.T) {
	p, err := Load(writePlan(t,
		"targets:\n  - id: ws-01\nhealth:\n  probe: systemd\n  units: [gpu-agent.service]\n"))
	require.NoError(t, err)
	assert.Equal(t, ProbeSystemd, p.Health.Probe)
	assert.Equal(t, []string{"gpu-agent.service"}, p.Health.Units)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
