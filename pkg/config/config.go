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

// Package config loads rollout plan files: the declarative YAML an operator
// hands to takt describing the fleet, batching, policy, and tunables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NVIDIA/takt/pkg/defaults"
	"github.com/NVIDIA/takt/pkg/errors"
	"github.com/NVIDIA/takt/pkg/rollout"
	"github.com/NVIDIA/takt/pkg/rollout/planner"
)

// Duration is a time.Duration that unmarshals from the "30s" / "2m" YAML
// form instead of integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Plan is a rollout plan file.
type Plan struct {
	// Targets is the fleet to roll over. At least one is required.
	Targets []TargetSpec `yaml:"targets"`

	// Batch controls planning.
	Batch BatchSpec `yaml:"batch"`

	// Policy is the global failure policy. Defaults to abort-on-first-failure.
	Policy string `yaml:"policy"`

	// Operation is applied to every target during the Operate phase.
	Operation OperationSpec `yaml:"operation"`

	// Health tunes the readiness gate.
	Health HealthSpec `yaml:"health"`

	// Retry tunes per-phase timeouts and backoff.
	Retry RetrySpec `yaml:"retry"`

	// Deadline, when set, is the overall rollout deadline (RFC 3339).
	Deadline string `yaml:"deadline"`

	// Window is the optional maintenance window guard.
	Window *WindowSpec `yaml:"window"`
}

// TargetSpec declares one fleet member.
type TargetSpec struct {
	ID    string `yaml:"id"`
	Group string `yaml:"group"`
}

// BatchSpec controls how the planner splits the fleet.
type BatchSpec struct {
	MaxSize         int      `yaml:"maxSize"`
	MaxConcurrent   int      `yaml:"maxConcurrent"`
	GroupOrder      []string `yaml:"groupOrder"`
	InterBatchDelay Duration `yaml:"interBatchDelay"`
}

// OperationSpec is the Operate phase action.
type OperationSpec struct {
	Name      string            `yaml:"name"`
	BundleRef string            `yaml:"bundleRef"`
	Params    map[string]string `yaml:"params"`
}

// Probe backends for the readiness gate.
const (
	ProbeKubelet = "kubelet"
	ProbeSystemd = "systemd"
)

// HealthSpec tunes the readiness gate.
type HealthSpec struct {
	MinReadyFraction    float64  `yaml:"minReadyFraction"`
	StabilizationWindow Duration `yaml:"stabilizationWindow"`
	PollInterval        Duration `yaml:"pollInterval"`
	MaxResets           int      `yaml:"maxResets"`
	Timeout             Duration `yaml:"timeout"`

	// Probe selects the readiness backend: kubelet (default) reads node
	// conditions, systemd reads unit ActiveState on the local bus.
	Probe string `yaml:"probe"`

	// Units are the systemd units sampled when Probe is systemd.
	Units []string `yaml:"units"`
}

// RetrySpec tunes phase execution.
type RetrySpec struct {
	PhaseTimeout Duration `yaml:"phaseTimeout"`
	MaxAttempts  int      `yaml:"maxAttempts"`
	BaseDelay    Duration `yaml:"baseDelay"`
	MaxDelay     Duration `yaml:"maxDelay"`
}

// WindowSpec is the maintenance window in plan-file form.
type WindowSpec struct {
	Start string   `yaml:"start"`
	End   string   `yaml:"end"`
	Days  []string `yaml:"days"`
	// Timezone is an IANA zone name; empty means local time.
	Timezone string `yaml:"timezone"`
}

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	var p Plan
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidRequest,
			fmt.Sprintf("parse plan file %s", path), err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the plan for the errors the planner cannot express,
// leaving batch/policy validation to planning itself.
func (p *Plan) Validate() error {
	if len(p.Targets) == 0 {
		return errors.New(errors.ErrCodeInvalidPlan, "plan has no targets")
	}
	for _, t := range p.Targets {
		if t.ID == "" {
			return errors.New(errors.ErrCodeInvalidPlan, "target with empty id")
		}
	}
	if p.Deadline != "" {
		if _, err := time.Parse(time.RFC3339, p.Deadline); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidPlan,
				fmt.Sprintf("invalid deadline %q, want RFC 3339", p.Deadline), err)
		}
	}
	if p.Window != nil {
		if _, err := p.Window.Location(); err != nil {
			return err
		}
	}
	switch p.Health.Probe {
	case "", ProbeKubelet:
	case ProbeSystemd:
		if len(p.Health.Units) == 0 {
			return errors.New(errors.ErrCodeInvalidPlan,
				"systemd probe requires at least one unit")
		}
	default:
		return errors.Newf(errors.ErrCodeInvalidPlan,
			"unknown health probe %q, want kubelet or systemd", p.Health.Probe)
	}
	return nil
}

// RolloutTargets converts the declared fleet to rollout targets, preserving
// declaration order (the planner derives default group priority from it).
func (p *Plan) RolloutTargets() []rollout.Target {
	out := make([]rollout.Target, 0, len(p.Targets))
	for _, t := range p.Targets {
		out = append(out, rollout.Target{
			ID:    t.ID,
			Group: rollout.GroupKey(t.Group),
		})
	}
	return out
}

// PlannerConfig converts the plan into the planner's configuration.
func (p *Plan) PlannerConfig() planner.Config {
	cfg := planner.Config{
		MaxBatchSize:         p.Batch.MaxSize,
		MaxConcurrentBatches: p.Batch.MaxConcurrent,
		Policy:               rollout.FailurePolicy(p.Policy),
		InterBatchDelay:      p.Batch.InterBatchDelay.Std(),
		Operation: rollout.OperationSpec{
			Name:      p.Operation.Name,
			BundleRef: p.Operation.BundleRef,
			Params:    p.Operation.Params,
		},
	}
	if p.Policy == "" {
		cfg.Policy = rollout.PolicyAbortOnFailure
	}
	for _, g := range p.Batch.GroupOrder {
		cfg.GroupOrder = append(cfg.GroupOrder, rollout.GroupKey(g))
	}
	if p.Deadline != "" {
		// validated in Validate
		cfg.Deadline, _ = time.Parse(time.RFC3339, p.Deadline)
	}
	return cfg
}

// WithDefaults returns the gate tuning with package defaults filled in.
func (h HealthSpec) WithDefaults() HealthSpec {
	if h.MinReadyFraction == 0 {
		h.MinReadyFraction = defaults.HealthMinReadyFraction
	}
	if h.StabilizationWindow == 0 {
		h.StabilizationWindow = Duration(defaults.HealthStabilizationWindow)
	}
	if h.PollInterval == 0 {
		h.PollInterval = Duration(defaults.HealthPollInterval)
	}
	if h.MaxResets == 0 {
		h.MaxResets = defaults.HealthMaxResets
	}
	if h.Timeout == 0 {
		h.Timeout = Duration(defaults.HealthEvaluateTimeout)
	}
	return h
}

// WithDefaults returns the retry tuning with package defaults filled in.
func (r RetrySpec) WithDefaults() RetrySpec {
	if r.PhaseTimeout == 0 {
		r.PhaseTimeout = Duration(defaults.PhaseTimeout)
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = defaults.PhaseMaxAttempts
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = Duration(defaults.RetryBaseDelay)
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = Duration(defaults.RetryMaxDelay)
	}
	return r
}

// Location resolves the window's timezone.
func (w *WindowSpec) Location() (*time.Location, error) {
	if w.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidPlan,
			fmt.Sprintf("unknown timezone %q", w.Timezone), err)
	}
	return loc, nil
}
