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

// Package systemd probes workstation readiness from systemd unit state.
// It backs the health gate on hosts that run the takt agent directly,
// outside Kubernetes, where node conditions are not available.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/NVIDIA/takt/pkg/errors"
	"github.com/NVIDIA/takt/pkg/rollout"
)

// Conn is the slice of the systemd D-Bus connection the prober uses.
// *dbus.Conn satisfies it.
type Conn interface {
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]any, error)
	Close()
}

// DialFunc opens a systemd connection. Swapped out in tests.
type DialFunc func(ctx context.Context) (Conn, error)

// Options configures the prober.
type Options struct {
	// Units are the systemd units that must be active for the host to count
	// as ready, e.g. containerd.service and kubelet.service. Required.
	Units []string
	// Dial opens the systemd connection. Defaults to the system bus.
	Dial DialFunc
}

// Prober reports a host ready when every watched unit is active.
// Implements rollout.Prober.
type Prober struct {
	units []string
	dial  DialFunc
}

// New creates a systemd readiness prober.
func New(opts Options) (*Prober, error) {
	if len(opts.Units) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidRequest, "at least one systemd unit is required")
	}
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context) (Conn, error) {
			return dbus.NewSystemdConnectionContext(ctx)
		}
	}
	return &Prober{units: opts.Units, dial: opts.Dial}, nil
}

// Readiness implements rollout.Prober. The snapshot counts one unit per
// watched service: ready when ActiveState is active, degraded when any unit
// reports failed or is flapping through activating.
func (p *Prober) Readiness(ctx context.Context, t rollout.Target) (rollout.HealthSnapshot, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return rollout.HealthSnapshot{}, errors.Wrap(errors.ErrCodeUnavailable,
			fmt.Sprintf("connect to systemd on %s", t.ID), err)
	}
	defer conn.Close()

	hs := rollout.HealthSnapshot{Total: len(p.units), SampledAt: time.Now().UTC()}
	for _, unit := range p.units {
		props, err := conn.GetUnitPropertiesContext(ctx, unit)
		if err != nil {
			return rollout.HealthSnapshot{}, errors.Wrap(errors.ErrCodeUnavailable,
				fmt.Sprintf("get properties of %s on %s", unit, t.ID), err)
		}

		state, _ := props["ActiveState"].(string)
		switch state {
		case "active":
			hs.Ready++
		case "failed", "activating", "deactivating":
			hs.Degraded = true
			slog.Debug("unit not ready", "target", t.ID, "unit", unit, "state", state)
		default:
			slog.Debug("unit not ready", "target", t.ID, "unit", unit, "state", state)
		}
	}
	return hs, nil
}
