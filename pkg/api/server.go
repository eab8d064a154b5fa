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

package api

import (
	"context"
	"log/slog"

	"github.com/NVIDIA/takt/pkg/k8s/client"
	"github.com/NVIDIA/takt/pkg/k8s/node"
	"github.com/NVIDIA/takt/pkg/logging"
	"github.com/NVIDIA/takt/pkg/rollout"
	"github.com/NVIDIA/takt/pkg/rollout/executor"
	"github.com/NVIDIA/takt/pkg/rollout/health"
	"github.com/NVIDIA/takt/pkg/rollout/ledger"
	"github.com/NVIDIA/takt/pkg/rollout/metrics"
	"github.com/NVIDIA/takt/pkg/rollout/orchestrator"
	"github.com/NVIDIA/takt/pkg/rollout/rollback"
	"github.com/NVIDIA/takt/pkg/server"
)

const name = "taktd"

// version is set at build time via ldflags.
var version = "dev"

// Options configures the daemon. Zero values fall back to sane defaults:
// in-cluster Kubernetes config, an in-memory ledger, and port 8080.
type Options struct {
	// Kubeconfig is the path to a kubeconfig file. Empty means in-cluster
	// config with a fallback to the default kubeconfig location.
	Kubeconfig string

	// LedgerPath is the SQLite ledger file. Empty means progress is kept
	// in memory only and will not survive a restart.
	LedgerPath string

	// Port overrides the listen port when positive.
	Port int
}

// Serve wires the fleet actuator, health gate, rollback controller, and
// ledger into an orchestrator and runs the HTTP API server until the
// process is signalled. Per-rollout tuning (health thresholds, retry
// policy, windows) arrives with each submitted plan; the server itself
// only carries connection-level configuration.
func Serve(opts Options) error {
	logging.SetDefaultStructuredLogger(name, version)

	slog.Info("starting", "name", name, "version", version)

	cs, err := client.Build(opts.Kubeconfig)
	if err != nil {
		return err
	}

	fleet, err := node.New(node.Options{Client: cs})
	if err != nil {
		return err
	}

	led, cleanup, err := openLedger(opts.LedgerPath)
	if err != nil {
		return err
	}
	defer cleanup()

	orch, err := orchestrator.New(orchestrator.Config{
		Executor: executor.Config{
			Actuator:   fleet,
			Gate:       health.New(fleet, 0, 0),
			Controller: rollback.New(compensator(fleet)),
			Ledger:     led,
			Notifier:   metrics.NewNotifier(),
		},
	})
	if err != nil {
		return err
	}

	cfg := server.DefaultConfig()
	cfg.Name = name
	cfg.Version = version
	if opts.Port > 0 {
		cfg.Port = opts.Port
	}

	return server.Run(cfg, orch)
}

// compensator re-restores every member of a failed batch so no target is
// left drained indefinitely.
func compensator(fleet *node.Fleet) rollback.Compensator {
	return func(ctx context.Context, b *rollout.Batch) error {
		for _, t := range b.Targets {
			if err := fleet.Restore(ctx, t); err != nil {
				return err
			}
		}
		return nil
	}
}

func openLedger(path string) (ledger.Ledger, func(), error) {
	if path == "" {
		slog.Warn("no ledger path given, progress will not survive a restart")
		return ledger.NewMemory(), func() {}, nil
	}

	db, err := ledger.OpenSQLite(path)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = db.Close() }, nil
}
