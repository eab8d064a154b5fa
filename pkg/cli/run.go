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

package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/takt/pkg/config"
	"github.com/NVIDIA/takt/pkg/k8s/client"
	"github.com/NVIDIA/takt/pkg/k8s/node"
	"github.com/NVIDIA/takt/pkg/probe/systemd"
	"github.com/NVIDIA/takt/pkg/rollout"
	"github.com/NVIDIA/takt/pkg/rollout/executor"
	"github.com/NVIDIA/takt/pkg/rollout/health"
	"github.com/NVIDIA/takt/pkg/rollout/ledger"
	"github.com/NVIDIA/takt/pkg/rollout/metrics"
	"github.com/NVIDIA/takt/pkg/rollout/orchestrator"
	"github.com/NVIDIA/takt/pkg/rollout/rollback"
)

func runCmd() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a rollout plan against the fleet and wait for it to finish",
		ArgsUsage: "<plan-file>",
		Flags: []cli.Flag{
			kubeconfigFlag,
			ledgerFlag,
			&cli.BoolFlag{
				Name:  "force",
				Usage: "start even outside the plan's maintenance window",
			},
			formatFlag,
			outputFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one plan file argument")
			}

			p, err := config.Load(cmd.Args().First())
			if err != nil {
				return err
			}

			orch, cleanup, err := buildOrchestrator(p, cmd.String("kubeconfig"), cmd.String("ledger"))
			if err != nil {
				return err
			}
			defer cleanup()

			id, err := orch.Start(ctx, p.RolloutTargets(), p.PlannerConfig(),
				orchestrator.StartOptions{Force: cmd.Bool("force")})
			if err != nil {
				return err
			}
			slog.Info("rollout started", "id", id)

			if err := orch.Wait(ctx, id); err != nil {
				slog.Warn("rollout did not complete", "id", id, "error", err)
			}

			view, err := orch.Status(id)
			if err != nil {
				return err
			}

			w := newWriter(cmd)
			defer func() { _ = w.Close() }()
			return w.Serialize(view)
		},
	}
}

func recoverCmd() *cli.Command {
	return &cli.Command{
		Name:      "recover",
		Usage:     "Resume an interrupted rollout from its ledger, skipping completed phases",
		ArgsUsage: "<rollout-id> <plan-file>",
		Flags: []cli.Flag{
			kubeconfigFlag,
			ledgerFlag,
			formatFlag,
			outputFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return fmt.Errorf("expected rollout id and plan file arguments")
			}
			id := cmd.Args().Get(0)

			p, err := config.Load(cmd.Args().Get(1))
			if err != nil {
				return err
			}

			orch, cleanup, err := buildOrchestrator(p, cmd.String("kubeconfig"), cmd.String("ledger"))
			if err != nil {
				return err
			}
			defer cleanup()

			if err := orch.Recover(ctx, id, p.RolloutTargets(), p.PlannerConfig()); err != nil {
				return err
			}
			slog.Info("rollout recovered", "id", id)

			if err := orch.Wait(ctx, id); err != nil {
				slog.Warn("rollout did not complete", "id", id, "error", err)
			}

			view, err := orch.Status(id)
			if err != nil {
				return err
			}

			w := newWriter(cmd)
			defer func() { _ = w.Close() }()
			return w.Serialize(view)
		},
	}
}

// buildOrchestrator wires the Kubernetes fleet actuator, health gate,
// rollback controller, and progress ledger from a plan's tuning sections.
func buildOrchestrator(p *config.Plan, kubeconfig, ledgerPath string) (*orchestrator.Orchestrator, func(), error) {
	cs, err := client.Build(kubeconfig)
	if err != nil {
		return nil, nil, err
	}

	fleet, err := node.New(node.Options{Client: cs})
	if err != nil {
		return nil, nil, err
	}

	led, cleanup, err := openLedger(ledgerPath)
	if err != nil {
		return nil, nil, err
	}

	h := p.Health.WithDefaults()
	r := p.Retry.WithDefaults()

	var prober rollout.Prober = fleet
	if h.Probe == config.ProbeSystemd {
		prober, err = systemd.New(systemd.Options{Units: h.Units})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	var win *orchestrator.Window
	if p.Window != nil {
		loc, locErr := p.Window.Location()
		if locErr != nil {
			cleanup()
			return nil, nil, locErr
		}
		win, err = orchestrator.ParseWindow(p.Window.Start, p.Window.End, p.Window.Days, loc)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Executor: executor.Config{
			Actuator:   fleet,
			Gate:       health.New(prober, h.PollInterval.Std(), h.MaxResets),
			Controller: rollback.New(compensator(fleet)),
			Ledger:     led,
			Notifier:   metrics.NewNotifier(),
			GateOptions: health.Options{
				MinReadyFraction:    h.MinReadyFraction,
				StabilizationWindow: h.StabilizationWindow.Std(),
				Timeout:             h.Timeout.Std(),
			},
			PhaseTimeout:   r.PhaseTimeout.Std(),
			MaxAttempts:    r.MaxAttempts,
			RetryBaseDelay: r.BaseDelay.Std(),
			RetryMaxDelay:  r.MaxDelay.Std(),
		},
		Window: win,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return orch, cleanup, nil
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
