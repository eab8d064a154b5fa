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

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/takt/pkg/config"
	"github.com/NVIDIA/takt/pkg/rollout/planner"
)

func planCmd() *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Usage:     "Preview the batches a rollout plan produces, without touching the fleet",
		ArgsUsage: "<plan-file>",
		Flags:     []cli.Flag{formatFlag, outputFlag},
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one plan file argument")
			}

			p, err := config.Load(cmd.Args().First())
			if err != nil {
				return err
			}

			ro, err := planner.Plan(p.RolloutTargets(), p.PlannerConfig())
			if err != nil {
				return err
			}

			w := newWriter(cmd)
			defer func() { _ = w.Close() }()
			return w.Serialize(ro.Snapshot())
		},
	}
}
