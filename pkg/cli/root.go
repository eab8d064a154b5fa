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

// Package cli implements the takt command line: planning and driving fleet
// rollouts locally, controlling a remote taktd, and moving operation
// bundles through OCI registries.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/takt/pkg/logging"
	"github.com/NVIDIA/takt/pkg/serializer"
)

const (
	name           = "takt"
	versionDefault = "dev"
)

var (
	// overridden during build with ldflags
	version = versionDefault
	commit  = "unknown"
	date    = "unknown"
)

var (
	formatFlag = &cli.StringFlag{
		Name:  "format",
		Usage: fmt.Sprintf("output format, one of %v", serializer.SupportedFormats()),
		Value: string(serializer.FormatTable),
	}

	outputFlag = &cli.StringFlag{
		Name:  "output",
		Usage: "output file path (default: stdout)",
	}

	kubeconfigFlag = &cli.StringFlag{
		Name:    "kubeconfig",
		Usage:   "path to kubeconfig (default: KUBECONFIG, then ~/.kube/config, then in-cluster)",
		Sources: cli.EnvVars("KUBECONFIG"),
	}

	ledgerFlag = &cli.StringFlag{
		Name:    "ledger",
		Usage:   "path to the sqlite progress ledger (empty: in-memory, lost on exit)",
		Sources: cli.EnvVars("TAKT_LEDGER"),
	}

	serverFlag = &cli.StringFlag{
		Name:    "server",
		Usage:   "base URL of a running taktd",
		Sources: cli.EnvVars("TAKT_SERVER"),
		Value:   "http://localhost:8080",
	}
)

// Root assembles the takt command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name:    name,
		Usage:   "fleet rollout orchestrator",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				Sources: cli.EnvVars(logging.EnvLogLevel),
				Value:   "info",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logging.SetDefaultStructuredLoggerWithLevel(name, version, cmd.String("log-level"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			planCmd(),
			runCmd(),
			recoverCmd(),
			statusCmd(),
			listCmd(),
			pauseCmd(),
			resumeCmd(),
			cancelCmd(),
			bundleCmd(),
			serveCmd(),
		},
	}
}

// Run executes the CLI with SIGINT/SIGTERM cancellation.
func Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return Root().Run(ctx, os.Args)
}

// newWriter builds the output writer shared by the reporting commands.
func newWriter(cmd *cli.Command) *serializer.Writer {
	return serializer.NewFileWriterOrStdout(
		serializer.Format(cmd.String("format")), cmd.String("output"))
}
