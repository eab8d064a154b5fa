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

	"github.com/NVIDIA/takt/pkg/oci"
)

func bundleCmd() *cli.Command {
	return &cli.Command{
		Name:  "bundle",
		Usage: "Move operation bundles through OCI registries",
		Commands: []*cli.Command{
			bundlePushCmd(),
			bundlePullCmd(),
		},
	}
}

func registryFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "plain-http",
			Usage: "use HTTP instead of HTTPS for the registry connection",
		},
		&cli.BoolFlag{
			Name:  "insecure-tls",
			Usage: "skip TLS certificate verification",
		},
	}
}

func bundlePushCmd() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "Package a bundle directory and push it to a registry",
		ArgsUsage: "<bundle-dir> <oci-reference>",
		Flags:     registryFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return fmt.Errorf("expected bundle directory and reference arguments")
			}

			ref, err := oci.ParseRef(cmd.Args().Get(1))
			if err != nil {
				return err
			}
			if ref.Tag == "" {
				ref = ref.WithTag("latest")
			}

			res, err := oci.Push(ctx, oci.PushOptions{
				SourceDir:   cmd.Args().Get(0),
				Ref:         ref,
				PlainHTTP:   cmd.Bool("plain-http"),
				InsecureTLS: cmd.Bool("insecure-tls"),
			})
			if err != nil {
				return err
			}

			fmt.Printf("pushed %s@%s\n", res.Reference, res.Digest)
			return nil
		},
	}
}

func bundlePullCmd() *cli.Command {
	return &cli.Command{
		Name:      "pull",
		Usage:     "Pull a bundle from a registry into a local directory",
		ArgsUsage: "<oci-reference> <dest-dir>",
		Flags:     registryFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return fmt.Errorf("expected reference and destination directory arguments")
			}

			ref, err := oci.ParseRef(cmd.Args().Get(0))
			if err != nil {
				return err
			}
			if ref.Tag == "" {
				ref = ref.WithTag("latest")
			}

			res, err := oci.Pull(ctx, oci.PullOptions{
				Ref:         ref,
				DestDir:     cmd.Args().Get(1),
				PlainHTTP:   cmd.Bool("plain-http"),
				InsecureTLS: cmd.Bool("insecure-tls"),
			})
			if err != nil {
				return err
			}

			fmt.Printf("pulled %s@%s into %s\n", ref.Image(), res.Digest, res.Path)
			return nil
		},
	}
}
