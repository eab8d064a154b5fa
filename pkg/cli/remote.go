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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	apperrors "github.com/NVIDIA/takt/pkg/errors"
	"github.com/NVIDIA/takt/pkg/rollout"
	"github.com/NVIDIA/takt/pkg/server"
)

// apiClient is a thin client for a running taktd.
type apiClient struct {
	base string
	hc   *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeInternal, "encode request", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInvalidRequest, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeUnavailable,
			fmt.Sprintf("call taktd at %s", c.base), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var errResp server.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Code != "" {
			return apperrors.New(apperrors.ErrorCode(errResp.Code), errResp.Message)
		}
		return apperrors.Newf(apperrors.ErrCodeInternal, "taktd returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "decode response", err)
	}
	return nil
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the status of a rollout on a running taktd",
		ArgsUsage: "<rollout-id>",
		Flags:     []cli.Flag{serverFlag, formatFlag, outputFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one rollout id argument")
			}

			var view rollout.View
			c := newAPIClient(cmd.String("server"))
			if err := c.do(ctx, http.MethodGet, "/v1/rollouts/"+cmd.Args().First(), nil, &view); err != nil {
				return err
			}

			w := newWriter(cmd)
			defer func() { _ = w.Close() }()
			return w.Serialize(&view)
		},
	}
}

func listCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List rollouts on a running taktd, newest first",
		Flags: []cli.Flag{serverFlag, formatFlag, outputFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var views []*rollout.View
			c := newAPIClient(cmd.String("server"))
			if err := c.do(ctx, http.MethodGet, "/v1/rollouts", nil, &views); err != nil {
				return err
			}

			w := newWriter(cmd)
			defer func() { _ = w.Close() }()
			return w.Serialize(views)
		},
	}
}

func pauseCmd() *cli.Command {
	return &cli.Command{
		Name:      "pause",
		Usage:     "Pause a running rollout at its next safe checkpoint",
		ArgsUsage: "<rollout-id>",
		Flags:     []cli.Flag{serverFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one rollout id argument")
			}
			c := newAPIClient(cmd.String("server"))
			return c.do(ctx, http.MethodPost,
				"/v1/rollouts/"+cmd.Args().First()+"/pause", nil, nil)
		},
	}
}

func resumeCmd() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume a paused rollout",
		ArgsUsage: "<rollout-id>",
		Flags: []cli.Flag{
			serverFlag,
			&cli.StringFlag{
				Name:  "decision",
				Usage: "what to do with the batch the rollout paused on: retry or skip",
				Value: "retry",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one rollout id argument")
			}
			c := newAPIClient(cmd.String("server"))
			return c.do(ctx, http.MethodPost,
				"/v1/rollouts/"+cmd.Args().First()+"/resume",
				server.ResumeRequest{Decision: cmd.String("decision")}, nil)
		},
	}
}

func cancelCmd() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a rollout; in-flight work stops and targets are left as-is",
		ArgsUsage: "<rollout-id>",
		Flags:     []cli.Flag{serverFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one rollout id argument")
			}
			c := newAPIClient(cmd.String("server"))
			return c.do(ctx, http.MethodPost,
				"/v1/rollouts/"+cmd.Args().First()+"/cancel", nil, nil)
		},
	}
}
