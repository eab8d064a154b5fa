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

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/NVIDIA/takt/pkg/config"
	apperrors "github.com/NVIDIA/takt/pkg/errors"
	"github.com/NVIDIA/takt/pkg/rollout/executor"
	"github.com/NVIDIA/takt/pkg/rollout/orchestrator"
	"github.com/NVIDIA/takt/pkg/serializer"
)

// StartResponse acknowledges a submitted rollout.
type StartResponse struct {
	ID string `json:"id"`
}

// ResumeRequest carries the operator decision for a paused rollout.
type ResumeRequest struct {
	// Decision is "retry" or "skip". Defaults to retry.
	Decision string `json:"decision"`
}

// handleStart handles POST /v1/rollouts. The body is a rollout plan in the
// same YAML form the CLI reads from disk; JSON bodies parse too since YAML
// is a superset.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, apperrors.ErrCodeInvalidRequest,
				"plan too large", false, map[string]any{"limitBytes": tooLarge.Limit})
			return
		}
		s.writeError(w, r, http.StatusBadRequest, apperrors.ErrCodeInvalidRequest,
			"failed to read request body", false, nil)
		return
	}

	var plan config.Plan
	if err := yaml.Unmarshal(body, &plan); err != nil {
		s.writeError(w, r, http.StatusBadRequest, apperrors.ErrCodeInvalidRequest,
			"failed to parse rollout plan: "+err.Error(), false, nil)
		return
	}
	if err := plan.Validate(); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	opts := orchestrator.StartOptions{
		Force: r.URL.Query().Get("force") == "true",
	}
	id, err := s.orch.Start(r.Context(), plan.RolloutTargets(), plan.PlannerConfig(), opts)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	serializer.RespondJSON(w, http.StatusCreated, StartResponse{ID: id})
}

// handleList handles GET /v1/rollouts.
func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	serializer.RespondJSON(w, http.StatusOK, s.orch.List())
}

// handleStatus handles GET /v1/rollouts/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.Status(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	serializer.RespondJSON(w, http.StatusOK, view)
}

// handlePause handles POST /v1/rollouts/{id}/pause.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Pause(id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	serializer.RespondJSON(w, http.StatusAccepted, StartResponse{ID: id})
}

// handleResume handles POST /v1/rollouts/{id}/resume.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	req := ResumeRequest{Decision: string(executor.ResumeRetry)}
	if r.Body != nil {
		// an empty body keeps the default decision
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, r, http.StatusBadRequest, apperrors.ErrCodeInvalidRequest,
				"failed to parse resume request: "+err.Error(), false, nil)
			return
		}
	}

	if err := s.orch.Resume(id, executor.ResumeDecision(req.Decision)); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	serializer.RespondJSON(w, http.StatusAccepted, StartResponse{ID: id})
}

// handleCancel handles POST /v1/rollouts/{id}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	serializer.RespondJSON(w, http.StatusAccepted, StartResponse{ID: id})
}
