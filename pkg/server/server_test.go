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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/takt/pkg/rollout"
	"github.com/NVIDIA/takt/pkg/rollout/executor"
	"github.com/NVIDIA/takt/pkg/rollout/health"
	"github.com/NVIDIA/takt/pkg/rollout/ledger"
	"github.com/NVIDIA/takt/pkg/rollout/orchestrator"
	"github.com/NVIDIA/takt/pkg/rollout/rollback"
)

type noopActuator struct{}

func (noopActuator) Drain(context.Context, rollout.Target) error { return nil }
func (noopActuator) Apply(context.Context, rollout.Target, rollout.OperationSpec) error {
	return nil
}
func (noopActuator) Restore(context.Context, rollout.Target) error { return nil }

type readyProber struct{}

func (readyProber) Readiness(context.Context, rollout.Target) (rollout.HealthSnapshot, error) {
	return rollout.HealthSnapshot{Ready: 1, Total: 1, SampledAt: time.Now().UTC()}, nil
}

func newTestServer(t *testing.T, cfg *Config) (*Server, *orchestrator.Orchestrator) {
	t.Helper()

	orch, err := orchestrator.New(orchestrator.Config{
		Executor: executor.Config{
			Actuator:       noopActuator{},
			Gate:           health.New(readyProber{}, time.Millisecond, 3),
			Controller:     rollback.New(nil),
			Ledger:         ledger.NewMemory(),
			PhaseTimeout:   time.Second,
			MaxAttempts:    1,
			RetryBaseDelay: time.Millisecond,
			RetryMaxDelay:  4 * time.Millisecond,
			GateOptions: health.Options{
				MinReadyFraction:    0.9,
				StabilizationWindow: time.Millisecond,
				Timeout:             5 * time.Second,
			},
		},
	})
	require.NoError(t, err)

	return New(cfg, orch), orch
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

const planBody = `
targets:
  - id: ws-01
    group: line-a
  - id: ws-02
    group: line-a
batch:
  maxSize: 1
policy: best-effort
operation:
  name: fw-refresh
`

func TestStartAndStatus(t *testing.T) {
	s, orch := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/v1/rollouts", planBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	require.NoError(t, orch.Wait(t.Context(), created.ID))

	rec = doRequest(s, http.MethodGet, "/v1/rollouts/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view rollout.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, rollout.StateCompleted, view.State)
	assert.Len(t, view.Batches, 2)

	rec = doRequest(s, http.MethodGet, "/v1/rollouts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []rollout.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestStartRejectsInvalidPlan(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/v1/rollouts", "batch:\n  maxSize: 2\n")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "INVALID_PLAN", errResp.Code)
	assert.NotEmpty(t, errResp.RequestID)
}

func TestStartRejectsMalformedBody(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/v1/rollouts", "{{nope")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "INVALID_REQUEST", errResp.Code)
}

func TestUnknownRolloutIs404(t *testing.T) {
	s, _ := newTestServer(t, nil)

	for _, req := range [][2]string{
		{http.MethodGet, "/v1/rollouts/nope"},
		{http.MethodPost, "/v1/rollouts/nope/pause"},
		{http.MethodPost, "/v1/rollouts/nope/cancel"},
	} {
		rec := doRequest(s, req[0], req[1], "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", req[0], req[1])
	}
}

func TestResumeRejectsBadDecision(t *testing.T) {
	s, orch := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/v1/rollouts", planBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NoError(t, orch.Wait(t.Context(), created.ID))

	rec = doRequest(s, http.MethodPost, "/v1/rollouts/"+created.ID+"/resume",
		`{"decision":"shrug"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadinessLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready until Start")

	s.SetReady(true)
	rec = doRequest(s, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 1
	cfg.RateLimitBurst = 1
	s, _ := newTestServer(t, cfg)

	rec := doRequest(s, http.MethodGet, "/v1/rollouts", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/v1/rollouts", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRequestIDPropagation(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/rollouts", nil)
	req.Header.Set("X-Request-Id", "b2f81c8e-5aef-4a1e-9b2f-25c1a4e0adf1")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, "b2f81c8e-5aef-4a1e-9b2f-25c1a4e0adf1", rec.Header().Get("X-Request-Id"))

	// non-UUID ids are replaced
	req = httptest.NewRequest(http.MethodGet, "/v1/rollouts", nil)
	req.Header.Set("X-Request-Id", "not-a-uuid")
	rec = httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.NotEqual(t, "not-a-uuid", rec.Header().Get("X-Request-Id"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestDefaultRouteListsAPI(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "POST /v1/rollouts")
}
