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

package systemd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/takt/pkg/errors"
	"github.com/NVIDIA/takt/pkg/rollout"
)

type fakeConn struct {
	states map[string]string
	err    error
	closed bool
}

func (c *fakeConn) GetUnitPropertiesContext(_ context.Context, unit string) (map[string]any, error) {
	if c.err != nil {
		return nil, c.err
	}
	return map[string]any{"ActiveState": c.states[unit]}, nil
}

func (c *fakeConn) Close() { c.closed = true }

func dialTo(conn *fakeConn) DialFunc {
	return func(context.Context) (Conn, error) { return conn, nil }
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name     string
		states   map[string]string
		ready    int
		degraded bool
	}{
		{
			name:   "all active",
			states: map[string]string{"containerd.service": "active", "kubelet.service": "active"},
			ready:  2,
		},
		{
			name:   "inactive unit",
			states: map[string]string{"containerd.service": "active", "kubelet.service": "inactive"},
			ready:  1,
		},
		{
			name:     "failed unit degrades",
			states:   map[string]string{"containerd.service": "failed", "kubelet.service": "active"},
			ready:    1,
			degraded: true,
		},
		{
			name:     "unit still activating",
			states:   map[string]string{"containerd.service": "activating", "kubelet.service": "active"},
			ready:    1,
			degraded: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := &fakeConn{states: tc.states}
			p, err := New(Options{
				Units: []string{"containerd.service", "kubelet.service"},
				Dial:  dialTo(conn),
			})
			require.NoError(t, err)

			hs, err := p.Readiness(context.Background(), rollout.Target{ID: "ws-01"})
			require.NoError(t, err)
			assert.Equal(t, tc.ready, hs.Ready)
			assert.Equal(t, 2, hs.Total)
			assert.Equal(t, tc.degraded, hs.Degraded)
			assert.True(t, conn.closed, "connection must be closed after probing")
		})
	}
}

func TestReadinessConnectionFailure(t *testing.T) {
	p, err := New(Options{
		Units: []string{"containerd.service"},
		Dial: func(context.Context) (Conn, error) {
			return nil, assert.AnError
		},
	})
	require.NoError(t, err)

	_, err = p.Readiness(context.Background(), rollout.Target{ID: "ws-01"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnavailable),
		"systemd outages must classify as transient, got %v", err)
}

func TestNewRequiresUnits(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidRequest))
}
