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

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestStructuredErrorMessage(t *testing.T) {
	err := New(ErrCodeInvalidPlan, "empty target set")
	if got, want := err.Error(), "[INVALID_PLAN] empty target set"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := Wrap(ErrCodeHealthTimeout, "gate failed", stderrors.New("boom"))
	if got, want := wrapped.Error(), "[HEALTH_TIMEOUT] gate failed: boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(ErrCodeUnavailable, "drain failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}

	// codes survive further fmt.Errorf wrapping
	outer := fmt.Errorf("batch 3: %w", err)
	if CodeOf(outer) != ErrCodeUnavailable {
		t.Errorf("CodeOf(outer) = %v, want %v", CodeOf(outer), ErrCodeUnavailable)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"structured", New(ErrCodeNotFound, "x"), ErrCodeNotFound},
		{"wrapped", fmt.Errorf("outer: %w", New(ErrCodeCancelled, "x")), ErrCodeCancelled},
		{"plain error", stderrors.New("x"), ErrCodeInternal},
		{"nil-ish cause", Wrap(ErrCodeInvalidPlan, "x", nil), ErrCodeInvalidPlan},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", New(ErrCodeTimeout, "x"), true},
		{"unavailable", New(ErrCodeUnavailable, "x"), true},
		{"rate limit", New(ErrCodeRateLimitExceeded, "x"), true},
		{"invalid plan", New(ErrCodeInvalidPlan, "x"), false},
		{"not found", New(ErrCodeNotFound, "x"), false},
		{"cancelled", New(ErrCodeCancelled, "x"), false},
		{"plain error is permanent", stderrors.New("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("wrap: %w", New(ErrCodeRolloutAborted, "stop"))
	if !IsCode(err, ErrCodeRolloutAborted) {
		t.Error("expected IsCode to match through wrap chain")
	}
	if IsCode(err, ErrCodeNotFound) {
		t.Error("unexpected code match")
	}
}
