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

// Package errors provides structured error types with classification codes
// shared across takt components.
//
// Every error that crosses a package boundary carries an ErrorCode so callers
// can branch programmatically instead of matching message strings. The phase
// executor uses IsTransient to decide retry eligibility; the HTTP server maps
// codes to status codes; the CLI maps them to exit codes.
//
// Usage:
//
//	if err := probe.Readiness(ctx, target); err != nil {
//	    return errors.Wrap(errors.ErrCodeUnavailable, "readiness probe failed", err)
//	}
package errors
