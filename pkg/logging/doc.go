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

// Package logging provides structured logging utilities for takt components.
//
// It wraps the standard library slog package with takt-specific defaults:
// JSON output to stderr, environment-based level configuration (LOG_LEVEL),
// module/version context injection, and source location tracking for debug
// logs.
//
// Setting the default logger (recommended):
//
//	func main() {
//	    logging.SetDefaultStructuredLogger("takt", version)
//
//	    slog.Info("rollout started", "rollout", id, "batches", n)
//	    slog.Error("phase failed", "error", err, "batch", idx)
//	}
//
// The LOG_LEVEL environment variable controls verbosity (debug, info, warn,
// error; default info):
//
//	LOG_LEVEL=debug takt plan --config rollout.yaml
//
// All components share this format so daemon and CLI logs aggregate cleanly.
package logging
