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

// Package server exposes the rollout command surface over HTTP: submitting
// plans, querying status, and pausing, resuming, or cancelling rollouts.
package server

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/NVIDIA/takt/pkg/defaults"
)

// Config holds server configuration.
type Config struct {
	// Server identity, reported on the default route.
	Name    string
	Version string

	// Listen address and port.
	Address string
	Port    int

	// Rate limiting for the API routes.
	RateLimit      rate.Limit
	RateLimitBurst int

	// MaxBodyBytes caps request body size for plan submissions.
	MaxBodyBytes int64

	// Timeouts.
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults, with PORT and
// SHUTDOWN_TIMEOUT_SECONDS environment overrides applied.
func DefaultConfig() *Config {
	cfg := &Config{
		Name:            "taktd",
		Version:         "dev",
		Address:         "",
		Port:            8080,
		RateLimit:       100,
		RateLimitBurst:  200,
		MaxBodyBytes:    1 << 20,
		ReadTimeout:     defaults.ServerReadTimeout,
		WriteTimeout:    defaults.ServerWriteTimeout,
		IdleTimeout:     defaults.ServerIdleTimeout,
		ShutdownTimeout: defaults.ServerShutdownTimeout,
	}

	if portStr := os.Getenv("PORT"); portStr != "" {
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err == nil {
			cfg.Port = port
		}
	}

	// Shutdown must finish inside the pod eviction grace period.
	if shutdownStr := os.Getenv("SHUTDOWN_TIMEOUT_SECONDS"); shutdownStr != "" {
		var seconds int
		if _, err := fmt.Sscanf(shutdownStr, "%d", &seconds); err == nil && seconds > 0 {
			cfg.ShutdownTimeout = time.Duration(seconds) * time.Second
		}
	}

	return cfg
}
