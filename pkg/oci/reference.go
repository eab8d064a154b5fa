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

// Package oci moves operation bundles, the scripts and payloads a rollout's
// Operate phase applies on each target, through OCI registries. Factory
// sites mirror a registry locally, so bundles travel the same channel as
// container images.
package oci

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"

	apperrors "github.com/NVIDIA/takt/pkg/errors"
)

// URIScheme prefixes registry references in plan files and CLI flags,
// e.g. "oci://registry.local/ops/kernel-patch:2025-08".
const URIScheme = "oci://"

// Ref is a parsed operation bundle reference.
type Ref struct {
	// Registry is the registry host, e.g. "registry.factory.local:5000".
	Registry string
	// Repository is the repository path, e.g. "ops/kernel-patch".
	Repository string
	// Tag is the bundle version tag. Empty when the reference carried none;
	// the caller applies a default.
	Tag string
}

// ParseRef parses a bundle reference with or without the oci:// scheme.
func ParseRef(s string) (*Ref, error) {
	trimmed := strings.TrimPrefix(s, URIScheme)
	if trimmed == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidRequest, "empty bundle reference")
	}

	named, err := reference.ParseNormalizedNamed(trimmed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInvalidRequest,
			fmt.Sprintf("invalid bundle reference %q", s), err)
	}

	r := &Ref{
		Registry:   reference.Domain(named),
		Repository: reference.Path(named),
	}
	if tagged, ok := named.(reference.Tagged); ok {
		r.Tag = tagged.Tag()
	}
	return r, nil
}

// String returns the reference in oci:// form.
func (r *Ref) String() string {
	if r.Tag == "" {
		return fmt.Sprintf("%s%s/%s", URIScheme, r.Registry, r.Repository)
	}
	return fmt.Sprintf("%s%s/%s:%s", URIScheme, r.Registry, r.Repository, r.Tag)
}

// Image returns the Docker-style reference without the scheme, the form the
// registry client and node annotations use.
func (r *Ref) Image() string {
	if r.Tag == "" {
		return fmt.Sprintf("%s/%s", r.Registry, r.Repository)
	}
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.Tag)
}

// WithTag returns a copy of the reference carrying the given tag.
func (r *Ref) WithTag(tag string) *Ref {
	out := *r
	out.Tag = tag
	return &out
}
