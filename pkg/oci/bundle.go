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

package oci

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	oras "oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/file"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"

	apperrors "github.com/NVIDIA/takt/pkg/errors"
)

// ArtifactType is the manifest artifact type for takt operation bundles.
const ArtifactType = "application/vnd.nvidia.takt.bundle"

// PushOptions configures a bundle push.
type PushOptions struct {
	// SourceDir is the bundle directory to package and push.
	SourceDir string
	// Ref is the destination. A tag is required.
	Ref *Ref
	// Annotations are extra manifest annotations.
	Annotations map[string]string
	// PlainHTTP uses HTTP for the registry connection.
	PlainHTTP bool
	// InsecureTLS skips TLS certificate verification.
	InsecureTLS bool
}

// PushResult describes a pushed bundle.
type PushResult struct {
	// Digest is the manifest digest.
	Digest string
	// Reference is the full image reference that was pushed.
	Reference string
}

// Push packages a bundle directory as an OCI artifact and pushes it.
func Push(ctx context.Context, opts PushOptions) (*PushResult, error) {
	if opts.Ref == nil || opts.Ref.Tag == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidRequest, "a tagged bundle reference is required")
	}

	absDir, err := filepath.Abs(opts.SourceDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "resolve bundle directory", err)
	}

	fs, err := file.New(absDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "create file store", err)
	}
	defer func() { _ = fs.Close() }()

	// Deterministic tars keep the digest stable across rebuilds of the same
	// bundle content.
	fs.TarReproducible = true

	layer, err := fs.Add(ctx, ".", ociv1.MediaTypeImageLayerGzip, absDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "add bundle directory to store", err)
	}

	manifest, err := oras.PackManifest(ctx, fs, oras.PackManifestVersion1_1, ArtifactType,
		oras.PackManifestOptions{
			Layers:              []ociv1.Descriptor{layer},
			ManifestAnnotations: opts.Annotations,
		})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "pack bundle manifest", err)
	}
	if err := fs.Tag(ctx, manifest, opts.Ref.Tag); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "tag bundle manifest", err)
	}

	repo, err := newRepository(opts.Ref, opts.PlainHTTP, opts.InsecureTLS)
	if err != nil {
		return nil, err
	}

	desc, err := oras.Copy(ctx, fs, opts.Ref.Tag, repo, opts.Ref.Tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeUnavailable,
			fmt.Sprintf("push bundle to %s", opts.Ref.Image()), err)
	}

	slog.Info("bundle pushed", "reference", opts.Ref.Image(), "digest", desc.Digest.String())
	return &PushResult{Digest: desc.Digest.String(), Reference: opts.Ref.Image()}, nil
}

// PullOptions configures a bundle pull.
type PullOptions struct {
	// Ref is the bundle to pull. A tag is required.
	Ref *Ref
	// DestDir is where the bundle content lands.
	DestDir string
	// PlainHTTP uses HTTP for the registry connection.
	PlainHTTP bool
	// InsecureTLS skips TLS certificate verification.
	InsecureTLS bool
}

// PullResult describes a pulled bundle.
type PullResult struct {
	// Digest is the manifest digest.
	Digest string
	// Path is the directory the bundle was extracted into.
	Path string
}

// Pull fetches an operation bundle into a local directory. The node agent
// uses it to materialize the bundle named by the operation annotation.
func Pull(ctx context.Context, opts PullOptions) (*PullResult, error) {
	if opts.Ref == nil || opts.Ref.Tag == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidRequest, "a tagged bundle reference is required")
	}

	absDir, err := filepath.Abs(opts.DestDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "resolve destination directory", err)
	}

	fs, err := file.New(absDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "create file store", err)
	}
	defer func() { _ = fs.Close() }()

	repo, err := newRepository(opts.Ref, opts.PlainHTTP, opts.InsecureTLS)
	if err != nil {
		return nil, err
	}

	desc, err := oras.Copy(ctx, repo, opts.Ref.Tag, fs, opts.Ref.Tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeUnavailable,
			fmt.Sprintf("pull bundle %s", opts.Ref.Image()), err)
	}

	slog.Info("bundle pulled", "reference", opts.Ref.Image(), "digest", desc.Digest.String(), "path", absDir)
	return &PullResult{Digest: desc.Digest.String(), Path: absDir}, nil
}

func newRepository(ref *Ref, plainHTTP, insecureTLS bool) (*remote.Repository, error) {
	repo, err := remote.NewRepository(fmt.Sprintf("%s/%s", ref.Registry, ref.Repository))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInvalidRequest,
			fmt.Sprintf("initialize repository %s/%s", ref.Registry, ref.Repository), err)
	}
	repo.PlainHTTP = plainHTTP
	repo.Client = newAuthClient(plainHTTP, insecureTLS)
	return repo, nil
}

// newAuthClient builds the registry HTTP client, reusing Docker credentials
// when present.
func newAuthClient(plainHTTP, insecureTLS bool) *auth.Client {
	credStore, _ := credentials.NewStoreFromDocker(credentials.StoreOptions{})

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !plainHTTP && insecureTLS {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		} else {
			transport.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec
		}
	}

	return &auth.Client{
		Client:     &http.Client{Transport: transport},
		Cache:      auth.NewCache(),
		Credential: credentials.Credential(credStore),
	}
}
