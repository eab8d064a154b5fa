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

// Package client builds the Kubernetes client the node actuator and probes
// share. One client per process; the API server is a shared resource.
package client

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Interface aliases kubernetes.Interface so callers and tests (via
// fake.NewClientset) share a type.
type Interface = kubernetes.Interface

var (
	once   sync.Once
	cached Interface
	err    error
)

// Get returns the process-wide Kubernetes client, creating it on first call.
// Configuration is discovered from the KUBECONFIG environment variable, then
// ~/.kube/config, then the in-cluster service account.
func Get() (Interface, error) {
	once.Do(func() {
		cached, err = Build("")
	})
	return cached, err
}

// Build creates a client from the given kubeconfig path, bypassing the
// cache. An empty path uses the same discovery order as Get.
func Build(kubeconfig string) (Interface, error) {
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home := filepath.Join(homedir.HomeDir(), ".kube", "config")
			if _, statErr := os.Stat(home); statErr == nil {
				kubeconfig = home
			}
		}
	}

	var (
		cfg      *rest.Config
		buildErr error
	)
	if kubeconfig == "" {
		cfg, buildErr = rest.InClusterConfig()
		if buildErr != nil {
			return nil, fmt.Errorf("in-cluster config: %w", buildErr)
		}
	} else {
		cfg, buildErr = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if buildErr != nil {
			return nil, fmt.Errorf("build kube config from %s: %w", kubeconfig, buildErr)
		}
	}

	cs, buildErr := kubernetes.NewForConfig(cfg)
	if buildErr != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", buildErr)
	}
	return cs, nil
}
