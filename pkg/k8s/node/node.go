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

// Package node implements the rollout actuator and readiness prober over
// Kubernetes nodes: drain is cordon plus pod eviction, restore is uncordon,
// and the Operate action is handed to the on-node maintenance agent through
// node annotations.
package node

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	v1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/ptr"

	"golang.org/x/time/rate"

	"github.com/NVIDIA/takt/pkg/defaults"
	"github.com/NVIDIA/takt/pkg/errors"
	"github.com/NVIDIA/takt/pkg/k8s/client"
	"github.com/NVIDIA/takt/pkg/rollout"
)

const (
	// OperationAnnotation carries the pending operation name; the on-node
	// maintenance agent watches it and applies the referenced bundle.
	OperationAnnotation = "takt.nvidia.com/operation"
	// BundleAnnotation carries the OCI reference of the operation bundle.
	BundleAnnotation = "takt.nvidia.com/operation-bundle"
	// ParamsAnnotation carries the operation parameters as JSON.
	ParamsAnnotation = "takt.nvidia.com/operation-params"
)

// Options configures the fleet actuator.
type Options struct {
	// Client is the Kubernetes client. Required.
	Client client.Interface
	// GracePeriodSeconds overrides the pod termination grace period during
	// eviction. Zero keeps each pod's own setting.
	GracePeriodSeconds int64
	// EvictionInterval is the poll interval while waiting for evicted pods
	// to leave a node. Defaults to defaults.DrainEvictionInterval.
	EvictionInterval time.Duration
	// RateLimit and RateBurst bound API server calls.
	RateLimit rate.Limit
	RateBurst int
}

// Fleet drives nodes through drain, operate, and restore, and samples their
// readiness. Implements rollout.Actuator and rollout.Prober.
type Fleet struct {
	client   client.Interface
	limiter  *rate.Limiter
	grace    *int64
	interval time.Duration
}

// New creates a fleet actuator.
func New(opts Options) (*Fleet, error) {
	if opts.Client == nil {
		return nil, errors.New(errors.ErrCodeInvalidRequest, "kubernetes client is required")
	}
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = defaults.DrainEvictionInterval
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaults.ProbeRateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = defaults.ProbeRateBurst
	}

	f := &Fleet{
		client:   opts.Client,
		limiter:  rate.NewLimiter(opts.RateLimit, opts.RateBurst),
		interval: opts.EvictionInterval,
	}
	if opts.GracePeriodSeconds > 0 {
		f.grace = ptr.To(opts.GracePeriodSeconds)
	}
	return f, nil
}

// Drain implements rollout.Actuator: cordon the node, then evict every
// evictable pod and wait until they are gone. In-flight work relocates
// through normal pod termination; daemonset and mirror pods stay.
func (f *Fleet) Drain(ctx context.Context, t rollout.Target) error {
	if err := f.setUnschedulable(ctx, t.ID, true); err != nil {
		return err
	}
	slog.Info("node cordoned", "node", t.ID)

	err := wait.PollUntilContextCancel(ctx, f.interval, true, func(ctx context.Context) (bool, error) {
		pods, err := f.evictablePods(ctx, t.ID)
		if err != nil {
			return false, err
		}
		if len(pods) == 0 {
			return true, nil
		}

		for _, p := range pods {
			if err := f.limiter.Wait(ctx); err != nil {
				return false, err
			}
			ev := &policyv1.Eviction{
				ObjectMeta:    metav1.ObjectMeta{Name: p.Name, Namespace: p.Namespace},
				DeleteOptions: &metav1.DeleteOptions{GracePeriodSeconds: f.grace},
			}
			err := f.client.PolicyV1().Evictions(p.Namespace).Evict(ctx, ev)
			switch {
			case err == nil, apierrors.IsNotFound(err):
			case apierrors.IsTooManyRequests(err):
				// a disruption budget is blocking; retry next round
				slog.Debug("eviction blocked by disruption budget",
					"node", t.ID, "pod", p.Namespace+"/"+p.Name)
			default:
				return false, classify(fmt.Sprintf("evict pod %s/%s", p.Namespace, p.Name), err)
			}
		}
		return false, nil
	})
	if err != nil {
		return classify(fmt.Sprintf("drain node %s", t.ID), err)
	}

	slog.Info("node drained", "node", t.ID)
	return nil
}

// Apply implements rollout.Actuator: it records the operation on the node as
// annotations for the on-node maintenance agent to pick up.
func (f *Fleet) Apply(ctx context.Context, t rollout.Target, op rollout.OperationSpec) error {
	ann := map[string]any{
		OperationAnnotation: op.Name,
	}
	if op.BundleRef != "" {
		ann[BundleAnnotation] = op.BundleRef
	}
	if len(op.Params) > 0 {
		params, err := json.Marshal(op.Params)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidRequest, "encode operation params", err)
		}
		ann[ParamsAnnotation] = string(params)
	}

	if err := f.annotate(ctx, t.ID, ann); err != nil {
		return err
	}
	slog.Info("operation handed to node agent", "node", t.ID, "operation", op.Name)
	return nil
}

// Restore implements rollout.Actuator: clear the operation annotations and
// uncordon the node.
func (f *Fleet) Restore(ctx context.Context, t rollout.Target) error {
	clear := map[string]any{
		OperationAnnotation: nil,
		BundleAnnotation:    nil,
		ParamsAnnotation:    nil,
	}
	if err := f.annotate(ctx, t.ID, clear); err != nil {
		return err
	}
	if err := f.setUnschedulable(ctx, t.ID, false); err != nil {
		return err
	}
	slog.Info("node restored to service", "node", t.ID)
	return nil
}

// Readiness implements rollout.Prober. A node is ready when its kubelet
// reports Ready; cordoning does not affect readiness, drained nodes still
// probe ready. Pressure conditions mark the snapshot degraded.
func (f *Fleet) Readiness(ctx context.Context, t rollout.Target) (rollout.HealthSnapshot, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return rollout.HealthSnapshot{}, err
	}

	n, err := f.client.CoreV1().Nodes().Get(ctx, t.ID, metav1.GetOptions{})
	if err != nil {
		return rollout.HealthSnapshot{}, classify(fmt.Sprintf("get node %s", t.ID), err)
	}

	hs := rollout.HealthSnapshot{Total: 1, SampledAt: time.Now().UTC()}
	for _, c := range n.Status.Conditions {
		switch c.Type {
		case v1.NodeReady:
			if c.Status == v1.ConditionTrue {
				hs.Ready = 1
			}
		case v1.NodeMemoryPressure, v1.NodeDiskPressure, v1.NodePIDPressure:
			if c.Status == v1.ConditionTrue {
				hs.Degraded = true
			}
		}
	}
	return hs, nil
}

func (f *Fleet) setUnschedulable(ctx context.Context, name string, val bool) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	payload := fmt.Sprintf(`{"spec":{"unschedulable":%t}}`, val)
	_, err := f.client.CoreV1().Nodes().Patch(ctx, name,
		types.MergePatchType, []byte(payload), metav1.PatchOptions{})
	return classify(fmt.Sprintf("set node %s unschedulable=%t", name, val), err)
}

func (f *Fleet) annotate(ctx context.Context, name string, ann map[string]any) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"annotations": ann},
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, "encode annotation patch", err)
	}
	_, err = f.client.CoreV1().Nodes().Patch(ctx, name,
		types.MergePatchType, payload, metav1.PatchOptions{})
	return classify(fmt.Sprintf("annotate node %s", name), err)
}

// evictablePods lists pods on the node that eviction should move: not
// daemonset-owned, not mirror pods, not already finished or terminating.
// The node-name filter is applied client side as well because fake clients
// ignore field selectors.
func (f *Fleet) evictablePods(ctx context.Context, nodeName string) ([]v1.Pod, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	list, err := f.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + nodeName,
	})
	if err != nil {
		return nil, classify(fmt.Sprintf("list pods on node %s", nodeName), err)
	}

	var out []v1.Pod
	for _, p := range list.Items {
		if p.Spec.NodeName != nodeName || p.DeletionTimestamp != nil {
			continue
		}
		if p.Status.Phase == v1.PodSucceeded || p.Status.Phase == v1.PodFailed {
			continue
		}
		if _, mirror := p.Annotations[v1.MirrorPodAnnotationKey]; mirror {
			continue
		}
		if ownedByDaemonSet(&p) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func ownedByDaemonSet(p *v1.Pod) bool {
	for _, ref := range p.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

// classify maps API server errors onto the rollout error taxonomy so the
// executor retries only what is worth retrying. A deadline expiry is a
// timeout, not a cancellation: the phase budget ran out while the work was
// still wanted.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case apierrors.IsNotFound(err):
		return errors.Wrap(errors.ErrCodeNotFound, op, err)
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err),
		apierrors.IsTooManyRequests(err), apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err):
		return errors.Wrap(errors.ErrCodeUnavailable, op, err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(errors.ErrCodeTimeout, op, err)
	case wait.Interrupted(err):
		return errors.Wrap(errors.ErrCodeCancelled, op, err)
	default:
		return errors.Wrap(errors.ErrCodeInternal, op, err)
	}
}
