package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/NavarchProject/gdnd/pkg/notify"
	"github.com/NavarchProject/gdnd/pkg/retry"
	"github.com/NavarchProject/gdnd/pkg/statemachine"
)

// apiRetryConfig governs retries of transient Kubernetes API server errors
// (throttling, timeouts, momentary unavailability) encountered while
// applying isolation actions. Non-transient errors (not found, conflict,
// forbidden) are never retried.
var apiRetryConfig = retry.Config{
	MaxAttempts:   3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	Multiplier:    2.0,
	Jitter:        0.1,
	RetryableFunc: isRetryableAPIError,
}

func isRetryableAPIError(err error) bool {
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsServiceUnavailable(err)
}

// mirrorPodAnnotation marks a static pod mirrored from the kubelet; such
// pods cannot be evicted through the API and must be left running.
const mirrorPodAnnotation = "kubernetes.io/config.mirror"

// systemPodPrefixes lists kube-system daemon names that must never be
// evicted even if they aren't DaemonSet-owned in this cluster's setup.
var systemPodPrefixes = []string{"kube-proxy", "kube-flannel", "calico-node"}

// NodeOperator applies isolation and recovery actions to a single
// Kubernetes node. Every mutating method is dry-run gated: in dry-run mode
// it logs the action it would have taken and returns nil without calling
// the API.
type NodeOperator struct {
	client         kubernetes.Interface
	nodeName       string
	dryRun         bool
	log            *slog.Logger
	notifier       notify.Notifier
	skipAnnotation string
}

// NewNodeOperator creates a NodeOperator bound to one node.
func NewNodeOperator(client kubernetes.Interface, nodeName string, dryRun bool, log *slog.Logger) *NodeOperator {
	if log == nil {
		log = slog.Default()
	}
	return &NodeOperator{client: client, nodeName: nodeName, dryRun: dryRun, log: log}
}

// WithNotifier routes isolation alerts through n in addition to the
// structured logger. Without one, alerts are logged only.
func (n *NodeOperator) WithNotifier(notifier notify.Notifier) *NodeOperator {
	n.notifier = notifier
	return n
}

// WithSkipAnnotation configures the pod annotation key (isolation.skip_annotation)
// whose presence, set to any value, marks a pod as never-evict, alongside
// the mirror-pod and DaemonSet/system-prefix rules.
func (n *NodeOperator) WithSkipAnnotation(key string) *NodeOperator {
	n.skipAnnotation = key
	return n
}

// Execute applies every action in a state-machine Transition in order,
// stopping at the first failure.
func (n *NodeOperator) Execute(ctx context.Context, transition statemachine.Transition) error {
	correlationID := uuid.NewString()
	n.log.Info("applying transition", "node", n.nodeName, "correlation_id", correlationID,
		"from", transition.From, "to", transition.To, "actions", len(transition.Actions))
	for _, action := range transition.Actions {
		if err := n.executeAction(ctx, action); err != nil {
			return fmt.Errorf("execute action %v (correlation_id %s): %w", action.Kind, correlationID, err)
		}
	}
	return nil
}

func (n *NodeOperator) executeAction(ctx context.Context, action statemachine.Action) error {
	switch action.Kind {
	case statemachine.ActionCordon:
		return n.Cordon(ctx)
	case statemachine.ActionUncordon:
		return n.Uncordon(ctx)
	case statemachine.ActionTaint:
		return n.AddTaint(ctx, action.TaintKey, action.TaintValue, string(action.TaintEffect))
	case statemachine.ActionRemoveTaint:
		return n.RemoveTaint(ctx, action.TaintKey)
	case statemachine.ActionEvictPods:
		return n.EvictPods(ctx)
	case statemachine.ActionAlert:
		n.sendAlert(ctx, action.AlertSeverity, action.AlertMessage)
		return nil
	default:
		return fmt.Errorf("unknown action kind %v", action.Kind)
	}
}

// Isolate is a convenience wrapper cordoning and tainting a node (and
// evicting its pods if cfg says so) in one call, independent of the state
// machine's own Transition plumbing.
func (n *NodeOperator) Isolate(ctx context.Context, taintKey, taintValue, taintEffect string, evict bool) error {
	if err := n.Cordon(ctx); err != nil {
		return err
	}
	if err := n.AddTaint(ctx, taintKey, taintValue, taintEffect); err != nil {
		return err
	}
	if evict {
		return n.EvictPods(ctx)
	}
	return nil
}

// Unisolate reverses Isolate: removes the taint and uncordons the node.
func (n *NodeOperator) Unisolate(ctx context.Context, taintKey string) error {
	if err := n.RemoveTaint(ctx, taintKey); err != nil {
		return err
	}
	return n.Uncordon(ctx)
}

func (n *NodeOperator) Cordon(ctx context.Context) error {
	if n.dryRun {
		n.log.Info("dry-run: would cordon node", "node", n.nodeName)
		return nil
	}
	patch := []byte(`{"spec":{"unschedulable":true}}`)
	err := retry.Do(ctx, apiRetryConfig, func(ctx context.Context) error {
		_, err := n.client.CoreV1().Nodes().Patch(ctx, n.nodeName, types.MergePatchType, patch, metav1.PatchOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("cordon node %s: %w", n.nodeName, err)
	}
	n.log.Info("cordoned node", "node", n.nodeName)
	return nil
}

func (n *NodeOperator) Uncordon(ctx context.Context) error {
	if n.dryRun {
		n.log.Info("dry-run: would uncordon node", "node", n.nodeName)
		return nil
	}
	patch := []byte(`{"spec":{"unschedulable":false}}`)
	err := retry.Do(ctx, apiRetryConfig, func(ctx context.Context) error {
		_, err := n.client.CoreV1().Nodes().Patch(ctx, n.nodeName, types.MergePatchType, patch, metav1.PatchOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("uncordon node %s: %w", n.nodeName, err)
	}
	n.log.Info("uncordoned node", "node", n.nodeName)
	return nil
}

func (n *NodeOperator) AddTaint(ctx context.Context, key, value, effect string) error {
	if n.dryRun {
		n.log.Info("dry-run: would add taint", "node", n.nodeName, "key", key, "value", value, "effect", effect)
		return nil
	}

	alreadyTainted := false
	err := retry.Do(ctx, apiRetryConfig, func(ctx context.Context) error {
		node, err := n.client.CoreV1().Nodes().Get(ctx, n.nodeName, metav1.GetOptions{})
		if err != nil {
			return err
		}

		for _, t := range node.Spec.Taints {
			if t.Key == key {
				alreadyTainted = true
				return nil
			}
		}

		taints := append(node.Spec.Taints, corev1.Taint{
			Key:    key,
			Value:  value,
			Effect: corev1.TaintEffect(effect),
		})
		patchBytes, err := json.Marshal(map[string]any{"spec": map[string]any{"taints": taints}})
		if err != nil {
			return err
		}
		_, err = n.client.CoreV1().Nodes().Patch(ctx, n.nodeName, types.MergePatchType, patchBytes, metav1.PatchOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("add taint to node %s: %w", n.nodeName, err)
	}
	if alreadyTainted {
		return nil
	}
	n.log.Info("added taint", "node", n.nodeName, "key", key, "value", value, "effect", effect)
	return nil
}

func (n *NodeOperator) RemoveTaint(ctx context.Context, key string) error {
	if n.dryRun {
		n.log.Info("dry-run: would remove taint", "node", n.nodeName, "key", key)
		return nil
	}

	found := false
	err := retry.Do(ctx, apiRetryConfig, func(ctx context.Context) error {
		node, err := n.client.CoreV1().Nodes().Get(ctx, n.nodeName, metav1.GetOptions{})
		if err != nil {
			return err
		}

		remaining := make([]corev1.Taint, 0, len(node.Spec.Taints))
		for _, t := range node.Spec.Taints {
			if t.Key == key {
				found = true
				continue
			}
			remaining = append(remaining, t)
		}
		if !found {
			return nil
		}

		patchBytes, err := json.Marshal(map[string]any{"spec": map[string]any{"taints": remaining}})
		if err != nil {
			return err
		}
		_, err = n.client.CoreV1().Nodes().Patch(ctx, n.nodeName, types.MergePatchType, patchBytes, metav1.PatchOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("remove taint from node %s: %w", n.nodeName, err)
	}
	if !found {
		return nil // idempotent no-op
	}
	n.log.Info("removed taint", "node", n.nodeName, "key", key)
	return nil
}

func (n *NodeOperator) EvictPods(ctx context.Context) error {
	pods, err := retry.DoWithValue(ctx, apiRetryConfig, func(ctx context.Context) (*corev1.PodList, error) {
		return n.client.CoreV1().Pods("").List(ctx, metav1.ListOptions{
			FieldSelector: fields.OneTermEqualSelector("spec.nodeName", n.nodeName).String(),
		})
	})
	if err != nil {
		return fmt.Errorf("list pods on node %s: %w", n.nodeName, err)
	}

	for _, pod := range pods.Items {
		if shouldSkipPod(pod, n.skipAnnotation) {
			n.log.Debug("skipping protected pod", "pod", pod.Name, "namespace", pod.Namespace)
			continue
		}
		if n.dryRun {
			n.log.Info("dry-run: would evict pod", "pod", pod.Name, "namespace", pod.Namespace)
			continue
		}
		eviction := &policyv1.Eviction{
			ObjectMeta: metav1.ObjectMeta{Name: pod.Name, Namespace: pod.Namespace},
		}
		if err := n.client.PolicyV1().Evictions(pod.Namespace).Evict(ctx, eviction); err != nil {
			return fmt.Errorf("evict pod %s/%s: %w", pod.Namespace, pod.Name, err)
		}
		n.log.Info("evicted pod", "pod", pod.Name, "namespace", pod.Namespace)
	}
	return nil
}

// shouldSkipPod reports whether a pod must never be evicted by the agent:
// mirror (static) pods, pods carrying the configured skip annotation,
// DaemonSet-owned pods, and the core kube-system networking daemons that
// keep the node itself reachable. skipAnnotation is isolation.skip_annotation
// from config; empty disables that check.
func shouldSkipPod(pod corev1.Pod, skipAnnotation string) bool {
	if _, ok := pod.Annotations[mirrorPodAnnotation]; ok {
		return true
	}
	if skipAnnotation != "" {
		if _, ok := pod.Annotations[skipAnnotation]; ok {
			return true
		}
	}
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	if pod.Namespace == "kube-system" {
		for _, prefix := range systemPodPrefixes {
			if strings.HasPrefix(pod.Name, prefix) {
				return true
			}
		}
	}
	return false
}

// sendAlert routes an isolation alert through the structured logger,
// severity-mapped to log level, and through the configured notifier, if any.
func (n *NodeOperator) sendAlert(ctx context.Context, severity, message string) {
	switch severity {
	case "critical":
		n.log.Error("isolation alert", "node", n.nodeName, "severity", severity, "message", message)
	case "warning":
		n.log.Warn("isolation alert", "node", n.nodeName, "severity", severity, "message", message)
	default:
		n.log.Info("isolation alert", "node", n.nodeName, "severity", severity, "message", message)
	}

	if n.notifier == nil {
		return
	}
	event := notify.Event{
		Type:      "gpu_isolated",
		Message:   fmt.Sprintf("node %s: %s", n.nodeName, message),
		Timestamp: time.Now().Unix(),
	}
	if err := n.notifier.Notify(ctx, event); err != nil {
		n.log.Warn("notifier failed to send isolation alert", "error", err)
	}
}

