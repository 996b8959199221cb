package orchestrator

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestShouldSkipPod(t *testing.T) {
	tests := []struct {
		name           string
		pod            corev1.Pod
		skipAnnotation string
		want           bool
	}{
		{
			name: "mirror pod",
			pod:  corev1.Pod{ObjectMeta: metav1.ObjectMeta{Annotations: map[string]string{mirrorPodAnnotation: "true"}}},
			want: true,
		},
		{
			name: "daemonset owned",
			pod:  corev1.Pod{ObjectMeta: metav1.ObjectMeta{OwnerReferences: []metav1.OwnerReference{{Kind: "DaemonSet"}}}},
			want: true,
		},
		{
			name: "kube-proxy in kube-system",
			pod:  corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "kube-system", Name: "kube-proxy-abcde"}},
			want: true,
		},
		{
			name: "regular pod",
			pod:  corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "training-job-0"}},
			want: false,
		},
		{
			name: "named like daemon but not kube-system",
			pod:  corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "kube-proxy-lookalike"}},
			want: false,
		},
		{
			name:           "configured skip annotation present",
			pod:            corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "pinned-job", Annotations: map[string]string{"gdnd.io/skip-eviction": "true"}}},
			skipAnnotation: "gdnd.io/skip-eviction",
			want:           true,
		},
		{
			name:           "skip annotation configured but absent",
			pod:            corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "training-job-1"}},
			skipAnnotation: "gdnd.io/skip-eviction",
			want:           false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldSkipPod(tt.pod, tt.skipAnnotation); got != tt.want {
				t.Errorf("shouldSkipPod() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCordonDryRun(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-1"}})
	op := NewNodeOperator(client, "node-1", true, nil)

	if err := op.Cordon(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	node, _ := client.CoreV1().Nodes().Get(context.Background(), "node-1", metav1.GetOptions{})
	if node.Spec.Unschedulable {
		t.Error("dry-run cordon must not mutate the node")
	}
}

func TestAddTaintIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-1"},
		Spec: corev1.NodeSpec{Taints: []corev1.Taint{
			{Key: "nvidia.com/gpu-health", Value: "failed", Effect: corev1.TaintEffectNoSchedule},
		}},
	})
	op := NewNodeOperator(client, "node-1", false, nil)

	if err := op.AddTaint(context.Background(), "nvidia.com/gpu-health", "failed", "NoSchedule"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	node, _ := client.CoreV1().Nodes().Get(context.Background(), "node-1", metav1.GetOptions{})
	if len(node.Spec.Taints) != 1 {
		t.Errorf("expected taint to remain singular, got %d", len(node.Spec.Taints))
	}
}

func TestCordonMutatesNode(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-1"}})
	op := NewNodeOperator(client, "node-1", false, nil)

	if err := op.Cordon(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	node, _ := client.CoreV1().Nodes().Get(context.Background(), "node-1", metav1.GetOptions{})
	if !node.Spec.Unschedulable {
		t.Error("expected node to be cordoned")
	}
}
