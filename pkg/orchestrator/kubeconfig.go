// Package orchestrator isolates unhealthy hosts by cordoning, tainting, and
// evicting workloads from the affected Kubernetes node.
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// BuildKubeConfig creates a Kubernetes REST config. It tries in-cluster
// config first (the expected deployment mode for a node-resident daemon),
// then falls back to a kubeconfig file from $KUBECONFIG or ~/.kube/config.
func BuildKubeConfig(kubeconfigPath string) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}

	if kubeconfigPath == "" {
		kubeconfigPath = os.Getenv("KUBECONFIG")
	}
	if kubeconfigPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory for kubeconfig: %w", err)
		}
		kubeconfigPath = filepath.Join(home, ".kube", "config")
	}

	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig %s: %w", kubeconfigPath, err)
	}
	return cfg, nil
}

// NewClientset builds a Kubernetes clientset from the given kubeconfig
// path (empty string triggers the in-cluster-then-default-kubeconfig
// fallback in BuildKubeConfig).
func NewClientset(kubeconfigPath string) (kubernetes.Interface, error) {
	cfg, err := BuildKubeConfig(kubeconfigPath)
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(cfg)
}
