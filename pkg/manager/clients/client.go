package clients

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"k8s.io/client-go/kubernetes"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	"k8s.io/klog/v2"
)

type K8sClient kubernetes.Interface

type ClientSet struct {
	K8sClient
	*rest.Config
}

func NewClientSetWithOptions(qps float32, burst int) (*ClientSet, error) {
	client := &ClientSet{}
	// Try to use in-cluster config first (when running inside a Kubernetes pod)
	config, err := rest.InClusterConfig()
	if err != nil {
		// Fall back to kubeconfig file if not running in cluster
		var kubeconfig string
		if kubeconfigEnv := os.Getenv("KUBECONFIG"); kubeconfigEnv != "" {
			kubeconfig = kubeconfigEnv
		} else {
			if home := homedir.HomeDir(); home != "" {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build config from kubeconfig: %w", err)
		}
	}

	config.QPS = qps
	config.Burst = burst

	// Environment overrides win over flags so sidecar-injected settings apply
	// without a redeploy.
	if qpsStr := os.Getenv("KUBE_CLIENT_QPS"); qpsStr != "" {
		if qpsEnv, err := strconv.ParseFloat(qpsStr, 32); err == nil {
			config.QPS = float32(qpsEnv)
		}
	}
	if burstStr := os.Getenv("KUBE_CLIENT_BURST"); burstStr != "" {
		if burstEnv, err := strconv.Atoi(burstStr); err == nil {
			config.Burst = burstEnv
		}
	}
	client.Config = config
	klog.InfoS("client config", "qps", config.QPS, "burst", config.Burst)
	client.K8sClient, err = kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

func NewFakeClientSet() *ClientSet {
	client := &ClientSet{}
	client.K8sClient = k8sfake.NewClientset()
	return client
}
