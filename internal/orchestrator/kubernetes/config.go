package kubernetes

import (
	"fmt"

	"k8s.io/apimachinery/pkg/labels"

	"simjobs/internal/config"
)

type Config struct {
	// Kubeconfig is used outside a cluster. Empty means the default
	// loading rules ($KUBECONFIG, ~/.kube/config).
	Kubeconfig      string
	NamespacePrefix string
	QPS             float32
	Burst           int

	CPULimit    string
	MemoryLimit string

	// GPUNodeSelector is a label selector such as "accelerator=nvidia-tesla-k80".
	GPUNodeSelector string

	Bucket      string
	Region      string
	S3Endpoint  string
	ServiceAcct string

	// CallbackSecret names a Secret in each user namespace whose
	// "signing-key" entry signs runner callbacks. Empty sends them unsigned.
	CallbackSecret string
}

func LoadConfigFromEnv() Config {
	return Config{
		Kubeconfig:      config.GetEnv("KUBECONFIG", ""),
		NamespacePrefix: config.GetEnv("K8S_NAMESPACE_PREFIX", "tarang-user"),
		QPS:             float32(config.GetFloatEnv("K8S_QPS", 20)),
		Burst:           config.GetIntEnv("K8S_BURST", 40),
		CPULimit:        config.GetEnv("DEFAULT_CPU_LIMIT", "8"),
		MemoryLimit:     config.GetEnv("DEFAULT_MEMORY_LIMIT", "16Gi"),
		GPUNodeSelector: config.GetEnv("K8S_GPU_NODE_SELECTOR", "accelerator=nvidia-tesla-k80"),
		Bucket:          config.GetEnv("S3_BUCKET", "tarang-simulations"),
		Region:          config.GetEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:      config.GetEnv("S3_ENDPOINT", ""),
		ServiceAcct:     config.GetEnv("K8S_SERVICE_ACCOUNT", ""),
		CallbackSecret:  config.GetEnv("K8S_CALLBACK_SECRET", ""),
	}
}

func (c Config) withDefaults() Config {
	if c.NamespacePrefix == "" {
		c.NamespacePrefix = "tarang-user"
	}
	if c.QPS <= 0 {
		c.QPS = 20
	}
	if c.Burst <= 0 {
		c.Burst = 40
	}
	if c.CPULimit == "" {
		c.CPULimit = "8"
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = "16Gi"
	}
	return c
}

func (c Config) nodeSelector() (map[string]string, error) {
	if c.GPUNodeSelector == "" {
		return nil, nil
	}
	sel, err := labels.ConvertSelectorToLabelsMap(c.GPUNodeSelector)
	if err != nil {
		return nil, fmt.Errorf("invalid K8S_GPU_NODE_SELECTOR %q: %w", c.GPUNodeSelector, err)
	}
	return sel, nil
}
