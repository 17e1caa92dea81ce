// Package kubernetes runs simulation jobs as batch/v1 Jobs, one namespace
// per owner.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/flowcontrol"
	"k8s.io/utils/ptr"

	"simjobs/internal/apperrors"
	"simjobs/internal/job"
)

const (
	appLabel      = "tarang-simulation"
	containerName = "simulator"
	workspacePath = "/simulation_data"
	gpuResource   = corev1.ResourceName("nvidia.com/gpu")
	gpuQuota      = corev1.ResourceName("requests.nvidia.com/gpu")
	quotaName     = "user-quota"

	backoffLimit       = 3
	ttlAfterFinished   = 24 * 60 * 60
	labelOwner         = "owner"
	labelJobID         = "job-id"
	labelComputeType   = "compute-type"
	labelPriority      = "priority"
	labelManagedByName = "app.kubernetes.io/managed-by"
)

// Per-owner namespace quota.
var ownerQuota = corev1.ResourceList{
	corev1.ResourceRequestsCPU:            resource.MustParse("16"),
	corev1.ResourceRequestsMemory:         resource.MustParse("64Gi"),
	gpuQuota:                              resource.MustParse("4"),
	corev1.ResourcePods:                   resource.MustParse("10"),
	corev1.ResourcePersistentVolumeClaims: resource.MustParse("5"),
}

var _ job.Orchestrator = (*Orchestrator)(nil)

type Orchestrator struct {
	client      kubernetes.Interface
	cfg         Config
	cpuLimit    resource.Quantity
	memoryLimit resource.Quantity
	gpuSelector map[string]string
	logger      *slog.Logger
}

// NewClient builds a clientset from the in-cluster configuration, falling
// back to kubeconfig when running outside a cluster.
func NewClient(cfg Config) (kubernetes.Interface, error) {
	cfg = cfg.withDefaults()
	restConfig, err := loadConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}
	restConfig.RateLimiter = flowcontrol.NewTokenBucketRateLimiter(cfg.QPS, cfg.Burst)
	return kubernetes.NewForConfig(restConfig)
}

func loadConfig(kubeconfig string) (*rest.Config, error) {
	config, err := rest.InClusterConfig()
	if err == rest.ErrNotInCluster {
		slog.Info("Running with kubeconfig client configuration")
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		rules.ExplicitPath = kubeconfig
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	}
	slog.Info("Running with in cluster client configuration")
	return config, err
}

func New(client kubernetes.Interface, cfg Config) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	cpu, err := resource.ParseQuantity(cfg.CPULimit)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_CPU_LIMIT %q: %w", cfg.CPULimit, err)
	}
	mem, err := resource.ParseQuantity(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_MEMORY_LIMIT %q: %w", cfg.MemoryLimit, err)
	}
	sel, err := cfg.nodeSelector()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		client:      client,
		cfg:         cfg,
		cpuLimit:    cpu,
		memoryLimit: mem,
		gpuSelector: sel,
		logger:      slog.With("component", "kubernetes"),
	}, nil
}

// Namespace returns the namespace holding owner's jobs.
func (o *Orchestrator) Namespace(owner string) string {
	return strings.ToLower(o.cfg.NamespacePrefix + "-" + owner)
}

// JobName returns the batch Job name for a job id.
func JobName(jobID string) string {
	return "sim-" + strings.ToLower(jobID)
}

func (o *Orchestrator) Submit(ctx context.Context, req job.SubmitRequest) (string, error) {
	ns := o.Namespace(req.Owner)
	if err := o.ensureNamespace(ctx, ns, req.Owner); err != nil {
		return "", apperrors.Submission("ensure namespace", err)
	}

	spec, err := o.buildJob(ns, req)
	if err != nil {
		return "", apperrors.Submission("build job", err)
	}
	ref := ns + "/" + spec.Name

	_, err = o.client.BatchV1().Jobs(ns).Create(ctx, spec, metav1.CreateOptions{})
	switch {
	case k8serrors.IsAlreadyExists(err):
		// A previous attempt created it before the record was updated.
		o.logger.Info("Job already exists", "jobId", req.JobID, "ref", ref)
	case err != nil:
		return "", apperrors.Submission("create job", err)
	default:
		o.logger.Info("Created job", "jobId", req.JobID, "ref", ref, "computeType", req.ComputeType)
	}
	return ref, nil
}

func (o *Orchestrator) ensureNamespace(ctx context.Context, ns, owner string) error {
	_, err := o.client.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !k8serrors.IsNotFound(err) {
		return err
	}

	_, err = o.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: ns,
			Labels: map[string]string{
				"app":              appLabel,
				labelOwner:         owner,
				labelManagedByName: "simjobs",
			},
		},
	}, metav1.CreateOptions{})
	if err != nil && !k8serrors.IsAlreadyExists(err) {
		return err
	}
	o.logger.Info("Created namespace", "namespace", ns)

	// A missing quota does not block the job.
	_, err = o.client.CoreV1().ResourceQuotas(ns).Create(ctx, &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{Name: quotaName, Namespace: ns},
		Spec:       corev1.ResourceQuotaSpec{Hard: ownerQuota.DeepCopy()},
	}, metav1.CreateOptions{})
	if err != nil && !k8serrors.IsAlreadyExists(err) {
		o.logger.Warn("Failed to create resource quota", "namespace", ns, "error", err)
	}
	return nil
}

func (o *Orchestrator) buildJob(ns string, req job.SubmitRequest) (*batchv1.Job, error) {
	res, err := o.resources(req)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		"app":            appLabel,
		labelOwner:       req.Owner,
		labelJobID:       req.JobID,
		labelComputeType: string(req.ComputeType),
		labelPriority:    string(req.Priority),
	}

	pod := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: o.cfg.ServiceAcct,
		Containers: []corev1.Container{{
			Name:      containerName,
			Image:     req.Workload,
			Resources: res,
			Env:       o.env(req),
			VolumeMounts: []corev1.VolumeMount{{
				Name:      "simulation-storage",
				MountPath: workspacePath,
			}},
		}},
		Volumes: []corev1.Volume{{
			Name:         "simulation-storage",
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
		}},
	}
	if isGPU(req) {
		pod.NodeSelector = o.gpuSelector
		pod.Tolerations = []corev1.Toleration{{
			Key:      string(gpuResource),
			Operator: corev1.TolerationOpExists,
			Effect:   corev1.TaintEffectNoSchedule,
		}}
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(req.JobID),
			Namespace: ns,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To[int32](backoffLimit),
			TTLSecondsAfterFinished: ptr.To[int32](ttlAfterFinished),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       pod,
			},
		},
	}, nil
}

// resources sets requests from the job and limits from configuration,
// raising a limit to the request when the request is larger.
func (o *Orchestrator) resources(req job.SubmitRequest) (corev1.ResourceRequirements, error) {
	cpu, err := resource.ParseQuantity(req.Resources.CPU)
	if err != nil {
		return corev1.ResourceRequirements{}, fmt.Errorf("cpu %q: %w", req.Resources.CPU, err)
	}
	mem, err := resource.ParseQuantity(req.Resources.Memory)
	if err != nil {
		return corev1.ResourceRequirements{}, fmt.Errorf("memory %q: %w", req.Resources.Memory, err)
	}
	cpuLimit, memLimit := o.cpuLimit.DeepCopy(), o.memoryLimit.DeepCopy()
	if cpu.Cmp(cpuLimit) > 0 {
		cpuLimit = cpu.DeepCopy()
	}
	if mem.Cmp(memLimit) > 0 {
		memLimit = mem.DeepCopy()
	}

	rr := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{corev1.ResourceCPU: cpu, corev1.ResourceMemory: mem},
		Limits:   corev1.ResourceList{corev1.ResourceCPU: cpuLimit, corev1.ResourceMemory: memLimit},
	}
	if isGPU(req) {
		n := req.Resources.GPUCount
		if n < 1 {
			n = 1
		}
		gpus := *resource.NewQuantity(int64(n), resource.DecimalSI)
		rr.Requests[gpuResource] = gpus
		rr.Limits[gpuResource] = gpus.DeepCopy()
	}
	return rr, nil
}

func (o *Orchestrator) env(req job.SubmitRequest) []corev1.EnvVar {
	env := []corev1.EnvVar{
		{Name: "JOB_ID", Value: req.JobID},
		{Name: "OWNER", Value: req.Owner},
		{Name: "COMPUTE_TYPE", Value: string(req.ComputeType)},
		{Name: "S3_BUCKET", Value: o.cfg.Bucket},
		{Name: "AWS_REGION", Value: o.cfg.Region},
		{Name: "PARAMS_KEY", Value: req.ParamsKey},
		{Name: "OUTPUT_PREFIX", Value: req.OutputPrefix},
		{Name: "LOG_KEY", Value: req.LogKey},
		{Name: "CALLBACK_URL", Value: req.CallbackURL},
		{Name: "WORKSPACE", Value: workspacePath},
	}
	if o.cfg.S3Endpoint != "" {
		env = append(env, corev1.EnvVar{Name: "S3_ENDPOINT", Value: o.cfg.S3Endpoint})
	}
	if o.cfg.CallbackSecret != "" {
		env = append(env, corev1.EnvVar{
			Name: "CALLBACK_SIGNING_KEY",
			ValueFrom: &corev1.EnvVarSource{SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: o.cfg.CallbackSecret},
				Key:                  "signing-key",
			}},
		})
	}
	return env
}

func isGPU(req job.SubmitRequest) bool {
	return req.ComputeType == job.ComputeGPU || req.Resources.GPUCount > 0
}

func splitRef(ref string) (ns, name string, err error) {
	ns, name, ok := strings.Cut(ref, "/")
	if !ok || ns == "" || name == "" {
		return "", "", apperrors.Validation("external_reference", fmt.Sprintf("malformed reference %q", ref))
	}
	return ns, name, nil
}

// Status reports pod counts. Failed is only set once the Job has the
// Failed condition; pod failures that will be retried are not counted.
func (o *Orchestrator) Status(ctx context.Context, ref string) (job.ObservedStatus, error) {
	ns, name, err := splitRef(ref)
	if err != nil {
		return job.ObservedStatus{}, err
	}
	k8sJob, err := o.client.BatchV1().Jobs(ns).Get(ctx, name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return job.ObservedStatus{}, apperrors.NotFound("workload", ref)
	}
	if err != nil {
		return job.ObservedStatus{}, apperrors.Transient("get job", err)
	}
	return observe(k8sJob), nil
}

func observe(j *batchv1.Job) job.ObservedStatus {
	obs := job.ObservedStatus{
		Active:    j.Status.Active,
		Succeeded: j.Status.Succeeded,
	}
	for _, c := range j.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobFailed:
			obs.Failed = j.Status.Failed
			if obs.Failed == 0 {
				obs.Failed = 1
			}
		case batchv1.JobComplete:
			if obs.Succeeded == 0 {
				obs.Succeeded = 1
			}
		}
	}
	return obs
}

func (o *Orchestrator) Delete(ctx context.Context, ref string) error {
	ns, name, err := splitRef(ref)
	if err != nil {
		return err
	}
	err = o.client.BatchV1().Jobs(ns).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: ptr.To(metav1.DeletePropagationForeground),
	})
	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("delete job %s: %w", ref, err)
	}
	o.logger.Info("Deleted job", "ref", ref)
	return nil
}

func (o *Orchestrator) Ready(ctx context.Context) error {
	if _, err := o.client.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("kubernetes API: %w", err)
	}
	return nil
}
