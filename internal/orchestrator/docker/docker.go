// Package docker implements job.Orchestrator on a local Docker daemon.
// Each job runs in one container named after the job.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"simjobs/internal/apperrors"
	"simjobs/internal/job"
)

const (
	managedByLabel = "managed-by=simjobs"
	workspacePath  = "/simulation_data"
)

// dockerAPI is the subset of the Docker client the orchestrator uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

var _ job.Orchestrator = (*Orchestrator)(nil)

// Orchestrator implements job.Orchestrator using Docker.
type Orchestrator struct {
	client dockerAPI
	cfg    Config
	state  *stateRepo
	now    func() time.Time
	logger *slog.Logger

	cancelMaintenance context.CancelFunc
	maintenanceDone   chan struct{}
}

// NewOrchestrator connects to the daemon described by the DOCKER_*
// environment and rebuilds its container table from existing containers.
func NewOrchestrator(ctx context.Context, cfg Config) (*Orchestrator, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newOrchestrator(ctx, dockerClient, cfg), nil
}

func newOrchestrator(ctx context.Context, api dockerAPI, cfg Config) *Orchestrator {
	o := &Orchestrator{
		client: api,
		cfg:    cfg.withDefaults(),
		state:  newStateRepo(),
		now:    time.Now,
		logger: slog.With("component", "docker"),
	}
	if err := o.recover(ctx); err != nil {
		o.logger.Warn("Failed to recover container table", "error", err)
	}
	return o
}

// Start runs the background maintenance loop until Close.
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancelMaintenance = cancel
	o.maintenanceDone = make(chan struct{})
	go func() {
		defer close(o.maintenanceDone)
		o.runMaintenance(ctx, o.cfg.MaintenanceInterval)
	}()
}

// ContainerName returns the container name, and external reference, for a job.
func ContainerName(jobID string) string {
	return "sim-" + jobID
}

func jobIDFromRef(ref string) (string, error) {
	id, ok := strings.CutPrefix(ref, "sim-")
	if !ok || id == "" {
		return "", apperrors.Validation("external_reference", fmt.Sprintf("malformed reference %q", ref))
	}
	return id, nil
}

func volumeName(jobID string) string {
	return fmt.Sprintf("sim-%s-workspace", jobID)
}

// recover fills the container table from containers left by a previous
// process.
func (o *Orchestrator) recover(ctx context.Context) error {
	containers, err := o.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedByLabel)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		jobID := c.Labels["job.id"]
		if jobID == "" {
			continue
		}
		o.state.commit(jobID, &containerState{containerID: c.ID, volumeName: volumeName(jobID)})
	}
	o.logger.Info("Recovered containers", "count", len(containers))
	return nil
}

func (o *Orchestrator) Submit(ctx context.Context, req job.SubmitRequest) (string, error) {
	name := ContainerName(req.JobID)
	if err := o.state.reserve(req.JobID); err != nil {
		if cs, _ := o.state.get(req.JobID); cs != nil {
			return name, nil
		}
		return "", apperrors.Submission("docker.reserve", err)
	}

	cs := &containerState{volumeName: volumeName(req.JobID)}
	success := false
	defer func() {
		if !success {
			o.cleanup(context.WithoutCancel(ctx), cs)
			o.state.release(req.JobID)
		}
	}()

	if _, err := o.client.VolumeCreate(ctx, volume.CreateOptions{Name: cs.volumeName}); err != nil {
		return "", apperrors.Submission("docker.createVolume", err)
	}

	// Pulls outlive the request that triggered them.
	if err := o.pullImageIfNeeded(context.WithoutCancel(ctx), req.Workload); err != nil {
		return "", apperrors.Submission("docker.pullImage", err)
	}

	id, err := o.createContainer(ctx, req, cs)
	if cerrdefs.IsConflict(err) {
		o.logger.Info("Container already exists", "jobId", req.JobID)
		success = true
		o.state.commit(req.JobID, &containerState{containerID: name, volumeName: cs.volumeName})
		return name, nil
	}
	if err != nil {
		return "", apperrors.Submission("docker.createContainer", err)
	}
	cs.containerID = id

	if err := o.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", apperrors.Submission("docker.startContainer", err)
	}

	o.state.commit(req.JobID, cs)
	success = true
	o.logger.Info("Started container", "jobId", req.JobID, "container", name)
	return name, nil
}

func (o *Orchestrator) createContainer(ctx context.Context, req job.SubmitRequest, cs *containerState) (string, error) {
	res, err := containerResources(req.Resources)
	if err != nil {
		return "", err
	}

	containerConfig := &container.Config{
		Image:      req.Workload,
		Env:        o.env(req),
		WorkingDir: workspacePath,
		Labels: map[string]string{
			"job.id":       req.JobID,
			"owner":        req.Owner,
			"compute-type": string(req.ComputeType),
			"priority":     string(req.Priority),
			"managed-by":   "simjobs",
		},
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: cs.volumeName,
			Target: workspacePath,
		}},
		Resources:  res,
		ExtraHosts: o.cfg.ExtraHosts,
	}

	resp, err := o.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, ContainerName(req.JobID))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func containerResources(r job.Resources) (container.Resources, error) {
	cpu, err := resource.ParseQuantity(r.CPU)
	if err != nil {
		return container.Resources{}, fmt.Errorf("cpu %q: %w", r.CPU, err)
	}
	mem, err := resource.ParseQuantity(r.Memory)
	if err != nil {
		return container.Resources{}, fmt.Errorf("memory %q: %w", r.Memory, err)
	}
	res := container.Resources{
		NanoCPUs: cpu.MilliValue() * 1_000_000,
		Memory:   mem.Value(),
	}
	if r.GPUCount > 0 {
		res.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        r.GPUCount,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	return res, nil
}

func (o *Orchestrator) env(req job.SubmitRequest) []string {
	env := []string{
		"JOB_ID=" + req.JobID,
		"OWNER=" + req.Owner,
		"COMPUTE_TYPE=" + string(req.ComputeType),
		"S3_BUCKET=" + o.cfg.Bucket,
		"AWS_REGION=" + o.cfg.Region,
		"PARAMS_KEY=" + req.ParamsKey,
		"OUTPUT_PREFIX=" + req.OutputPrefix,
		"LOG_KEY=" + req.LogKey,
		"CALLBACK_URL=" + o.callbackURL(req.CallbackURL),
		"WORKSPACE=" + workspacePath,
	}
	if o.cfg.S3Endpoint != "" {
		env = append(env, "S3_ENDPOINT="+o.cfg.S3Endpoint)
	}
	if o.cfg.CallbackKey != "" {
		env = append(env, "CALLBACK_SIGNING_KEY="+o.cfg.CallbackKey)
	}
	return env
}

// callbackURL points raw at the callback proxy, keeping its path.
func (o *Orchestrator) callbackURL(raw string) string {
	if o.cfg.CallbackProxyURL == "" || raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	proxy, err := url.Parse(o.cfg.CallbackProxyURL)
	if err != nil {
		return raw
	}
	u.Scheme, u.Host = proxy.Scheme, proxy.Host
	return u.String()
}

// Status inspects the container: running counts as active, exit code 0 as
// succeeded and any other exit as failed.
func (o *Orchestrator) Status(ctx context.Context, ref string) (job.ObservedStatus, error) {
	jobID, err := jobIDFromRef(ref)
	if err != nil {
		return job.ObservedStatus{}, err
	}
	target := ref
	if cs, _ := o.state.get(jobID); cs != nil && cs.containerID != "" {
		target = cs.containerID
	}

	inspect, err := o.client.ContainerInspect(ctx, target)
	if cerrdefs.IsNotFound(err) {
		o.state.release(jobID)
		return job.ObservedStatus{}, apperrors.NotFound("workload", ref)
	}
	if err != nil {
		return job.ObservedStatus{}, apperrors.Transient("docker.inspectContainer", err)
	}
	return observe(inspect.State), nil
}

func observe(s *container.State) job.ObservedStatus {
	if s == nil {
		return job.ObservedStatus{}
	}
	switch {
	case s.Running || s.Restarting:
		return job.ObservedStatus{Active: 1}
	case s.Status == "created":
		return job.ObservedStatus{}
	case s.Status == "exited" && s.ExitCode == 0:
		return job.ObservedStatus{Succeeded: 1}
	case s.Status == "exited" || s.Status == "dead":
		return job.ObservedStatus{Failed: 1}
	}
	return job.ObservedStatus{}
}

// Delete stops and removes the container and its workspace volume.
func (o *Orchestrator) Delete(ctx context.Context, ref string) error {
	jobID, err := jobIDFromRef(ref)
	if err != nil {
		return err
	}
	cs, _ := o.state.release(jobID)
	if cs == nil {
		cs = &containerState{containerID: ref, volumeName: volumeName(jobID)}
	}
	if err := o.removeContainer(ctx, cs.containerID); err != nil {
		return fmt.Errorf("remove container %s: %w", ref, err)
	}
	if err := o.client.VolumeRemove(ctx, cs.volumeName, true); err != nil && !cerrdefs.IsNotFound(err) {
		o.logger.Warn("Failed to remove volume", "volume", cs.volumeName, "error", err)
	}
	o.logger.Info("Deleted container", "jobId", jobID)
	return nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (o *Orchestrator) Ready(ctx context.Context) error {
	_, err := o.client.Ping(ctx)
	return err
}

// Close stops maintenance and releases the client.
func (o *Orchestrator) Close() error {
	if o.cancelMaintenance != nil {
		o.cancelMaintenance()
		<-o.maintenanceDone
	}
	return o.client.Close()
}

func (o *Orchestrator) pullImageIfNeeded(ctx context.Context, ref string) error {
	images, err := o.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err == nil && len(images) > 0 {
		return nil
	}

	reader, err := o.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (o *Orchestrator) cleanup(ctx context.Context, cs *containerState) {
	_ = o.removeContainer(ctx, cs.containerID)
	if cs.volumeName != "" {
		_ = o.client.VolumeRemove(ctx, cs.volumeName, true)
	}
}

func (o *Orchestrator) removeContainer(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	timeout := o.cfg.StopTimeout
	if err := o.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !cerrdefs.IsNotFound(err) {
		o.logger.Debug("Stop failed, forcing removal", "container", containerID, "error", err)
	}
	err := o.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// runMaintenance periodically removes exited containers.
func (o *Orchestrator) runMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.cleanupExpired(ctx)
		}
	}
}

// cleanupExpired removes managed containers that exited more than the
// retention period ago. It returns how many were removed.
func (o *Orchestrator) cleanupExpired(ctx context.Context) int {
	logger := slog.With("component", "maintenance")
	containers, err := o.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", managedByLabel),
			filters.Arg("status", "exited"),
			filters.Arg("status", "dead"),
		),
	})
	if err != nil {
		logger.Warn("Failed to list containers", "error", err)
		return 0
	}

	now := o.now()
	cleaned := 0
	for _, c := range containers {
		inspect, err := o.client.ContainerInspect(ctx, c.ID)
		if err != nil || inspect.State == nil || inspect.State.Running {
			continue
		}
		finishedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
		if err != nil || now.Sub(finishedAt) <= o.cfg.Retention {
			continue
		}

		jobID := c.Labels["job.id"]
		if o.cfg.Settled != nil {
			settled, err := o.cfg.Settled(ctx, jobID)
			if err != nil {
				logger.Warn("Failed to check job before removal", "jobId", jobID, "error", err)
				continue
			}
			if !settled {
				logger.Debug("Keeping exited container until its job is settled", "jobId", jobID)
				continue
			}
		}
		cs, _ := o.state.release(jobID)
		if cs == nil {
			cs = &containerState{containerID: c.ID, volumeName: volumeName(jobID)}
		}
		o.cleanup(ctx, cs)
		cleaned++
		logger.Debug("Removed expired container", "jobId", jobID)
	}

	if cleaned > 0 {
		logger.Info("Maintenance complete", "cleaned", cleaned)
	}
	return cleaned
}

// StoreSettled reports a job as settled once jobs holds a terminal status
// for it or no longer holds it at all.
func StoreSettled(jobs job.Store) SettledFunc {
	return func(ctx context.Context, jobID string) (bool, error) {
		j, err := jobs.Get(ctx, jobID)
		if errors.Is(err, apperrors.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return j.Status.IsTerminal(), nil
	}
}
