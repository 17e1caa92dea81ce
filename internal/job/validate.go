package job

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"k8s.io/apimachinery/pkg/api/resource"

	"simjobs/internal/apperrors"
)

const (
	maxNameLength        = 200
	maxDescriptionLength = 4096
	maxParametersBytes   = 1 << 20
	maxConfigEntries     = 256
	maxTotalSteps        = 1_000_000
)

// devicePattern finds the device selection in a parameter file.
var devicePattern = regexp.MustCompile(`device\s*=\s*['"](cpu|gpu|cuda)['"]`)

// ownerPattern restricts owners to names that are valid inside Kubernetes
// namespace and object-storage key segments.
var ownerPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,38}[a-z0-9])?$`)

// applyDefaults fills unset submission fields.
func applyDefaults(sub *Submission, cfg Config) {
	sub.Name = strings.TrimSpace(sub.Name)
	if sub.Priority == "" {
		sub.Priority = PriorityNormal
	}
	if sub.Resources.CPU == "" {
		sub.Resources.CPU = cfg.DefaultCPU
	}
	if sub.Resources.Memory == "" {
		sub.Resources.Memory = cfg.DefaultMemory
	}
	if sub.Resources.GPUCount == 0 && requestsGPU(sub.Parameters) {
		sub.Resources.GPUCount = 1
	}
	if sub.Workload == "" {
		if sub.Resources.GPUCount > 0 {
			sub.Workload = cfg.GPUImage
		} else {
			sub.Workload = cfg.CPUImage
		}
	}
	if sub.EstimatedMinutes <= 0 {
		sub.EstimatedMinutes = cfg.DefaultEstimatedMinutes
	}
}

func requestsGPU(params string) bool {
	m := devicePattern.FindStringSubmatch(params)
	return m != nil && m[1] != "cpu"
}

// validate checks a defaulted submission. It does not modify it.
func validate(owner string, sub *Submission, lim limits) error {
	if !ownerPattern.MatchString(owner) {
		return apperrors.Validation("owner", "owner must be lowercase alphanumeric (hyphens allowed), at most 40 characters")
	}
	if sub.Name == "" {
		return apperrors.Validation("name", "name is required")
	}
	if len(sub.Name) > maxNameLength {
		return apperrors.Validation("name", fmt.Sprintf("name exceeds maximum length of %d", maxNameLength))
	}
	if len(sub.Description) > maxDescriptionLength {
		return apperrors.Validation("description", fmt.Sprintf("description exceeds maximum length of %d", maxDescriptionLength))
	}
	if _, err := ParsePriority(string(sub.Priority)); err != nil {
		return apperrors.Validation("priority", "priority must be one of low, normal, high, urgent")
	}
	if sub.Workload == "" {
		return apperrors.Validation("workload_reference", "workload reference is required")
	}
	if len(sub.Parameters) > maxParametersBytes {
		return apperrors.Validation("parameters", fmt.Sprintf("parameters exceed maximum size of %d bytes", maxParametersBytes))
	}
	if len(sub.SimulationConfig) > maxConfigEntries {
		return apperrors.Validation("simulation_config", fmt.Sprintf("simulation config exceeds maximum of %d entries", maxConfigEntries))
	}
	if sub.TotalSteps < 0 || sub.TotalSteps > maxTotalSteps {
		return apperrors.Validation("total_steps", fmt.Sprintf("total steps must be between 0 and %d", maxTotalSteps))
	}
	return validateResources(sub.Resources, lim)
}

// limits are the parsed maxima of a Config.
type limits struct {
	cpu    resource.Quantity
	memory resource.Quantity
	gpus   int
}

func (c Config) limits() (limits, error) {
	cpu, err := resource.ParseQuantity(c.MaxCPU)
	if err != nil {
		return limits{}, fmt.Errorf("invalid MAX_CPU %q: %w", c.MaxCPU, err)
	}
	mem, err := resource.ParseQuantity(c.MaxMemory)
	if err != nil {
		return limits{}, fmt.Errorf("invalid MAX_MEMORY %q: %w", c.MaxMemory, err)
	}
	return limits{cpu: cpu, memory: mem, gpus: c.MaxGPUCount}, nil
}

func validateResources(res Resources, lim limits) error {
	cpu, err := resource.ParseQuantity(res.CPU)
	if err != nil || cpu.Sign() <= 0 {
		return apperrors.Validation("resource_spec.cpu", fmt.Sprintf("invalid CPU quantity %q", res.CPU))
	}
	if cpu.Cmp(lim.cpu) > 0 {
		return apperrors.Validation("resource_spec.cpu", fmt.Sprintf("CPU request %s exceeds maximum of %s", res.CPU, lim.cpu.String()))
	}

	mem, err := resource.ParseQuantity(res.Memory)
	if err != nil || mem.Sign() <= 0 {
		return apperrors.Validation("resource_spec.memory", fmt.Sprintf("invalid memory quantity %q", res.Memory))
	}
	if mem.Cmp(lim.memory) > 0 {
		return apperrors.Validation("resource_spec.memory", fmt.Sprintf("memory request %s exceeds maximum of %s", res.Memory, lim.memory.String()))
	}

	if res.GPUCount < 0 {
		return apperrors.Validation("resource_spec.gpu_count", "GPU count cannot be negative")
	}
	if res.GPUCount > lim.gpus {
		return apperrors.Validation("resource_spec.gpu_count", fmt.Sprintf("GPU count %d exceeds maximum of %d", res.GPUCount, lim.gpus))
	}
	return nil
}

// cpuCores converts a CPU quantity such as "500m" or "2" to cores.
func cpuCores(q string) (decimal.Decimal, error) {
	parsed, err := resource.ParseQuantity(q)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(parsed.MilliValue(), -3), nil
}
