package job

import (
	"time"

	"github.com/shopspring/decimal"

	"simjobs/internal/config"
)

// Config holds request defaults, limits and pricing.
type Config struct {
	DefaultCPU    string
	DefaultMemory string
	CPUImage      string
	GPUImage      string

	MaxCPU         string
	MaxMemory      string
	MaxGPUCount    int
	MaxJobDuration time.Duration

	DefaultEstimatedMinutes int
	CPUHourlyRate           decimal.Decimal // per core-hour
	GPUHourlyRate           decimal.Decimal // per GPU-hour

	// CallbackBaseURL is passed to runners for progress events.
	CallbackBaseURL string

	// DeleteTimeout bounds each orchestrator Delete issued by cancel and
	// timeout.
	DeleteTimeout time.Duration
}

func LoadConfigFromEnv() Config {
	return Config{
		DefaultCPU:              config.GetEnv("DEFAULT_CPU_REQUEST", "2"),
		DefaultMemory:           config.GetEnv("DEFAULT_MEMORY_REQUEST", "4Gi"),
		CPUImage:                config.GetEnv("SIMULATION_IMAGE", "tarang/simulator:latest"),
		GPUImage:                config.GetEnv("GPU_SIMULATION_IMAGE", "tarang/simulator:gpu-latest"),
		MaxCPU:                  config.GetEnv("MAX_CPU", "32"),
		MaxMemory:               config.GetEnv("MAX_MEMORY", "128Gi"),
		MaxGPUCount:             config.GetIntEnv("MAX_GPU_COUNT", 8),
		MaxJobDuration:          config.GetDurationEnv("MAX_JOB_DURATION", 168*time.Hour),
		DefaultEstimatedMinutes: config.GetIntEnv("DEFAULT_ESTIMATED_MINUTES", 60),
		CPUHourlyRate:           decimal.NewFromFloat(config.GetFloatEnv("CPU_HOURLY_RATE", 0.05)),
		GPUHourlyRate:           decimal.NewFromFloat(config.GetFloatEnv("GPU_HOURLY_RATE", 0.90)),
		CallbackBaseURL:         config.GetEnv("CALLBACK_BASE_URL", ""),
		DeleteTimeout:           config.GetDurationEnv("ORCHESTRATOR_DELETE_TIMEOUT", 30*time.Second),
	}
}

func (c Config) withDefaults() Config {
	def := Config{
		DefaultCPU:              "2",
		DefaultMemory:           "4Gi",
		CPUImage:                "tarang/simulator:latest",
		GPUImage:                "tarang/simulator:gpu-latest",
		MaxCPU:                  "32",
		MaxMemory:               "128Gi",
		MaxGPUCount:             8,
		MaxJobDuration:          168 * time.Hour,
		DefaultEstimatedMinutes: 60,
		DeleteTimeout:           30 * time.Second,
	}
	if c.DefaultCPU == "" {
		c.DefaultCPU = def.DefaultCPU
	}
	if c.DefaultMemory == "" {
		c.DefaultMemory = def.DefaultMemory
	}
	if c.CPUImage == "" {
		c.CPUImage = def.CPUImage
	}
	if c.GPUImage == "" {
		c.GPUImage = def.GPUImage
	}
	if c.MaxCPU == "" {
		c.MaxCPU = def.MaxCPU
	}
	if c.MaxMemory == "" {
		c.MaxMemory = def.MaxMemory
	}
	if c.MaxGPUCount <= 0 {
		c.MaxGPUCount = def.MaxGPUCount
	}
	if c.MaxJobDuration <= 0 {
		c.MaxJobDuration = def.MaxJobDuration
	}
	if c.DefaultEstimatedMinutes <= 0 {
		c.DefaultEstimatedMinutes = def.DefaultEstimatedMinutes
	}
	if c.DeleteTimeout <= 0 {
		c.DeleteTimeout = def.DeleteTimeout
	}
	if c.CPUHourlyRate.IsZero() {
		c.CPUHourlyRate = decimal.RequireFromString("0.05")
	}
	if c.GPUHourlyRate.IsZero() {
		c.GPUHourlyRate = decimal.RequireFromString("0.90")
	}
	return c
}

type costRates struct {
	cpu decimal.Decimal
	gpu decimal.Decimal
}

// cost prices d of running res: cores*cpuRate + gpus*gpuRate per hour,
// rounded to cents.
func (r costRates) cost(res Resources, d time.Duration) decimal.Decimal {
	hours := decimal.NewFromFloat(d.Hours())
	perHour := r.gpu.Mul(decimal.NewFromInt(int64(res.GPUCount)))
	if cores, err := cpuCores(res.CPU); err == nil {
		perHour = perHour.Add(r.cpu.Mul(cores))
	}
	return perHour.Mul(hours).Round(2)
}
