package runner

import (
	"time"

	"simjobs/internal/config"
	"simjobs/internal/job"
)

const (
	cpuSimulator = "python /opt/tarang/tarang_simulator.py para.py"
	gpuSimulator = "python /opt/tarang/tarang_gpu_simulator.py para.py"
)

// Config holds configuration for the simulation runner.
type Config struct {
	JobID        string
	ComputeType  job.ComputeType
	ParamsKey    string
	OutputPrefix string
	LogKey       string

	CallbackURL     string
	CallbackKey     string
	CallbackTimeout time.Duration

	// SimulatorCommand is run with "sh -c" inside Workspace.
	SimulatorCommand string
	Workspace        string
	Timeout          time.Duration

	UploadRetries    int
	LogBatchSize     int
	LogFlushInterval time.Duration
}

// LoadConfigFromEnv loads runner configuration from environment variables
// set by the orchestrator on the job container.
func LoadConfigFromEnv() Config {
	compute := job.ComputeType(config.GetEnv("COMPUTE_TYPE", string(job.ComputeCPU)))
	return Config{
		JobID:            config.GetEnv("JOB_ID", ""),
		ComputeType:      compute,
		ParamsKey:        config.GetEnv("PARAMS_KEY", ""),
		OutputPrefix:     config.GetEnv("OUTPUT_PREFIX", ""),
		LogKey:           config.GetEnv("LOG_KEY", ""),
		CallbackURL:      config.GetEnv("CALLBACK_URL", ""),
		CallbackKey:      config.GetSecret("CALLBACK_SIGNING_KEY", "CALLBACK_SIGNING_KEY_FILE"),
		CallbackTimeout:  config.GetDurationEnv("CALLBACK_TIMEOUT", 30*time.Second),
		SimulatorCommand: config.GetEnv("SIMULATOR_COMMAND", defaultSimulator(compute)),
		Workspace:        config.GetEnv("WORKSPACE", "/simulation_data"),
		Timeout:          config.GetDurationEnv("SIMULATION_TIMEOUT", 0),
		UploadRetries:    config.GetIntEnv("UPLOAD_RETRIES", 3),
		LogBatchSize:     config.GetIntEnv("LOG_BATCH_SIZE", 50),
		LogFlushInterval: config.GetDurationEnv("LOG_FLUSH_INTERVAL", 2*time.Second),
	}
}

func defaultSimulator(c job.ComputeType) string {
	if c == job.ComputeGPU {
		return gpuSimulator
	}
	return cpuSimulator
}

func (c Config) withDefaults() Config {
	if c.SimulatorCommand == "" {
		c.SimulatorCommand = defaultSimulator(c.ComputeType)
	}
	if c.Workspace == "" {
		c.Workspace = "/simulation_data"
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = 30 * time.Second
	}
	if c.UploadRetries <= 0 {
		c.UploadRetries = 3
	}
	if c.LogBatchSize <= 0 {
		c.LogBatchSize = 50
	}
	if c.LogFlushInterval <= 0 {
		c.LogFlushInterval = 2 * time.Second
	}
	return c
}
