package job

import (
	"strings"
	"testing"
)

func testLimits(t *testing.T) limits {
	t.Helper()
	lim, err := Config{}.withDefaults().limits()
	if err != nil {
		t.Fatal(err)
	}
	return lim
}

func TestValidate(t *testing.T) {
	t.Parallel()
	lim := testLimits(t)
	valid := func() *Submission {
		return &Submission{
			Name:      "lid-driven cavity",
			Priority:  PriorityNormal,
			Resources: Resources{CPU: "2", Memory: "4Gi"},
			Workload:  "tarang/simulator:latest",
		}
	}

	tests := []struct {
		name   string
		owner  string
		mutate func(*Submission)
		errMsg string
	}{
		{"valid", "alice", func(*Submission) {}, ""},
		{"millicores", "alice", func(s *Submission) { s.Resources.CPU = "500m" }, ""},
		{"at maximum", "alice", func(s *Submission) { s.Resources = Resources{CPU: "32", Memory: "128Gi", GPUCount: 8} }, ""},
		{"bad owner", "Alice!", func(*Submission) {}, "owner must be"},
		{"missing name", "alice", func(s *Submission) { s.Name = "" }, "name is required"},
		{"long name", "alice", func(s *Submission) { s.Name = strings.Repeat("x", 201) }, "name exceeds"},
		{"bad priority", "alice", func(s *Submission) { s.Priority = "critical" }, "priority must be"},
		{"missing workload", "alice", func(s *Submission) { s.Workload = "" }, "workload reference is required"},
		{"cpu over", "alice", func(s *Submission) { s.Resources.CPU = "33" }, "CPU request 33 exceeds maximum"},
		{"cpu garbage", "alice", func(s *Submission) { s.Resources.CPU = "lots" }, "invalid CPU quantity"},
		{"cpu zero", "alice", func(s *Submission) { s.Resources.CPU = "0" }, "invalid CPU quantity"},
		{"memory over", "alice", func(s *Submission) { s.Resources.Memory = "129Gi" }, "memory request 129Gi exceeds maximum"},
		{"memory units", "alice", func(s *Submission) { s.Resources.Memory = "200G" }, "exceeds maximum"},
		{"gpu over", "alice", func(s *Submission) { s.Resources.GPUCount = 9 }, "GPU count 9 exceeds maximum of 8"},
		{"gpu negative", "alice", func(s *Submission) { s.Resources.GPUCount = -1 }, "cannot be negative"},
		{"negative steps", "alice", func(s *Submission) { s.TotalSteps = -1 }, "total steps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sub := valid()
			tt.mutate(sub)
			err := validate(tt.owner, sub, lim)
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.errMsg, err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()

	sub := &Submission{Name: "  cavity  "}
	applyDefaults(sub, cfg)
	if sub.Name != "cavity" {
		t.Errorf("Name = %q", sub.Name)
	}
	if sub.Priority != PriorityNormal {
		t.Errorf("Priority = %q", sub.Priority)
	}
	if sub.Resources.CPU != "2" || sub.Resources.Memory != "4Gi" {
		t.Errorf("Resources = %+v", sub.Resources)
	}
	if sub.Workload != cfg.CPUImage {
		t.Errorf("Workload = %q", sub.Workload)
	}
	if sub.EstimatedMinutes != 60 {
		t.Errorf("EstimatedMinutes = %d", sub.EstimatedMinutes)
	}
}

func TestApplyDefaultsDetectsGPUParameters(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	tests := []struct {
		params  string
		wantGPU int
	}{
		{`device = "gpu"`, 1},
		{`device='cuda'`, 1},
		{`device = "cpu"`, 0},
		{`nx = 256`, 0},
	}
	for _, tt := range tests {
		sub := &Submission{Name: "n", Parameters: tt.params}
		applyDefaults(sub, cfg)
		if sub.Resources.GPUCount != tt.wantGPU {
			t.Errorf("params %q: GPUCount = %d, want %d", tt.params, sub.Resources.GPUCount, tt.wantGPU)
		}
		if tt.wantGPU > 0 && sub.Workload != cfg.GPUImage {
			t.Errorf("params %q: Workload = %q, want GPU image", tt.params, sub.Workload)
		}
	}
}

func TestConfigLimitsRejectsBadQuantities(t *testing.T) {
	t.Parallel()
	if _, err := (Config{MaxCPU: "many", MaxMemory: "1Gi"}).limits(); err == nil {
		t.Error("expected error for bad MAX_CPU")
	}
}
