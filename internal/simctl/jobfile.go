package simctl

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"simjobs/internal/job"
)

// jobFile is the on-disk form of a submission. JSON files parse too, since
// JSON is valid YAML.
type jobFile struct {
	job.Submission `yaml:",inline"`
	// ParametersFile is read into Parameters; relative paths resolve
	// against the job file's directory.
	ParametersFile string `yaml:"parameters_file,omitempty"`
}

// LoadSubmission reads a YAML or JSON job file.
func LoadSubmission(path string) (job.Submission, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return job.Submission{}, err
	}
	return ParseSubmission(raw, filepath.Dir(path))
}

// ParseSubmission decodes a job file. Unknown keys are rejected so typos
// do not silently fall back to defaults.
func ParseSubmission(raw []byte, dir string) (job.Submission, error) {
	var f jobFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return job.Submission{}, fmt.Errorf("parse job file: %w", err)
	}

	if f.ParametersFile != "" {
		if f.Parameters != "" {
			return job.Submission{}, fmt.Errorf("parse job file: set parameters or parameters_file, not both")
		}
		p := f.ParametersFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		params, err := os.ReadFile(p)
		if err != nil {
			return job.Submission{}, fmt.Errorf("read parameters: %w", err)
		}
		f.Parameters = string(params)
	}
	return f.Submission, nil
}
