package storage

import (
	"fmt"
	"path"
	"strings"

	"simjobs/internal/apperrors"
)

// Object key layout. Every key lives under a per-owner prefix so bucket
// policies can scope access by owner.

func ParamsKey(owner, jobID string) string {
	return fmt.Sprintf("users/%s/params/params_%s.py", owner, jobID)
}

// JobPrefix is the root of all objects a job produces.
func JobPrefix(owner, jobID string) string {
	return fmt.Sprintf("simulations/%s/%s/", owner, jobID)
}

func OutputPrefix(owner, jobID string) string {
	return JobPrefix(owner, jobID) + "output/"
}

func LogKey(owner, jobID string) string {
	return JobPrefix(owner, jobID) + "logs/simulation.log"
}

// ObjectKey joins a caller supplied relative path onto prefix. It rejects
// absolute paths and paths that escape prefix.
func ObjectKey(prefix, rel string) (string, error) {
	if rel == "" {
		return "", apperrors.Validation("path", "path is required")
	}
	if strings.HasPrefix(rel, "/") {
		return "", apperrors.Validation("path", fmt.Sprintf("path %q must be relative", rel))
	}
	cleaned := path.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", apperrors.Validation("path", fmt.Sprintf("path %q escapes the job directory", rel))
	}
	return strings.TrimSuffix(prefix, "/") + "/" + cleaned, nil
}
