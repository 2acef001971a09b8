// Package validator checks operator requests against the ingestion service's
// limits and returns per-field error details.
package validator

import (
	"fmt"
	"sort"
	"strings"
)

const (
	maxWaitSeconds = 3600
	maxReportLimit = 100
)

// RunRequest is the optional body of a run trigger. With Wait set the
// request blocks until the cycle finishes or WaitSeconds elapse.
type RunRequest struct {
	Wait        bool `json:"wait"`
	WaitSeconds int  `json:"wait_seconds"`
}

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// ValidateRunRequest checks the wait window of a run trigger.
func ValidateRunRequest(req *RunRequest) error {
	errs := make(map[string]string)
	if req.WaitSeconds < 0 {
		errs["wait_seconds"] = "wait_seconds must not be negative"
	} else if req.WaitSeconds > maxWaitSeconds {
		errs["wait_seconds"] = fmt.Sprintf("wait_seconds must be at most %d", maxWaitSeconds)
	}
	if req.WaitSeconds > 0 && !req.Wait {
		errs["wait"] = "wait_seconds requires wait"
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// ValidateReportLimit checks the limit of a report history query.
func ValidateReportLimit(limit int) error {
	if limit < 1 || limit > maxReportLimit {
		return &ValidationError{Fields: map[string]string{
			"limit": fmt.Sprintf("limit must be between 1 and %d", maxReportLimit),
		}}
	}
	return nil
}
