package store

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/cwbudde/clhost/internal/cl"
	"github.com/google/uuid"
)

// Status is the outcome of a host program run.
type Status string

const (
	// StatusBuilt means the program compiled (and kernels were created when requested).
	StatusBuilt Status = "built"
	// StatusVerified means every executed kernel matched the CPU reference.
	StatusVerified Status = "verified"
	// StatusFailed means some step failed; Error and BuildLog say which.
	StatusFailed Status = "failed"
)

// Report records one run of the host program: where it ran, what was
// compiled, and how the kernels behaved.
type Report struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	Driver   string          `json:"driver"`
	Platform cl.PlatformInfo `json:"platform"`
	Device   cl.DeviceInfo   `json:"device"`

	SourcePath   string `json:"sourcePath,omitempty"`
	SourceSHA256 string `json:"sourceSha256,omitempty"`
	BuildOptions string `json:"buildOptions,omitempty"`

	// Stage is the last stage the run was asked to reach (build, kernels, run).
	Stage    string   `json:"stage"`
	Status   Status   `json:"status"`
	BuildLog string   `json:"buildLog,omitempty"`
	Kernels  []string `json:"kernels,omitempty"`

	Results []KernelResult `json:"results,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// KernelResult is one executed and verified kernel.
type KernelResult struct {
	Kernel    string        `json:"kernel"`
	Elements  int           `json:"elements"`
	LocalSize int           `json:"localSize"`
	Duration  time.Duration `json:"duration"`
	MaxError  float64       `json:"maxError"`
	Passed    bool          `json:"passed"`
	Error     string        `json:"error,omitempty"`
}

// ReportInfo is report metadata for listings.
type ReportInfo struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Driver     string    `json:"driver"`
	Device     string    `json:"device"`
	SourcePath string    `json:"sourcePath,omitempty"`
	Stage      string    `json:"stage"`
	Status     Status    `json:"status"`
	Kernels    int       `json:"kernels"`
}

// NewReport creates an empty report with a fresh ID.
func NewReport(driver string) *Report {
	return &Report{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Driver:    driver,
	}
}

// HashSource returns the hex SHA-256 of kernel source text.
func HashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// ToInfo converts a full Report to ReportInfo.
func (r *Report) ToInfo() ReportInfo {
	return ReportInfo{
		ID:         r.ID,
		Timestamp:  r.Timestamp,
		Driver:     r.Driver,
		Device:     r.Device.Name,
		SourcePath: r.SourcePath,
		Stage:      r.Stage,
		Status:     r.Status,
		Kernels:    len(r.Kernels),
	}
}

// Passed reports whether every kernel result passed.
func (r *Report) Passed() bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// Validate checks the report for required fields.
func (r *Report) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "ID", Reason: "cannot be empty"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if r.Driver == "" {
		return &ValidationError{Field: "Driver", Reason: "cannot be empty"}
	}
	switch r.Status {
	case StatusBuilt, StatusVerified, StatusFailed:
	default:
		return &ValidationError{Field: "Status", Reason: "must be built, verified or failed"}
	}
	if r.Status == StatusFailed && r.Error == "" && r.BuildLog == "" {
		return &ValidationError{Field: "Error", Reason: "failed report needs an error or build log"}
	}
	if r.Status == StatusVerified && !r.Passed() {
		return &ValidationError{Field: "Results", Reason: "verified report needs passing results"}
	}
	for _, res := range r.Results {
		if res.Kernel == "" {
			return &ValidationError{Field: "Results.Kernel", Reason: "cannot be empty"}
		}
		if res.Passed && res.Elements <= 0 {
			return &ValidationError{Field: "Results.Elements", Reason: "must be positive for a passing result"}
		}
	}
	return nil
}

// ValidationError represents a report validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}
