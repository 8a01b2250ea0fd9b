package store

import (
	"errors"
	"testing"
	"time"
)

func TestNewReport(t *testing.T) {
	before := time.Now()
	report := NewReport("fake")

	if report.ID == "" {
		t.Fatal("NewReport should assign an ID")
	}
	if report.Driver != "fake" {
		t.Errorf("Driver = %s, want fake", report.Driver)
	}
	if report.Timestamp.Before(before) {
		t.Error("Timestamp should be set to now")
	}

	other := NewReport("fake")
	if other.ID == report.ID {
		t.Error("Report IDs should be unique")
	}
}

func TestHashSource(t *testing.T) {
	// sha256("")
	const empty = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := HashSource(""); got != empty {
		t.Errorf("HashSource(\"\") = %s", got)
	}
	if HashSource("a") == HashSource("b") {
		t.Error("Different sources should hash differently")
	}
}

func TestReportValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Report)
		field  string
	}{
		{"valid", func(r *Report) {}, ""},
		{"empty id", func(r *Report) { r.ID = "" }, "ID"},
		{"zero timestamp", func(r *Report) { r.Timestamp = time.Time{} }, "Timestamp"},
		{"empty driver", func(r *Report) { r.Driver = "" }, "Driver"},
		{"bad status", func(r *Report) { r.Status = "done" }, "Status"},
		{"failed without reason", func(r *Report) {
			r.Status = StatusFailed
			r.Error = ""
			r.BuildLog = ""
		}, "Error"},
		{"failed with log", func(r *Report) {
			r.Status = StatusFailed
			r.BuildLog = "error: expected ';'"
		}, ""},
		{"verified with failing result", func(r *Report) { r.Results[1].Passed = false }, "Results"},
		{"result without kernel", func(r *Report) { r.Results[0].Kernel = "" }, "Results.Kernel"},
		{"passing result without elements", func(r *Report) { r.Results[0].Elements = 0 }, "Results.Elements"},
		{"rejected result without elements", func(r *Report) {
			r.Status = StatusFailed
			r.Error = "kernel add: elements must be positive, got 0"
			r.Results[0].Elements = 0
			r.Results[0].Passed = false
		}, ""},
		{"built without results", func(r *Report) {
			r.Status = StatusBuilt
			r.Results = nil
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := createTestReport("validate")
			tt.mutate(report)

			err := report.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Expected valid report, got %v", err)
				}
				return
			}

			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if validation.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, validation.Field)
			}
		})
	}
}

func TestReportToInfo(t *testing.T) {
	report := createTestReport("info")
	info := report.ToInfo()

	if info.ID != report.ID || info.Driver != report.Driver || info.Status != report.Status {
		t.Errorf("Info mismatch: %+v", info)
	}
	if info.Device != "Fake GPU" {
		t.Errorf("Device = %s", info.Device)
	}
	if info.Kernels != 2 {
		t.Errorf("Kernels = %d, want 2", info.Kernels)
	}
}

func TestReportPassed(t *testing.T) {
	report := createTestReport("passed")
	if !report.Passed() {
		t.Error("All results pass")
	}

	report.Results[0].Passed = false
	if report.Passed() {
		t.Error("One failing result should fail the report")
	}

	report.Results = nil
	if report.Passed() {
		t.Error("A report without results has not passed")
	}
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{ID: "abc"}
	if err.Error() != "report not found: abc" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("NotFoundError should match ErrNotFound")
	}
	if ErrNotFound.Error() != "report not found" {
		t.Errorf("Unexpected sentinel message: %s", ErrNotFound.Error())
	}
}
