package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/clhost/internal/cl"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}

	return store, tempDir
}

// createTestReport creates a verified report with test data.
func createTestReport(id string) *Report {
	return &Report{
		ID:        id,
		Timestamp: time.Now(),
		Driver:    "fake",
		Platform: cl.PlatformInfo{
			Name:   "Fake OpenCL",
			Vendor: "clhost",
		},
		Device: cl.DeviceInfo{
			Name:   "Fake GPU",
			Vendor: "clhost",
			Type:   cl.DeviceTypeGPU,
		},
		SourcePath:   "testkernel.cl",
		SourceSHA256: HashSource("kernel"),
		Stage:        "run",
		Status:       StatusVerified,
		Kernels:      []string{"add", "sub"},
		Results: []KernelResult{
			{Kernel: "add", Elements: 1024, Duration: time.Millisecond, Passed: true},
			{Kernel: "sub", Elements: 1024, Duration: time.Millisecond, Passed: true},
		},
	}
}

func TestNewFSStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	store, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store.BaseDir() != dir {
		t.Errorf("BaseDir = %s, want %s", store.BaseDir(), dir)
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Fatal("Base directory was not created")
	}
}

func TestSaveReport(t *testing.T) {
	store, tempDir := setupTestStore(t)

	report := createTestReport("report-123")
	if err := store.SaveReport(report); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	expectedPath := filepath.Join(tempDir, "reports", "report-123", "report.json")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Fatalf("Report file was not created at %s", expectedPath)
	}

	if _, err := os.Stat(expectedPath + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("Temp file should not exist after save")
	}
}

func TestSaveReport_Invalid(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveReport(nil); err == nil {
		t.Error("Expected error for nil report")
	}

	report := createTestReport("")
	if err := store.SaveReport(report); err == nil {
		t.Error("Expected error for empty ID")
	}

	report = createTestReport("../escape")
	if err := store.SaveReport(report); err == nil {
		t.Error("Expected error for path traversal ID")
	}

	report = createTestReport("bad-status")
	report.Status = "unknown"
	err := store.SaveReport(report)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestSaveReport_Overwrite(t *testing.T) {
	store, _ := setupTestStore(t)

	first := createTestReport("overwrite")
	first.BuildOptions = "-cl-fast-relaxed-math"
	second := createTestReport("overwrite")
	second.BuildOptions = "-Werror"

	if err := store.SaveReport(first); err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	if err := store.SaveReport(second); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := store.LoadReport("overwrite")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.BuildOptions != "-Werror" {
		t.Errorf("Expected second report, got options %q", loaded.BuildOptions)
	}
}

func TestLoadReport(t *testing.T) {
	store, _ := setupTestStore(t)

	original := createTestReport("load")
	if err := store.SaveReport(original); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	loaded, err := store.LoadReport("load")
	if err != nil {
		t.Fatalf("LoadReport failed: %v", err)
	}

	if loaded.Device.Name != original.Device.Name {
		t.Errorf("Device mismatch: expected %s, got %s", original.Device.Name, loaded.Device.Name)
	}
	if loaded.Device.Type != cl.DeviceTypeGPU {
		t.Errorf("Device type mismatch: got %s", loaded.Device.Type)
	}
	if loaded.Status != StatusVerified {
		t.Errorf("Status mismatch: got %s", loaded.Status)
	}
	if len(loaded.Results) != 2 || loaded.Results[0].Duration != time.Millisecond {
		t.Errorf("Results not restored: %+v", loaded.Results)
	}
	if !loaded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp mismatch: expected %v, got %v", original.Timestamp, loaded.Timestamp)
	}
}

func TestLoadReport_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadReport("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	var notFound *NotFoundError
	if !errors.As(err, &notFound) || notFound.ID != "missing" {
		t.Errorf("Expected NotFoundError for 'missing', got %v", err)
	}
}

func TestLoadReport_Corrupt(t *testing.T) {
	store, tempDir := setupTestStore(t)

	dir := filepath.Join(tempDir, "reports", "corrupt")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := store.LoadReport("corrupt"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected decode error, got %v", err)
	}
}

func TestListReports_Empty(t *testing.T) {
	store, _ := setupTestStore(t)

	infos, err := store.ListReports()
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("Expected empty list, got %d reports", len(infos))
	}
}

func TestListReports_NewestFirst(t *testing.T) {
	store, _ := setupTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "middle", "new"} {
		report := createTestReport(id)
		report.Timestamp = base.Add(time.Duration(i) * time.Hour)
		if err := store.SaveReport(report); err != nil {
			t.Fatalf("Failed to save %s: %v", id, err)
		}
	}

	infos, err := store.ListReports()
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("Expected 3 reports, got %d", len(infos))
	}

	want := []string{"new", "middle", "old"}
	for i, info := range infos {
		if info.ID != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], info.ID)
		}
		if info.Device != "Fake GPU" || info.Kernels != 2 {
			t.Errorf("Unexpected info: %+v", info)
		}
	}
}

func TestListReports_SkipsInvalidEntries(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.SaveReport(createTestReport("valid")); err != nil {
		t.Fatalf("Failed to save valid report: %v", err)
	}

	if err := os.MkdirAll(filepath.Join(tempDir, "reports", "empty"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "reports", "stray.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	corrupt := filepath.Join(tempDir, "reports", "corrupt")
	if err := os.MkdirAll(corrupt, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(corrupt, "report.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}

	infos, err := store.ListReports()
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "valid" {
		t.Errorf("Expected only the valid report, got %+v", infos)
	}
}

func TestDeleteReport(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.SaveReport(createTestReport("delete-me")); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	writer, err := NewTraceWriter(tempDir, "delete-me", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	writer.Write(TraceEntry{Kernel: "add", Elements: 16})
	writer.Close()

	if err := store.DeleteReport("delete-me"); err != nil {
		t.Fatalf("DeleteReport failed: %v", err)
	}

	if _, err := store.LoadReport("delete-me"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "reports", "delete-me")); !os.IsNotExist(err) {
		t.Error("Report directory should be removed together with the trace")
	}
}

func TestDeleteReport_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.DeleteReport("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteReport(""); err == nil {
		t.Fatal("Expected error for empty ID")
	}
}

func TestConcurrentSave(t *testing.T) {
	store, _ := setupTestStore(t)

	const numReports = 10
	done := make(chan bool, numReports)

	for i := 0; i < numReports; i++ {
		go func(idx int) {
			report := createTestReport(fmt.Sprintf("concurrent-%d", idx))
			if err := store.SaveReport(report); err != nil {
				t.Errorf("Concurrent save failed: %v", err)
			}
			done <- true
		}(i)
	}

	for i := 0; i < numReports; i++ {
		<-done
	}

	infos, err := store.ListReports()
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(infos) != numReports {
		t.Errorf("Expected %d reports, got %d", numReports, len(infos))
	}
}
