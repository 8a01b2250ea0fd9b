//go:build gpu || gocl

package cl

import (
	"errors"
	"strings"
	"testing"

	"github.com/cwbudde/clhost/internal/kernels"
)

// firstDevice returns the first available device of the driver, skipping
// the test when the machine has no OpenCL runtime or device.
func firstDevice(t *testing.T, driver Driver) Device {
	t.Helper()

	platforms, err := driver.Platforms()
	if errors.Is(err, ErrNoPlatforms) || (err == nil && len(platforms) == 0) {
		t.Skipf("%s: no OpenCL platforms", driver.Name())
	}
	if err != nil {
		t.Fatalf("Platforms failed: %v", err)
	}

	for _, p := range platforms {
		devices, err := p.Devices(DeviceTypeAll)
		if errors.Is(err, ErrNoDevices) {
			continue
		}
		if err != nil {
			t.Fatalf("Devices of %s failed: %v", p.Info().Name, err)
		}
		for _, d := range devices {
			if d.Info().Available {
				return d
			}
		}
	}
	t.Skipf("%s: no available OpenCL device", driver.Name())
	return nil
}

// checkAddKernel builds the default program on the device and verifies
// one launch of the add kernel against the CPU reference.
func checkAddKernel(t *testing.T, device Device) {
	t.Helper()

	ctx, err := device.CreateContext()
	if err != nil {
		t.Fatalf("CreateContext failed: %v", err)
	}
	defer ctx.Release()

	program, err := ctx.CreateProgram(kernels.Source)
	if err != nil {
		t.Fatalf("CreateProgram failed: %v", err)
	}
	defer program.Release()

	if log, err := program.Build(""); err != nil {
		t.Fatalf("Build failed: %v\n%s", err, log)
	}

	kernel, err := program.CreateKernel(string(kernels.OpAdd))
	if err != nil {
		t.Fatalf("CreateKernel failed: %v", err)
	}
	defer kernel.Release()

	queue, err := ctx.CreateQueue()
	if err != nil {
		t.Fatalf("CreateQueue failed: %v", err)
	}
	defer queue.Release()

	const n = 1000
	a, b := kernels.Inputs(n, 7)

	bufA, err := ctx.CreateBuffer(MemReadOnly, n)
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	defer bufA.Release()
	bufB, err := ctx.CreateBuffer(MemReadOnly, n)
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	defer bufB.Release()
	bufOut, err := ctx.CreateBuffer(MemWriteOnly, n)
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	defer bufOut.Release()

	if err := queue.Write(bufA, a); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := queue.Write(bufB, b); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := kernel.SetArgs(bufA, bufB, bufOut, int32(n)); err != nil {
		t.Fatalf("SetArgs failed: %v", err)
	}
	if _, err := queue.Run(kernel, n, 0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := queue.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	got := make([]float32, n)
	if err := queue.Read(bufOut, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if _, err := kernels.Verify(kernels.OpAdd, a, b, got, 1e-5); err != nil {
		t.Errorf("add result mismatch: %v", err)
	}
}

// checkBuildLog builds a program that cannot compile and expects the
// compiler log on the returned error.
func checkBuildLog(t *testing.T, device Device) {
	t.Helper()

	ctx, err := device.CreateContext()
	if err != nil {
		t.Fatalf("CreateContext failed: %v", err)
	}
	defer ctx.Release()

	program, err := ctx.CreateProgram("#error clhost build log check\n" + kernels.Source)
	if err != nil {
		t.Fatalf("CreateProgram failed: %v", err)
	}
	defer program.Release()

	log, err := program.Build("")
	if err == nil {
		t.Fatal("Expected build to fail")
	}

	var buildErr *BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("Expected *BuildError, got %T: %v", err, err)
	}
	if strings.TrimSpace(buildErr.Log) == "" {
		t.Error("BuildError should carry the compiler log")
	}
	if log != buildErr.Log {
		t.Errorf("Returned log and BuildError.Log differ:\n%q\n%q", log, buildErr.Log)
	}
}
