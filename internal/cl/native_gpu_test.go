//go:build gpu

package cl

import "testing"

func TestNativeDriverAddKernel(t *testing.T) {
	driver, err := Open(DriverNative)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	checkAddKernel(t, firstDevice(t, driver))
}

func TestNativeDriverBuildLog(t *testing.T) {
	driver, err := Open(DriverNative)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	checkBuildLog(t, firstDevice(t, driver))
}
