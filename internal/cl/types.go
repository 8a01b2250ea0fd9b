package cl

import (
	"fmt"
	"strings"
)

// DeviceType describes the class of an OpenCL device.
type DeviceType string

const (
	DeviceTypeGPU         DeviceType = "GPU"
	DeviceTypeCPU         DeviceType = "CPU"
	DeviceTypeAccelerator DeviceType = "Accelerator"
	DeviceTypeDefault     DeviceType = "Default"
	DeviceTypeUnknown     DeviceType = "Unknown"
	// DeviceTypeAll matches every device when passed to Platform.Devices.
	DeviceTypeAll DeviceType = "All"
)

// ParseDeviceType maps user input to a DeviceType.
func ParseDeviceType(name string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gpu":
		return DeviceTypeGPU, nil
	case "cpu":
		return DeviceTypeCPU, nil
	case "accelerator", "accel":
		return DeviceTypeAccelerator, nil
	case "default":
		return DeviceTypeDefault, nil
	case "all", "any":
		return DeviceTypeAll, nil
	default:
		return "", fmt.Errorf("unknown device type: %q", name)
	}
}

// Matches reports whether a device of type t satisfies a request for want.
func (t DeviceType) Matches(want DeviceType) bool {
	return want == DeviceTypeAll || t == want
}

// DeviceInfo captures metadata about an OpenCL device.
type DeviceInfo struct {
	Name             string     `json:"name"`
	Vendor           string     `json:"vendor"`
	Version          string     `json:"version"`
	DriverVersion    string     `json:"driverVersion,omitempty"`
	Type             DeviceType `json:"type"`
	MaxComputeUnits  uint32     `json:"maxComputeUnits"`
	MaxWorkGroupSize int        `json:"maxWorkGroupSize"`
	GlobalMemSize    uint64     `json:"globalMemSize"`
	Available        bool       `json:"available"`
}

// PlatformInfo captures metadata about an OpenCL platform and its devices.
type PlatformInfo struct {
	Name    string       `json:"name"`
	Vendor  string       `json:"vendor"`
	Version string       `json:"version"`
	Profile string       `json:"profile,omitempty"`
	Devices []DeviceInfo `json:"devices,omitempty"`
}

// MemFlags selects how a kernel may access a buffer.
type MemFlags int

const (
	MemReadWrite MemFlags = iota
	MemReadOnly
	MemWriteOnly
)

func (f MemFlags) String() string {
	switch f {
	case MemReadOnly:
		return "read-only"
	case MemWriteOnly:
		return "write-only"
	default:
		return "read-write"
	}
}
