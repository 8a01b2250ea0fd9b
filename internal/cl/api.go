package cl

import "time"

// Driver is an entry point into one OpenCL implementation.
type Driver interface {
	Name() string
	Platforms() ([]Platform, error)
}

// Platform is a vendor runtime installation.
type Platform interface {
	Info() PlatformInfo
	// Devices returns the platform's devices of the given type. A platform
	// without matching devices returns an empty slice and no error.
	Devices(t DeviceType) ([]Device, error)
}

// Device is a compute unit exposed by a platform.
type Device interface {
	Info() DeviceInfo
	CreateContext() (Context, error)
}

// Context scopes programs, buffers and queues to a single device.
type Context interface {
	CreateProgram(source string) (Program, error)
	CreateQueue() (Queue, error)
	// CreateBuffer allocates a device buffer of float32 elements.
	CreateBuffer(flags MemFlags, elements int) (Buffer, error)
	Release()
}

// Program is compiled kernel source.
type Program interface {
	// Build compiles the program. The build log is returned even when
	// compilation succeeds; on failure err is a *BuildError.
	Build(options string) (log string, err error)
	CreateKernel(name string) (Kernel, error)
	Release()
}

// Kernel is a named entry point within a built program.
type Kernel interface {
	Name() string
	// SetArgs binds arguments in order. Supported values are Buffer and int32.
	SetArgs(args ...any) error
	Release()
}

// Buffer is device memory holding float32 elements.
type Buffer interface {
	Len() int
	Release()
}

// Queue is an in-order command queue.
type Queue interface {
	Write(buf Buffer, data []float32) error
	Read(buf Buffer, data []float32) error
	// Run enqueues a one-dimensional range and waits for it to complete.
	// A local size of zero lets the runtime choose.
	Run(k Kernel, global, local int) (time.Duration, error)
	Finish() error
	Release()
}
