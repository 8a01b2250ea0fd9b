//go:build gocl

package cl

import (
	"fmt"
	"time"
	"unsafe"

	gocl "github.com/jgillich/go-opencl/cl"
)

type goclDriver struct{}

func newGoCLDriver() (Driver, error) {
	return goclDriver{}, nil
}

func (goclDriver) Name() string { return DriverGoCL }

func (goclDriver) Platforms() ([]Platform, error) {
	platforms, err := gocl.GetPlatforms()
	if err != nil {
		return nil, fmt.Errorf("get platforms: %w", err)
	}

	out := make([]Platform, 0, len(platforms))
	for _, p := range platforms {
		out = append(out, &goclPlatform{
			p: p,
			info: PlatformInfo{
				Name:    p.Name(),
				Vendor:  p.Vendor(),
				Version: p.Version(),
				Profile: p.Profile(),
			},
		})
	}
	return out, nil
}

type goclPlatform struct {
	p    *gocl.Platform
	info PlatformInfo
}

func (p *goclPlatform) Info() PlatformInfo { return p.info }

func (p *goclPlatform) Devices(t DeviceType) ([]Device, error) {
	devices, err := p.p.GetDevices(toGoCLDeviceType(t))
	if err != nil {
		// go-opencl surfaces CL_DEVICE_NOT_FOUND as an error; treat it as empty.
		if err == gocl.ErrDeviceNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get devices: %w", err)
	}

	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, &goclDevice{
			d: d,
			info: DeviceInfo{
				Name:             d.Name(),
				Vendor:           d.Vendor(),
				Version:          d.Version(),
				DriverVersion:    d.DriverVersion(),
				Type:             fromGoCLDeviceType(d.Type()),
				MaxComputeUnits:  uint32(d.MaxComputeUnits()),
				MaxWorkGroupSize: d.MaxWorkGroupSize(),
				GlobalMemSize:    uint64(d.GlobalMemSize()),
				Available:        d.Available(),
			},
		})
	}
	return out, nil
}

type goclDevice struct {
	d    *gocl.Device
	info DeviceInfo
}

func (d *goclDevice) Info() DeviceInfo { return d.info }

func (d *goclDevice) CreateContext() (Context, error) {
	ctx, err := gocl.CreateContext([]*gocl.Device{d.d})
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	return &goclContext{ctx: ctx, device: d.d}, nil
}

type goclContext struct {
	ctx    *gocl.Context
	device *gocl.Device
}

func (c *goclContext) CreateProgram(source string) (Program, error) {
	prog, err := c.ctx.CreateProgramWithSource([]string{source})
	if err != nil {
		return nil, fmt.Errorf("create program: %w", err)
	}
	return &goclProgram{prog: prog, device: c.device}, nil
}

func (c *goclContext) CreateQueue() (Queue, error) {
	queue, err := c.ctx.CreateCommandQueue(c.device, 0)
	if err != nil {
		return nil, fmt.Errorf("create command queue: %w", err)
	}
	return &goclQueue{queue: queue}, nil
}

func (c *goclContext) CreateBuffer(flags MemFlags, elements int) (Buffer, error) {
	if elements <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", elements)
	}

	var clFlags gocl.MemFlag
	switch flags {
	case MemReadOnly:
		clFlags = gocl.MemReadOnly
	case MemWriteOnly:
		clFlags = gocl.MemWriteOnly
	default:
		clFlags = gocl.MemReadWrite
	}

	mem, err := c.ctx.CreateEmptyBuffer(clFlags, 4*elements)
	if err != nil {
		return nil, fmt.Errorf("create buffer: %w", err)
	}
	return &goclBuffer{mem: mem, n: elements}, nil
}

func (c *goclContext) Release() {
	if c.ctx != nil {
		c.ctx.Release()
		c.ctx = nil
	}
}

type goclProgram struct {
	prog   *gocl.Program
	device *gocl.Device
}

// Build returns the compiler output as the log. go-opencl only exposes the
// log through the error it returns, so a successful build has an empty log.
func (p *goclProgram) Build(options string) (string, error) {
	if err := p.prog.BuildProgram([]*gocl.Device{p.device}, options); err != nil {
		if buildErr, ok := err.(gocl.BuildError); ok {
			log := string(buildErr)
			return log, &BuildError{Log: log}
		}
		return "", &BuildError{Err: err}
	}
	return "", nil
}

func (p *goclProgram) CreateKernel(name string) (Kernel, error) {
	k, err := p.prog.CreateKernel(name)
	if err != nil {
		return nil, fmt.Errorf("create kernel %s: %w", name, err)
	}
	return &goclKernel{kernel: k, name: name}, nil
}

func (p *goclProgram) Release() {
	if p.prog != nil {
		p.prog.Release()
		p.prog = nil
	}
}

type goclKernel struct {
	kernel *gocl.Kernel
	name   string
}

func (k *goclKernel) Name() string { return k.name }

func (k *goclKernel) SetArgs(args ...any) error {
	converted := make([]interface{}, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case *goclBuffer:
			converted[i] = v.mem
		case int32:
			converted[i] = v
		default:
			return fmt.Errorf("kernel %s: unsupported argument %d of type %T", k.name, i, arg)
		}
	}
	if err := k.kernel.SetArgs(converted...); err != nil {
		return fmt.Errorf("kernel %s: set args: %w", k.name, err)
	}
	return nil
}

func (k *goclKernel) Release() {
	if k.kernel != nil {
		k.kernel.Release()
		k.kernel = nil
	}
}

type goclBuffer struct {
	mem *gocl.MemObject
	n   int
}

func (b *goclBuffer) Len() int { return b.n }

func (b *goclBuffer) Release() {
	if b.mem != nil {
		b.mem.Release()
		b.mem = nil
	}
}

type goclQueue struct {
	queue *gocl.CommandQueue
}

func (q *goclQueue) Write(buf Buffer, data []float32) error {
	b, err := asGoCLBuffer(buf, len(data))
	if err != nil || len(data) == 0 {
		return err
	}
	size := int(unsafe.Sizeof(data[0])) * len(data)
	if _, err := q.queue.EnqueueWriteBuffer(b.mem, true, 0, size, unsafe.Pointer(&data[0]), nil); err != nil {
		return fmt.Errorf("enqueue write buffer: %w", err)
	}
	return nil
}

func (q *goclQueue) Read(buf Buffer, data []float32) error {
	b, err := asGoCLBuffer(buf, len(data))
	if err != nil || len(data) == 0 {
		return err
	}
	size := int(unsafe.Sizeof(data[0])) * len(data)
	if _, err := q.queue.EnqueueReadBuffer(b.mem, true, 0, size, unsafe.Pointer(&data[0]), nil); err != nil {
		return fmt.Errorf("enqueue read buffer: %w", err)
	}
	return nil
}

func (q *goclQueue) Run(k Kernel, global, local int) (time.Duration, error) {
	gk, ok := k.(*goclKernel)
	if !ok {
		return 0, fmt.Errorf("kernel %T does not belong to the go-opencl driver", k)
	}
	if global <= 0 {
		return 0, fmt.Errorf("global size must be positive, got %d", global)
	}

	var localSize []int
	if local > 0 {
		localSize = []int{local}
	}

	start := time.Now()
	if _, err := q.queue.EnqueueNDRangeKernel(gk.kernel, nil, []int{global}, localSize, nil); err != nil {
		return 0, fmt.Errorf("enqueue kernel %s: %w", gk.name, err)
	}
	if err := q.Finish(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (q *goclQueue) Finish() error {
	if err := q.queue.Finish(); err != nil {
		return fmt.Errorf("finish: %w", err)
	}
	return nil
}

func (q *goclQueue) Release() {
	if q.queue != nil {
		q.queue.Release()
		q.queue = nil
	}
}

func asGoCLBuffer(buf Buffer, n int) (*goclBuffer, error) {
	b, ok := buf.(*goclBuffer)
	if !ok {
		return nil, fmt.Errorf("buffer %T does not belong to the go-opencl driver", buf)
	}
	if n > b.n {
		return nil, fmt.Errorf("transfer of %d elements exceeds buffer of %d", n, b.n)
	}
	return b, nil
}

func toGoCLDeviceType(t DeviceType) gocl.DeviceType {
	switch t {
	case DeviceTypeGPU:
		return gocl.DeviceTypeGPU
	case DeviceTypeCPU:
		return gocl.DeviceTypeCPU
	case DeviceTypeAccelerator:
		return gocl.DeviceTypeAccelerator
	case DeviceTypeDefault:
		return gocl.DeviceTypeDefault
	default:
		return gocl.DeviceTypeAll
	}
}

func fromGoCLDeviceType(t gocl.DeviceType) DeviceType {
	switch {
	case t&gocl.DeviceTypeGPU != 0:
		return DeviceTypeGPU
	case t&gocl.DeviceTypeCPU != 0:
		return DeviceTypeCPU
	case t&gocl.DeviceTypeAccelerator != 0:
		return DeviceTypeAccelerator
	case t&gocl.DeviceTypeDefault != 0:
		return DeviceTypeDefault
	default:
		return DeviceTypeUnknown
	}
}
