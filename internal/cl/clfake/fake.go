// Package clfake is an in-memory OpenCL driver. Programs are "compiled" by
// scanning the source for kernel declarations, and the element-wise
// arithmetic kernels run on the CPU. It backs the tests and the "fake"
// driver of the command line tool.
package clfake

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwbudde/clhost/internal/cl"
	"github.com/cwbudde/clhost/internal/kernels"
)

func init() {
	cl.Register(cl.DriverFake, func() (cl.Driver, error) {
		return Default(), nil
	})
}

var (
	kernelDecl   = regexp.MustCompile(`(?:__kernel|\bkernel)\s+void\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	errorPragma  = regexp.MustCompile(`(?m)^\s*#error\s*(.*)$`)
	invalidGroup = &cl.StatusError{Op: "clEnqueueNDRangeKernel", Code: -54, Name: "CL_INVALID_WORK_GROUP_SIZE"}
)

// PlatformSpec describes one fake platform and its devices.
type PlatformSpec struct {
	Info    cl.PlatformInfo
	Devices []cl.DeviceInfo
}

// Driver is a fake cl.Driver. The zero value has no platforms.
type Driver struct {
	specs []PlatformSpec

	// Timing models the device time of one launch. When nil every launch
	// takes one microsecond per work-group.
	Timing func(kernel string, global, local int) time.Duration

	mu       sync.Mutex
	failures map[string]error
	launches []Launch

	live atomic.Int64
}

// Launch records one kernel execution.
type Launch struct {
	Kernel string
	Global int
	Local  int
}

// New returns a driver exposing the given platforms.
func New(specs ...PlatformSpec) *Driver {
	return &Driver{specs: specs}
}

// Default returns a driver with one platform holding a GPU and a CPU.
func Default() *Driver {
	return New(PlatformSpec{
		Info: cl.PlatformInfo{
			Name:    "Fake OpenCL",
			Vendor:  "clhost",
			Version: "OpenCL 1.2 fake",
			Profile: "FULL_PROFILE",
		},
		Devices: []cl.DeviceInfo{
			GPU("Fake GPU"),
			CPU("Fake CPU"),
		},
	})
}

// GPU returns an available GPU device description.
func GPU(name string) cl.DeviceInfo {
	return cl.DeviceInfo{
		Name:             name,
		Vendor:           "clhost",
		Version:          "OpenCL 1.2",
		DriverVersion:    "1.0",
		Type:             cl.DeviceTypeGPU,
		MaxComputeUnits:  16,
		MaxWorkGroupSize: 256,
		GlobalMemSize:    1 << 30,
		Available:        true,
	}
}

// CPU returns an available CPU device description.
func CPU(name string) cl.DeviceInfo {
	return cl.DeviceInfo{
		Name:             name,
		Vendor:           "clhost",
		Version:          "OpenCL 1.2",
		DriverVersion:    "1.0",
		Type:             cl.DeviceTypeCPU,
		MaxComputeUnits:  4,
		MaxWorkGroupSize: 1024,
		GlobalMemSize:    1 << 32,
		Available:        true,
	}
}

// Fail makes the named operation return err. Operations are CreateContext,
// CreateProgram, CreateQueue, CreateBuffer, CreateKernel and Run.
func (d *Driver) Fail(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures == nil {
		d.failures = make(map[string]error)
	}
	d.failures[op] = err
}

func (d *Driver) failure(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures[op]
}

// Live returns the number of created objects that have not been released.
func (d *Driver) Live() int {
	return int(d.live.Load())
}

// Launches returns the kernel executions so far.
func (d *Driver) Launches() []Launch {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Launch, len(d.launches))
	copy(out, d.launches)
	return out
}

func (d *Driver) Name() string { return cl.DriverFake }

func (d *Driver) Platforms() ([]cl.Platform, error) {
	out := make([]cl.Platform, len(d.specs))
	for i, spec := range d.specs {
		out[i] = &platform{driver: d, spec: spec}
	}
	return out, nil
}

type platform struct {
	driver *Driver
	spec   PlatformSpec
}

func (p *platform) Info() cl.PlatformInfo {
	info := p.spec.Info
	info.Devices = append([]cl.DeviceInfo(nil), p.spec.Devices...)
	return info
}

func (p *platform) Devices(t cl.DeviceType) ([]cl.Device, error) {
	var out []cl.Device
	for _, info := range p.spec.Devices {
		if info.Type.Matches(t) {
			out = append(out, &device{driver: p.driver, info: info})
		}
	}
	return out, nil
}

type device struct {
	driver *Driver
	info   cl.DeviceInfo
}

func (d *device) Info() cl.DeviceInfo { return d.info }

func (d *device) CreateContext() (cl.Context, error) {
	if err := d.driver.failure("CreateContext"); err != nil {
		return nil, err
	}
	d.driver.live.Add(1)
	return &context{driver: d.driver, device: d.info}, nil
}

type context struct {
	driver   *Driver
	device   cl.DeviceInfo
	released bool
}

func (c *context) CreateProgram(source string) (cl.Program, error) {
	if err := c.driver.failure("CreateProgram"); err != nil {
		return nil, err
	}
	c.driver.live.Add(1)
	return &program{driver: c.driver, source: source}, nil
}

func (c *context) CreateQueue() (cl.Queue, error) {
	if err := c.driver.failure("CreateQueue"); err != nil {
		return nil, err
	}
	c.driver.live.Add(1)
	return &queue{driver: c.driver, device: c.device}, nil
}

func (c *context) CreateBuffer(flags cl.MemFlags, elements int) (cl.Buffer, error) {
	if err := c.driver.failure("CreateBuffer"); err != nil {
		return nil, err
	}
	if elements <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", elements)
	}
	c.driver.live.Add(1)
	return &buffer{driver: c.driver, flags: flags, data: make([]float32, elements)}, nil
}

func (c *context) Release() {
	if !c.released {
		c.released = true
		c.driver.live.Add(-1)
	}
}

type program struct {
	driver   *Driver
	source   string
	built    bool
	kernels  map[string]bool
	released bool
}

func (p *program) Build(options string) (string, error) {
	if m := errorPragma.FindStringSubmatchIndex(p.source); m != nil {
		line := strings.Count(p.source[:m[0]], "\n") + 1
		msg := strings.TrimSpace(p.source[m[2]:m[3]])
		log := fmt.Sprintf("<source>:%d:2: error: %s\n1 error generated.", line, msg)
		return log, &cl.BuildError{
			Log: log,
			Err: &cl.StatusError{Op: "clBuildProgram", Code: -11, Name: "CL_BUILD_PROGRAM_FAILURE"},
		}
	}

	p.kernels = make(map[string]bool)
	for _, m := range kernelDecl.FindAllStringSubmatch(p.source, -1) {
		p.kernels[m[1]] = true
	}
	p.built = true

	if options != "" {
		return fmt.Sprintf("options: %s", options), nil
	}
	return "", nil
}

func (p *program) CreateKernel(name string) (cl.Kernel, error) {
	if err := p.driver.failure("CreateKernel"); err != nil {
		return nil, err
	}
	if !p.built {
		return nil, &cl.StatusError{Op: fmt.Sprintf("clCreateKernel(%s)", name), Code: -45, Name: "CL_INVALID_PROGRAM_EXECUTABLE"}
	}
	if !p.kernels[name] {
		return nil, &cl.StatusError{Op: fmt.Sprintf("clCreateKernel(%s)", name), Code: -46, Name: "CL_INVALID_KERNEL_NAME"}
	}
	p.driver.live.Add(1)
	return &kernel{driver: p.driver, name: name}, nil
}

func (p *program) Release() {
	if !p.released {
		p.released = true
		p.driver.live.Add(-1)
	}
}

type kernel struct {
	driver   *Driver
	name     string
	args     []any
	released bool
}

func (k *kernel) Name() string { return k.name }

func (k *kernel) SetArgs(args ...any) error {
	for i, arg := range args {
		switch arg.(type) {
		case *buffer, int32:
		default:
			return fmt.Errorf("kernel %s: unsupported argument %d of type %T", k.name, i, arg)
		}
	}
	k.args = append([]any(nil), args...)
	return nil
}

func (k *kernel) Release() {
	if !k.released {
		k.released = true
		k.driver.live.Add(-1)
	}
}

type buffer struct {
	driver   *Driver
	flags    cl.MemFlags
	data     []float32
	released bool
}

func (b *buffer) Len() int { return len(b.data) }

func (b *buffer) Release() {
	if !b.released {
		b.released = true
		b.driver.live.Add(-1)
	}
}

type queue struct {
	driver   *Driver
	device   cl.DeviceInfo
	released bool
}

func (q *queue) Write(buf cl.Buffer, data []float32) error {
	b, err := asBuffer(buf, len(data))
	if err != nil {
		return err
	}
	copy(b.data, data)
	return nil
}

func (q *queue) Read(buf cl.Buffer, data []float32) error {
	b, err := asBuffer(buf, len(data))
	if err != nil {
		return err
	}
	copy(data, b.data)
	return nil
}

func (q *queue) Run(k cl.Kernel, global, local int) (time.Duration, error) {
	if err := q.driver.failure("Run"); err != nil {
		return 0, err
	}
	fk, ok := k.(*kernel)
	if !ok {
		return 0, fmt.Errorf("kernel %T does not belong to the fake driver", k)
	}
	if global <= 0 {
		return 0, fmt.Errorf("global size must be positive, got %d", global)
	}
	if local > 0 && (global%local != 0 || local > q.device.MaxWorkGroupSize) {
		return 0, invalidGroup
	}

	op, err := kernels.ParseOp(fk.name)
	if err != nil {
		return 0, fmt.Errorf("fake driver cannot execute kernel %s", fk.name)
	}
	if len(fk.args) != 4 {
		return 0, &cl.StatusError{Op: fmt.Sprintf("clEnqueueNDRangeKernel(%s)", fk.name), Code: -52, Name: "CL_INVALID_KERNEL_ARGS"}
	}
	a, aok := fk.args[0].(*buffer)
	b, bok := fk.args[1].(*buffer)
	out, ook := fk.args[2].(*buffer)
	n, nok := fk.args[3].(int32)
	if !aok || !bok || !ook || !nok {
		return 0, &cl.StatusError{Op: fmt.Sprintf("clEnqueueNDRangeKernel(%s)", fk.name), Code: -52, Name: "CL_INVALID_KERNEL_ARGS"}
	}

	for i := 0; i < global && i < int(n); i++ {
		if i >= len(a.data) || i >= len(b.data) || i >= len(out.data) {
			return 0, &cl.StatusError{Op: fmt.Sprintf("clEnqueueNDRangeKernel(%s)", fk.name), Code: -5, Name: "CL_OUT_OF_RESOURCES"}
		}
		out.data[i] = op.Apply(a.data[i], b.data[i])
	}

	q.driver.mu.Lock()
	q.driver.launches = append(q.driver.launches, Launch{Kernel: fk.name, Global: global, Local: local})
	q.driver.mu.Unlock()

	if q.driver.Timing != nil {
		return q.driver.Timing(fk.name, global, local), nil
	}
	groups := global
	if local > 0 {
		groups = global / local
	}
	return time.Duration(groups) * time.Microsecond, nil
}

func (q *queue) Finish() error { return nil }

func (q *queue) Release() {
	if !q.released {
		q.released = true
		q.driver.live.Add(-1)
	}
}

func asBuffer(buf cl.Buffer, n int) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok {
		return nil, fmt.Errorf("buffer %T does not belong to the fake driver", buf)
	}
	if n > len(b.data) {
		return nil, fmt.Errorf("transfer of %d elements exceeds buffer of %d", n, len(b.data))
	}
	return b, nil
}
