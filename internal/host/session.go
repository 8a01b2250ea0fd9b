// Package host runs the OpenCL host program flow: discover platforms,
// pick a device, compile the kernel source, create kernels and a queue,
// and release everything again.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cwbudde/clhost/internal/cl"
	"github.com/cwbudde/clhost/internal/kernels"
	"github.com/cwbudde/clhost/internal/store"
)

// Stage is how far Run takes the host program.
type Stage string

const (
	// StageBuild discovers, selects a device, and compiles the program.
	StageBuild Stage = "build"
	// StageKernels additionally creates the kernels and the command queue.
	StageKernels Stage = "kernels"
	// StageRun marks sessions that executed kernels after StageKernels.
	StageRun Stage = "run"
)

// ParseStage maps a stage name to a Stage.
func ParseStage(name string) (Stage, error) {
	switch s := Stage(strings.ToLower(strings.TrimSpace(name))); s {
	case StageBuild, StageKernels, StageRun:
		return s, nil
	default:
		return "", fmt.Errorf("unknown stage: %q (valid: build, kernels, run)", name)
	}
}

// Options controls device selection and program compilation.
type Options struct {
	// DeviceType is the wanted device class. Empty means GPU.
	DeviceType cl.DeviceType
	// PlatformIndex restricts the search to one platform. -1 uses the
	// first platform, or every platform when SearchAll is set.
	PlatformIndex int
	SearchAll     bool
	// Fallback widens the search to CPU devices and then to any device.
	Fallback bool

	// Source is kernel text supplied directly. It takes precedence over
	// SourcePath, which then only names the program in reports.
	Source      string
	SourcePath  string
	UseEmbedded bool

	BuildOptions string
	// Kernels are created by CreateKernels when it is called without names.
	Kernels []string
}

// DefaultOptions returns the behaviour of the plain host program: first
// GPU of the first platform, testkernel.cl from the working directory.
func DefaultOptions() Options {
	return Options{
		DeviceType:    cl.DeviceTypeGPU,
		PlatformIndex: -1,
		SourcePath:    kernels.DefaultFile,
	}
}

// Session is one run of the host program against a driver. It is not safe
// for concurrent use.
type Session struct {
	driver cl.Driver
	opts   Options
	out    io.Writer

	id      string
	started time.Time
	stage   Stage

	platforms []cl.Platform
	platform  cl.Platform
	device    cl.Device
	context   cl.Context
	program   cl.Program
	queue     cl.Queue

	kernels     map[string]cl.Kernel
	kernelOrder []string

	source     string
	sourceName string
	buildLog   string
	results    []store.KernelResult
	err        error
	closed     bool
}

// NewSession prepares a session. Diagnostic lines are written to out,
// which may be nil to discard them.
func NewSession(driver cl.Driver, opts Options, out io.Writer) *Session {
	if opts.DeviceType == "" {
		opts.DeviceType = cl.DeviceTypeGPU
	}
	if out == nil {
		out = io.Discard
	}
	report := store.NewReport(driver.Name())
	return &Session{
		driver:  driver,
		opts:    opts,
		out:     out,
		id:      report.ID,
		started: report.Timestamp,
		kernels: make(map[string]cl.Kernel),
	}
}

// ID returns the identifier used for the session's report.
func (s *Session) ID() string {
	return s.id
}

// Options returns the options the session was created with.
func (s *Session) Options() Options {
	return s.opts
}

// fail records the first error of the session and returns err unchanged.
func (s *Session) fail(err error) error {
	if err != nil && s.err == nil {
		s.err = err
	}
	return err
}

// Run executes the host program up to the given stage. The context is
// checked between steps; a step already in progress is not interrupted.
func (s *Session) Run(ctx context.Context, stage Stage) error {
	s.stage = stage

	steps := []func() error{
		s.Discover,
		s.SelectDevice,
		s.CreateContext,
		s.LoadProgram,
		s.Build,
	}
	if stage != StageBuild {
		steps = append(steps,
			func() error { return s.CreateKernels() },
			s.CreateQueue,
		)
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return s.fail(err)
		}
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// Discover enumerates the platforms and prints their name and vendor.
func (s *Session) Discover() error {
	platforms, err := s.driver.Platforms()
	if err != nil {
		return s.fail(fmt.Errorf("could not get platforms: %w", err))
	}
	if len(platforms) == 0 {
		return s.fail(fmt.Errorf("could not get platforms: %w", cl.ErrNoPlatforms))
	}
	s.platforms = platforms

	for _, p := range platforms {
		info := p.Info()
		fmt.Fprintf(s.out, "Platform found: %s\n", info.Name)
		fmt.Fprintf(s.out, "Vendor: %s\n\n", info.Vendor)
	}

	slog.Debug("Discovered platforms", "driver", s.driver.Name(), "count", len(platforms))
	return nil
}

// SelectDevice picks the device the rest of the session runs on and
// prints its name and vendor.
func (s *Session) SelectDevice() error {
	if len(s.platforms) == 0 {
		return s.fail(fmt.Errorf("select device: %w", cl.ErrNoPlatforms))
	}

	candidates, err := s.searchPlatforms()
	if err != nil {
		return s.fail(err)
	}

	wanted := []cl.DeviceType{s.opts.DeviceType}
	if s.opts.Fallback {
		for _, t := range []cl.DeviceType{cl.DeviceTypeCPU, cl.DeviceTypeAll} {
			if t != s.opts.DeviceType {
				wanted = append(wanted, t)
			}
		}
	}

	for _, t := range wanted {
		for _, p := range candidates {
			devices, err := p.Devices(t)
			if err != nil {
				return s.fail(fmt.Errorf("could not get %s devices of %s: %w", t, p.Info().Name, err))
			}
			for _, d := range devices {
				info := d.Info()
				if !info.Available {
					slog.Debug("Skipping unavailable device", "device", info.Name)
					continue
				}

				s.platform = p
				s.device = d
				if t != s.opts.DeviceType {
					slog.Warn("Falling back to another device type", "wanted", s.opts.DeviceType, "selected", info.Type)
				}
				fmt.Fprintf(s.out, "\nSelected Device: %s\n", info.Name)
				fmt.Fprintf(s.out, "Selected Device Vendor: %s\n", info.Vendor)
				return nil
			}
		}
	}

	return s.fail(fmt.Errorf("could not find %s device: %w", s.opts.DeviceType, cl.ErrNoDevices))
}

func (s *Session) searchPlatforms() ([]cl.Platform, error) {
	switch {
	case s.opts.PlatformIndex >= 0:
		if s.opts.PlatformIndex >= len(s.platforms) {
			return nil, fmt.Errorf("platform index %d out of range (found %d platforms)", s.opts.PlatformIndex, len(s.platforms))
		}
		return s.platforms[s.opts.PlatformIndex : s.opts.PlatformIndex+1], nil
	case s.opts.SearchAll:
		return s.platforms, nil
	default:
		return s.platforms[:1], nil
	}
}

// CreateContext creates a context for the selected device.
func (s *Session) CreateContext() error {
	if s.device == nil {
		return s.fail(errors.New("create context: no device selected"))
	}
	ctx, err := s.device.CreateContext()
	if err != nil {
		return s.fail(fmt.Errorf("could not create context: %w", err))
	}
	s.context = ctx
	return nil
}

// LoadProgram reads the kernel source and creates a program from it.
func (s *Session) LoadProgram() error {
	if s.context == nil {
		return s.fail(errors.New("load program: no context"))
	}

	source, name, err := s.readSource()
	if err != nil {
		return s.fail(err)
	}
	if strings.TrimSpace(source) == "" {
		return s.fail(fmt.Errorf("program source %s is empty", name))
	}

	program, err := s.context.CreateProgram(source)
	if err != nil {
		return s.fail(fmt.Errorf("could not create program with source: %w", err))
	}

	s.source = source
	s.sourceName = name
	s.program = program
	slog.Debug("Program created", "source", name, "bytes", len(source))
	return nil
}

func (s *Session) readSource() (source, name string, err error) {
	switch {
	case s.opts.Source != "":
		name = s.opts.SourcePath
		if name == "" {
			name = "<inline>"
		}
		return s.opts.Source, name, nil
	case s.opts.SourcePath == "" && s.opts.UseEmbedded:
		return kernels.Source, "<embedded>", nil
	}

	path := s.opts.SourcePath
	if path == "" {
		path = kernels.DefaultFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", path, fmt.Errorf("could not open program file %s: %w", path, err)
	}
	return string(data), path, nil
}

// Build compiles the program. On failure the returned error is a
// *cl.BuildError carrying the compiler log.
func (s *Session) Build() error {
	if s.program == nil {
		return s.fail(errors.New("build: no program"))
	}

	log, err := s.program.Build(s.opts.BuildOptions)
	s.buildLog = log
	if err != nil {
		var buildErr *cl.BuildError
		if !errors.As(err, &buildErr) {
			err = &cl.BuildError{Log: log, Err: err}
		}
		return s.fail(err)
	}

	slog.Debug("Program built", "source", s.sourceName, "options", s.opts.BuildOptions)
	return nil
}

// BuildLog returns the compiler output of the last Build.
func (s *Session) BuildLog() string {
	return s.buildLog
}

// CreateKernels creates the named kernels. Without names the kernels from
// Options are used, and without those every kernel of the default program.
// A name is only created once.
func (s *Session) CreateKernels(names ...string) error {
	if s.program == nil {
		return s.fail(errors.New("create kernels: no program"))
	}
	if len(names) == 0 {
		names = s.opts.Kernels
	}
	if len(names) == 0 {
		names = kernels.Names()
	}

	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := s.kernels[name]; ok {
			continue
		}
		k, err := s.program.CreateKernel(name)
		if err != nil {
			return s.fail(fmt.Errorf("could not create kernel %q: %w", name, err))
		}
		s.kernels[name] = k
		s.kernelOrder = append(s.kernelOrder, name)
	}

	slog.Debug("Kernels created", "kernels", s.kernelOrder)
	return nil
}

// Kernels returns the names of the created kernels in creation order.
func (s *Session) Kernels() []string {
	return append([]string(nil), s.kernelOrder...)
}

// CreateQueue creates the command queue on the selected device.
func (s *Session) CreateQueue() error {
	if s.context == nil {
		return s.fail(errors.New("create queue: no context"))
	}
	queue, err := s.context.CreateQueue()
	if err != nil {
		return s.fail(fmt.Errorf("could not create command queue: %w", err))
	}
	s.queue = queue
	return nil
}

// Device returns the selected device's description.
func (s *Session) Device() (cl.DeviceInfo, bool) {
	if s.device == nil {
		return cl.DeviceInfo{}, false
	}
	return s.device.Info(), true
}

// Execute runs a binary element-wise kernel over a and b and returns the
// output with the device time. The runtime chooses the work-group size.
func (s *Session) Execute(name string, a, b []float32) ([]float32, time.Duration, error) {
	return s.ExecuteLocal(name, a, b, 0)
}

// ExecuteLocal is Execute with an explicit work-group size. The global size
// is rounded up to a multiple of local; the kernels guard the extra items.
func (s *Session) ExecuteLocal(name string, a, b []float32, local int) ([]float32, time.Duration, error) {
	k, ok := s.kernels[name]
	if !ok {
		return nil, 0, fmt.Errorf("kernel %q has not been created", name)
	}
	if s.queue == nil {
		return nil, 0, errors.New("execute: no command queue")
	}
	if len(a) == 0 {
		return nil, 0, errors.New("execute: empty input")
	}
	if len(a) != len(b) {
		return nil, 0, fmt.Errorf("execute: input length mismatch: %d vs %d", len(a), len(b))
	}
	if local < 0 {
		return nil, 0, fmt.Errorf("execute: negative local size %d", local)
	}

	n := len(a)
	global := n
	if local > 0 {
		global = (n + local - 1) / local * local
	}

	var bufs []cl.Buffer
	defer func() {
		for i := len(bufs) - 1; i >= 0; i-- {
			bufs[i].Release()
		}
	}()
	for _, flags := range []cl.MemFlags{cl.MemReadOnly, cl.MemReadOnly, cl.MemWriteOnly} {
		buf, err := s.context.CreateBuffer(flags, n)
		if err != nil {
			return nil, 0, fmt.Errorf("could not create %s buffer: %w", flags, err)
		}
		bufs = append(bufs, buf)
	}

	if err := s.queue.Write(bufs[0], a); err != nil {
		return nil, 0, fmt.Errorf("write input a: %w", err)
	}
	if err := s.queue.Write(bufs[1], b); err != nil {
		return nil, 0, fmt.Errorf("write input b: %w", err)
	}
	if err := k.SetArgs(bufs[0], bufs[1], bufs[2], int32(n)); err != nil {
		return nil, 0, fmt.Errorf("set %s arguments: %w", name, err)
	}

	elapsed, err := s.queue.Run(k, global, local)
	if err != nil {
		return nil, 0, fmt.Errorf("run %s: %w", name, err)
	}

	out := make([]float32, n)
	if err := s.queue.Read(bufs[2], out); err != nil {
		return nil, 0, fmt.Errorf("read %s output: %w", name, err)
	}

	slog.Debug("Kernel executed", "kernel", name, "elements", n, "global", global, "local", local, "duration", elapsed)
	return out, elapsed, nil
}

// VerifyKernel executes a kernel on deterministic inputs, checks the output
// against the CPU reference, and records the result for the report.
func (s *Session) VerifyKernel(name string, elements int, seed int64, tolerance float64, local int) store.KernelResult {
	s.stage = StageRun
	result := store.KernelResult{Kernel: name, Elements: elements, LocalSize: local}

	if elements <= 0 {
		result.Error = fmt.Sprintf("elements must be positive, got %d", elements)
		s.results = append(s.results, result)
		return result
	}

	op, err := kernels.ParseOp(name)
	if err != nil {
		result.Error = err.Error()
		s.results = append(s.results, result)
		return result
	}

	a, b := kernels.Inputs(elements, seed)
	got, elapsed, err := s.ExecuteLocal(name, a, b, local)
	if err != nil {
		result.Error = err.Error()
		s.results = append(s.results, result)
		return result
	}
	result.Duration = elapsed

	maxErr, err := kernels.Verify(op, a, b, got, tolerance)
	result.MaxError = maxErr
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Passed = true
	}

	s.results = append(s.results, result)
	return result
}

// Results returns the recorded kernel results.
func (s *Session) Results() []store.KernelResult {
	return append([]store.KernelResult(nil), s.results...)
}

// Err returns the first error the session ran into.
func (s *Session) Err() error {
	return s.err
}

// Close releases the queue, kernels, program and context in reverse order
// of creation. It is safe to call more than once.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true

	if s.queue != nil {
		s.queue.Release()
		s.queue = nil
	}
	for i := len(s.kernelOrder) - 1; i >= 0; i-- {
		s.kernels[s.kernelOrder[i]].Release()
	}
	s.kernels = make(map[string]cl.Kernel)
	if s.program != nil {
		s.program.Release()
		s.program = nil
	}
	if s.context != nil {
		s.context.Release()
		s.context = nil
	}

	slog.Debug("Session released", "report_id", s.id)
}

// Report returns a snapshot of the session as a store report.
func (s *Session) Report() *store.Report {
	report := &store.Report{
		ID:           s.id,
		Timestamp:    s.started,
		Driver:       s.driver.Name(),
		SourcePath:   s.sourceName,
		BuildOptions: s.opts.BuildOptions,
		Stage:        string(s.stage),
		BuildLog:     s.buildLog,
		Kernels:      append([]string(nil), s.kernelOrder...),
		Results:      s.Results(),
	}
	if s.source != "" {
		report.SourceSHA256 = store.HashSource(s.source)
	}
	if s.platform != nil {
		report.Platform = s.platform.Info()
	}
	if s.device != nil {
		report.Device = s.device.Info()
	}

	switch {
	case s.err != nil:
		report.Status = store.StatusFailed
		report.Error = s.err.Error()
	case len(s.results) == 0:
		report.Status = store.StatusBuilt
	case report.Passed():
		report.Status = store.StatusVerified
	default:
		report.Status = store.StatusFailed
		for _, res := range s.results {
			if !res.Passed {
				report.Error = fmt.Sprintf("kernel %s: %s", res.Kernel, res.Error)
				break
			}
		}
	}

	return report
}
