//go:build gpu

package cl

/*
#cgo LDFLAGS: -lOpenCL
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#include <CL/cl.h>
#include <stdlib.h>

static const char* clhost_error_string(cl_int status) {
	switch (status) {
	case CL_SUCCESS: return "CL_SUCCESS";
	case CL_DEVICE_NOT_FOUND: return "CL_DEVICE_NOT_FOUND";
	case CL_DEVICE_NOT_AVAILABLE: return "CL_DEVICE_NOT_AVAILABLE";
	case CL_COMPILER_NOT_AVAILABLE: return "CL_COMPILER_NOT_AVAILABLE";
	case CL_MEM_OBJECT_ALLOCATION_FAILURE: return "CL_MEM_OBJECT_ALLOCATION_FAILURE";
	case CL_OUT_OF_RESOURCES: return "CL_OUT_OF_RESOURCES";
	case CL_OUT_OF_HOST_MEMORY: return "CL_OUT_OF_HOST_MEMORY";
	case CL_PROFILING_INFO_NOT_AVAILABLE: return "CL_PROFILING_INFO_NOT_AVAILABLE";
	case CL_MEM_COPY_OVERLAP: return "CL_MEM_COPY_OVERLAP";
	case CL_IMAGE_FORMAT_MISMATCH: return "CL_IMAGE_FORMAT_MISMATCH";
	case CL_IMAGE_FORMAT_NOT_SUPPORTED: return "CL_IMAGE_FORMAT_NOT_SUPPORTED";
	case CL_BUILD_PROGRAM_FAILURE: return "CL_BUILD_PROGRAM_FAILURE";
	case CL_MAP_FAILURE: return "CL_MAP_FAILURE";
	case CL_INVALID_VALUE: return "CL_INVALID_VALUE";
	case CL_INVALID_DEVICE_TYPE: return "CL_INVALID_DEVICE_TYPE";
	case CL_INVALID_PLATFORM: return "CL_INVALID_PLATFORM";
	case CL_INVALID_DEVICE: return "CL_INVALID_DEVICE";
	case CL_INVALID_CONTEXT: return "CL_INVALID_CONTEXT";
	case CL_INVALID_QUEUE_PROPERTIES: return "CL_INVALID_QUEUE_PROPERTIES";
	case CL_INVALID_COMMAND_QUEUE: return "CL_INVALID_COMMAND_QUEUE";
	case CL_INVALID_HOST_PTR: return "CL_INVALID_HOST_PTR";
	case CL_INVALID_MEM_OBJECT: return "CL_INVALID_MEM_OBJECT";
	case CL_INVALID_BINARY: return "CL_INVALID_BINARY";
	case CL_INVALID_BUILD_OPTIONS: return "CL_INVALID_BUILD_OPTIONS";
	case CL_INVALID_PROGRAM: return "CL_INVALID_PROGRAM";
	case CL_INVALID_PROGRAM_EXECUTABLE: return "CL_INVALID_PROGRAM_EXECUTABLE";
	case CL_INVALID_KERNEL_NAME: return "CL_INVALID_KERNEL_NAME";
	case CL_INVALID_KERNEL_DEFINITION: return "CL_INVALID_KERNEL_DEFINITION";
	case CL_INVALID_KERNEL: return "CL_INVALID_KERNEL";
	case CL_INVALID_ARG_INDEX: return "CL_INVALID_ARG_INDEX";
	case CL_INVALID_ARG_VALUE: return "CL_INVALID_ARG_VALUE";
	case CL_INVALID_ARG_SIZE: return "CL_INVALID_ARG_SIZE";
	case CL_INVALID_KERNEL_ARGS: return "CL_INVALID_KERNEL_ARGS";
	case CL_INVALID_WORK_DIMENSION: return "CL_INVALID_WORK_DIMENSION";
	case CL_INVALID_WORK_GROUP_SIZE: return "CL_INVALID_WORK_GROUP_SIZE";
	case CL_INVALID_WORK_ITEM_SIZE: return "CL_INVALID_WORK_ITEM_SIZE";
	case CL_INVALID_GLOBAL_OFFSET: return "CL_INVALID_GLOBAL_OFFSET";
	case CL_INVALID_EVENT_WAIT_LIST: return "CL_INVALID_EVENT_WAIT_LIST";
	case CL_INVALID_EVENT: return "CL_INVALID_EVENT";
	case CL_INVALID_OPERATION: return "CL_INVALID_OPERATION";
	case CL_INVALID_BUFFER_SIZE: return "CL_INVALID_BUFFER_SIZE";
	default: return "CL_UNKNOWN_ERROR";
	}
}

static cl_command_queue clhost_create_queue(cl_context ctx, cl_device_id device, cl_int *status) {
#if CL_TARGET_OPENCL_VERSION >= 200
	const cl_queue_properties props[] = {0};
	return clCreateCommandQueueWithProperties(ctx, device, props, status);
#else
	return clCreateCommandQueue(ctx, device, 0, status);
#endif
}
*/
import "C"

import (
	"fmt"
	"time"
	"unsafe"
)

const (
	float32Size           = C.size_t(unsafe.Sizeof(float32(0)))
	clPlatformNotFoundKHR = -1001
)

type nativeDriver struct{}

func newNativeDriver() (Driver, error) {
	return nativeDriver{}, nil
}

func (nativeDriver) Name() string { return DriverNative }

func (nativeDriver) Platforms() ([]Platform, error) {
	var count C.cl_uint
	status := C.clGetPlatformIDs(0, nil, &count)
	// The ICD loader reports CL_PLATFORM_NOT_FOUND_KHR when nothing is installed.
	if status == clPlatformNotFoundKHR {
		return nil, nil
	}
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(count)", status)
	}
	if count == 0 {
		return nil, nil
	}

	ids := make([]C.cl_platform_id, int(count))
	status = C.clGetPlatformIDs(count, &ids[0], nil)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(list)", status)
	}

	platforms := make([]Platform, 0, len(ids))
	for _, id := range ids {
		info, err := buildPlatformInfo(id)
		if err != nil {
			return nil, err
		}
		platforms = append(platforms, &nativePlatform{id: id, info: info})
	}
	return platforms, nil
}

type nativePlatform struct {
	id   C.cl_platform_id
	info PlatformInfo
}

func (p *nativePlatform) Info() PlatformInfo { return p.info }

func (p *nativePlatform) Devices(t DeviceType) ([]Device, error) {
	clType := toCLDeviceType(t)

	var count C.cl_uint
	status := C.clGetDeviceIDs(p.id, clType, 0, nil, &count)
	if status == C.CL_DEVICE_NOT_FOUND || (status == C.CL_SUCCESS && count == 0) {
		return nil, nil
	}
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetDeviceIDs(count)", status)
	}

	ids := make([]C.cl_device_id, int(count))
	status = C.clGetDeviceIDs(p.id, clType, count, &ids[0], nil)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetDeviceIDs(list)", status)
	}

	devices := make([]Device, 0, len(ids))
	for _, id := range ids {
		info, err := buildDeviceInfo(id)
		if err != nil {
			return nil, err
		}
		devices = append(devices, &nativeDevice{id: id, info: info})
	}
	return devices, nil
}

type nativeDevice struct {
	id   C.cl_device_id
	info DeviceInfo
}

func (d *nativeDevice) Info() DeviceInfo { return d.info }

func (d *nativeDevice) CreateContext() (Context, error) {
	var status C.cl_int
	ctx := C.clCreateContext(nil, 1, &d.id, nil, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateContext", status)
	}
	return &nativeContext{ctx: ctx, device: d.id}, nil
}

type nativeContext struct {
	ctx    C.cl_context
	device C.cl_device_id
}

func (c *nativeContext) CreateProgram(source string) (Program, error) {
	src := C.CString(source)
	defer C.free(unsafe.Pointer(src))

	length := C.size_t(len(source))
	var status C.cl_int
	prog := C.clCreateProgramWithSource(c.ctx, 1, &src, &length, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateProgramWithSource", status)
	}
	return &nativeProgram{prog: prog, device: c.device}, nil
}

func (c *nativeContext) CreateQueue() (Queue, error) {
	var status C.cl_int
	queue := C.clhost_create_queue(c.ctx, c.device, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateCommandQueue", status)
	}
	return &nativeQueue{queue: queue}, nil
}

func (c *nativeContext) CreateBuffer(flags MemFlags, elements int) (Buffer, error) {
	if elements <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", elements)
	}

	var clFlags C.cl_mem_flags
	switch flags {
	case MemReadOnly:
		clFlags = C.CL_MEM_READ_ONLY
	case MemWriteOnly:
		clFlags = C.CL_MEM_WRITE_ONLY
	default:
		clFlags = C.CL_MEM_READ_WRITE
	}

	var status C.cl_int
	mem := C.clCreateBuffer(c.ctx, clFlags, C.size_t(elements)*float32Size, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateBuffer", status)
	}
	return &nativeBuffer{mem: mem, n: elements}, nil
}

func (c *nativeContext) Release() {
	if c.ctx != nil {
		C.clReleaseContext(c.ctx)
		c.ctx = nil
	}
}

type nativeProgram struct {
	prog   C.cl_program
	device C.cl_device_id
}

func (p *nativeProgram) Build(options string) (string, error) {
	var opts *C.char
	if options != "" {
		opts = C.CString(options)
		defer C.free(unsafe.Pointer(opts))
	}

	status := C.clBuildProgram(p.prog, 1, &p.device, opts, nil, nil)
	log := p.buildLog()
	if status != C.CL_SUCCESS {
		return log, &BuildError{Log: log, Err: statusError("clBuildProgram", status)}
	}
	return log, nil
}

func (p *nativeProgram) buildLog() string {
	var size C.size_t
	if status := C.clGetProgramBuildInfo(p.prog, p.device, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size); status != C.CL_SUCCESS || size == 0 {
		return ""
	}

	buf := make([]byte, int(size))
	if status := C.clGetProgramBuildInfo(p.prog, p.device, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil); status != C.CL_SUCCESS {
		return ""
	}
	return trimNull(buf)
}

func (p *nativeProgram) CreateKernel(name string) (Kernel, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var status C.cl_int
	k := C.clCreateKernel(p.prog, cName, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError(fmt.Sprintf("clCreateKernel(%s)", name), status)
	}
	return &nativeKernel{kernel: k, name: name}, nil
}

func (p *nativeProgram) Release() {
	if p.prog != nil {
		C.clReleaseProgram(p.prog)
		p.prog = nil
	}
}

type nativeKernel struct {
	kernel C.cl_kernel
	name   string
}

func (k *nativeKernel) Name() string { return k.name }

func (k *nativeKernel) SetArgs(args ...any) error {
	for i, arg := range args {
		var status C.cl_int
		switch v := arg.(type) {
		case *nativeBuffer:
			status = C.clSetKernelArg(k.kernel, C.cl_uint(i), C.size_t(unsafe.Sizeof(v.mem)), unsafe.Pointer(&v.mem))
		case int32:
			cv := C.cl_int(v)
			status = C.clSetKernelArg(k.kernel, C.cl_uint(i), C.size_t(unsafe.Sizeof(cv)), unsafe.Pointer(&cv))
		default:
			return fmt.Errorf("kernel %s: unsupported argument %d of type %T", k.name, i, arg)
		}
		if status != C.CL_SUCCESS {
			return statusError(fmt.Sprintf("clSetKernelArg(%s, %d)", k.name, i), status)
		}
	}
	return nil
}

func (k *nativeKernel) Release() {
	if k.kernel != nil {
		C.clReleaseKernel(k.kernel)
		k.kernel = nil
	}
}

type nativeBuffer struct {
	mem C.cl_mem
	n   int
}

func (b *nativeBuffer) Len() int { return b.n }

func (b *nativeBuffer) Release() {
	if b.mem != nil {
		C.clReleaseMemObject(b.mem)
		b.mem = nil
	}
}

type nativeQueue struct {
	queue C.cl_command_queue
}

func (q *nativeQueue) Write(buf Buffer, data []float32) error {
	b, err := asNativeBuffer(buf, len(data))
	if err != nil || len(data) == 0 {
		return err
	}
	status := C.clEnqueueWriteBuffer(q.queue, b.mem, C.CL_TRUE, 0, C.size_t(len(data))*float32Size, unsafe.Pointer(&data[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueWriteBuffer", status)
	}
	return nil
}

func (q *nativeQueue) Read(buf Buffer, data []float32) error {
	b, err := asNativeBuffer(buf, len(data))
	if err != nil || len(data) == 0 {
		return err
	}
	status := C.clEnqueueReadBuffer(q.queue, b.mem, C.CL_TRUE, 0, C.size_t(len(data))*float32Size, unsafe.Pointer(&data[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueReadBuffer", status)
	}
	return nil
}

func (q *nativeQueue) Run(k Kernel, global, local int) (time.Duration, error) {
	nk, ok := k.(*nativeKernel)
	if !ok {
		return 0, fmt.Errorf("kernel %T does not belong to the native driver", k)
	}
	if global <= 0 {
		return 0, fmt.Errorf("global size must be positive, got %d", global)
	}

	g := C.size_t(global)
	var localPtr *C.size_t
	l := C.size_t(local)
	if local > 0 {
		localPtr = &l
	}

	start := time.Now()
	status := C.clEnqueueNDRangeKernel(q.queue, nk.kernel, 1, nil, &g, localPtr, 0, nil, nil)
	if status != C.CL_SUCCESS {
		return 0, statusError(fmt.Sprintf("clEnqueueNDRangeKernel(%s)", nk.name), status)
	}
	if err := q.Finish(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (q *nativeQueue) Finish() error {
	if status := C.clFinish(q.queue); status != C.CL_SUCCESS {
		return statusError("clFinish", status)
	}
	return nil
}

func (q *nativeQueue) Release() {
	if q.queue != nil {
		C.clReleaseCommandQueue(q.queue)
		q.queue = nil
	}
}

func asNativeBuffer(buf Buffer, n int) (*nativeBuffer, error) {
	b, ok := buf.(*nativeBuffer)
	if !ok {
		return nil, fmt.Errorf("buffer %T does not belong to the native driver", buf)
	}
	if n > b.n {
		return nil, fmt.Errorf("transfer of %d elements exceeds buffer of %d", n, b.n)
	}
	return b, nil
}

func buildPlatformInfo(id C.cl_platform_id) (PlatformInfo, error) {
	name, err := getPlatformString(id, C.CL_PLATFORM_NAME)
	if err != nil {
		return PlatformInfo{}, err
	}
	vendor, err := getPlatformString(id, C.CL_PLATFORM_VENDOR)
	if err != nil {
		return PlatformInfo{}, err
	}
	version, err := getPlatformString(id, C.CL_PLATFORM_VERSION)
	if err != nil {
		return PlatformInfo{}, err
	}
	profile, err := getPlatformString(id, C.CL_PLATFORM_PROFILE)
	if err != nil {
		return PlatformInfo{}, err
	}

	return PlatformInfo{
		Name:    name,
		Vendor:  vendor,
		Version: version,
		Profile: profile,
	}, nil
}

func buildDeviceInfo(id C.cl_device_id) (DeviceInfo, error) {
	name, err := getDeviceString(id, C.CL_DEVICE_NAME)
	if err != nil {
		return DeviceInfo{}, err
	}
	vendor, err := getDeviceString(id, C.CL_DEVICE_VENDOR)
	if err != nil {
		return DeviceInfo{}, err
	}
	version, err := getDeviceString(id, C.CL_DEVICE_VERSION)
	if err != nil {
		return DeviceInfo{}, err
	}
	driverVersion, err := getDeviceString(id, C.CL_DRIVER_VERSION)
	if err != nil {
		return DeviceInfo{}, err
	}

	var rawType C.cl_device_type
	if err := getDeviceValue(id, C.CL_DEVICE_TYPE, unsafe.Pointer(&rawType), C.size_t(unsafe.Sizeof(rawType)), "type"); err != nil {
		return DeviceInfo{}, err
	}

	var computeUnits C.cl_uint
	if err := getDeviceValue(id, C.CL_DEVICE_MAX_COMPUTE_UNITS, unsafe.Pointer(&computeUnits), C.size_t(unsafe.Sizeof(computeUnits)), "computeUnits"); err != nil {
		return DeviceInfo{}, err
	}

	var workGroup C.size_t
	if err := getDeviceValue(id, C.CL_DEVICE_MAX_WORK_GROUP_SIZE, unsafe.Pointer(&workGroup), C.size_t(unsafe.Sizeof(workGroup)), "workGroupSize"); err != nil {
		return DeviceInfo{}, err
	}

	var globalMem C.cl_ulong
	if err := getDeviceValue(id, C.CL_DEVICE_GLOBAL_MEM_SIZE, unsafe.Pointer(&globalMem), C.size_t(unsafe.Sizeof(globalMem)), "globalMemSize"); err != nil {
		return DeviceInfo{}, err
	}

	var available C.cl_bool
	if err := getDeviceValue(id, C.CL_DEVICE_AVAILABLE, unsafe.Pointer(&available), C.size_t(unsafe.Sizeof(available)), "available"); err != nil {
		return DeviceInfo{}, err
	}

	return DeviceInfo{
		Name:             name,
		Vendor:           vendor,
		Version:          version,
		DriverVersion:    driverVersion,
		Type:             mapDeviceType(rawType),
		MaxComputeUnits:  uint32(computeUnits),
		MaxWorkGroupSize: int(workGroup),
		GlobalMemSize:    uint64(globalMem),
		Available:        available == C.CL_TRUE,
	}, nil
}

func getDeviceValue(id C.cl_device_id, param C.cl_device_info, dst unsafe.Pointer, size C.size_t, label string) error {
	status := C.clGetDeviceInfo(id, param, size, dst, nil)
	if status != C.CL_SUCCESS {
		return statusError("clGetDeviceInfo("+label+")", status)
	}
	return nil
}

func getPlatformString(id C.cl_platform_id, param C.cl_platform_info) (string, error) {
	var size C.size_t
	status := C.clGetPlatformInfo(id, param, 0, nil, &size)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetPlatformInfo(size)", status)
	}
	if size == 0 {
		return "", nil
	}

	buf := make([]byte, int(size))
	status = C.clGetPlatformInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetPlatformInfo(value)", status)
	}

	return trimNull(buf), nil
}

func getDeviceString(id C.cl_device_id, param C.cl_device_info) (string, error) {
	var size C.size_t
	status := C.clGetDeviceInfo(id, param, 0, nil, &size)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(size)", status)
	}
	if size == 0 {
		return "", nil
	}

	buf := make([]byte, int(size))
	status = C.clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(value)", status)
	}

	return trimNull(buf), nil
}

func trimNull(buf []byte) string {
	if len(buf) == 0 {
		return ""
	}
	if buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf)
}

func toCLDeviceType(t DeviceType) C.cl_device_type {
	switch t {
	case DeviceTypeGPU:
		return C.CL_DEVICE_TYPE_GPU
	case DeviceTypeCPU:
		return C.CL_DEVICE_TYPE_CPU
	case DeviceTypeAccelerator:
		return C.CL_DEVICE_TYPE_ACCELERATOR
	case DeviceTypeDefault:
		return C.CL_DEVICE_TYPE_DEFAULT
	default:
		return C.CL_DEVICE_TYPE_ALL
	}
}

func mapDeviceType(dt C.cl_device_type) DeviceType {
	switch {
	case dt&C.CL_DEVICE_TYPE_GPU != 0:
		return DeviceTypeGPU
	case dt&C.CL_DEVICE_TYPE_CPU != 0:
		return DeviceTypeCPU
	case dt&C.CL_DEVICE_TYPE_ACCELERATOR != 0:
		return DeviceTypeAccelerator
	case dt&C.CL_DEVICE_TYPE_DEFAULT != 0:
		return DeviceTypeDefault
	default:
		return DeviceTypeUnknown
	}
}

func statusError(op string, status C.cl_int) error {
	return &StatusError{
		Op:   op,
		Code: int(status),
		Name: C.GoString(C.clhost_error_string(status)),
	}
}
