package cl

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoPlatforms indicates that the runtime reported no platforms.
	ErrNoPlatforms = errors.New("no OpenCL platforms found")
	// ErrNoDevices indicates that no usable OpenCL devices were found.
	ErrNoDevices = errors.New("no OpenCL devices found")
	// ErrNotBuilt indicates the driver was not compiled into this binary.
	ErrNotBuilt = errors.New("driver not compiled in")
	// ErrUnknownDriver is returned when the name does not match a known driver.
	ErrUnknownDriver = errors.New("unknown OpenCL driver")
)

// StatusError is a failed runtime call.
type StatusError struct {
	Op   string
	Code int
	Name string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Name, e.Code)
}

// BuildError reports a program that failed to compile, with the compiler log.
type BuildError struct {
	Log string
	Err error
}

func (e *BuildError) Error() string {
	msg := "program build failed"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if first := firstLine(e.Log); first != "" {
		msg += ": " + first
	}
	return msg
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
