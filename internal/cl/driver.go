package cl

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	DriverNative = "native"
	DriverGoCL   = "gocl"
	DriverFake   = "fake"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]func() (Driver, error){
		DriverNative: newNativeDriver,
		DriverGoCL:   newGoCLDriver,
	}
)

// Register makes a driver constructor available to Open under name.
func Register(name string, open func() (Driver, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = open
}

// NormalizeDriver maps arbitrary user input to a canonical driver name.
func NormalizeDriver(name string) string {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "", "native", "cgo", "opencl":
		return DriverNative
	case "gocl", "go-opencl", "jgillich":
		return DriverGoCL
	default:
		return n
	}
}

// Drivers lists the registered driver names.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open returns the named driver.
func Open(name string) (Driver, error) {
	canonical := NormalizeDriver(name)

	registryMu.RLock()
	open, ok := registry[canonical]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, name)
	}
	return open()
}
