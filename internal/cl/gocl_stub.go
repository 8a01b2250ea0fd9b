//go:build !gocl

package cl

import "fmt"

func newGoCLDriver() (Driver, error) {
	return nil, fmt.Errorf("%w: go-opencl driver requires building with '-tags gocl'", ErrNotBuilt)
}
