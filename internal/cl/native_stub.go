//go:build !gpu

package cl

import "fmt"

func newNativeDriver() (Driver, error) {
	return nil, fmt.Errorf("%w: native OpenCL driver requires building with '-tags gpu'", ErrNotBuilt)
}
