// Package kernels holds the default kernel source and the CPU reference
// used to check what a device computed.
package kernels

import (
	_ "embed"
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// Source is the default program: add, sub, mult and div over float vectors.
//
//go:embed testkernel.cl
var Source string

// DefaultFile is the kernel file the host program loads when none is given.
const DefaultFile = "testkernel.cl"

// Op is an element-wise binary kernel.
type Op string

const (
	OpAdd  Op = "add"
	OpSub  Op = "sub"
	OpMult Op = "mult"
	OpDiv  Op = "div"
)

// Ops returns the kernels defined by Source in declaration order.
func Ops() []Op {
	return []Op{OpAdd, OpSub, OpMult, OpDiv}
}

// Names returns the kernel names defined by Source.
func Names() []string {
	ops := Ops()
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = string(op)
	}
	return names
}

// ParseOp maps a kernel name to its Op.
func ParseOp(name string) (Op, error) {
	switch op := Op(strings.ToLower(strings.TrimSpace(name))); op {
	case OpAdd, OpSub, OpMult, OpDiv:
		return op, nil
	default:
		return "", fmt.Errorf("unknown kernel: %q", name)
	}
}

// Apply computes one element. Division follows IEEE 754.
func (op Op) Apply(a, b float32) float32 {
	switch op {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpMult:
		return a * b
	case OpDiv:
		return a / b
	default:
		return float32(math.NaN())
	}
}

// Reference computes op over equal-length inputs on the CPU.
func Reference(op Op, a, b []float32) ([]float32, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("input length mismatch: %d vs %d", len(a), len(b))
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = op.Apply(a[i], b[i])
	}
	return out, nil
}

// MismatchError reports the first element a device got wrong.
type MismatchError struct {
	Op    Op
	Index int
	Want  float32
	Got   float32
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: element %d: want %g, got %g", e.Op, e.Index, e.Want, e.Got)
}

// Verify compares got against the CPU reference and returns the largest
// relative error seen. NaN and infinities must match by class.
func Verify(op Op, a, b, got []float32, tolerance float64) (float64, error) {
	want, err := Reference(op, a, b)
	if err != nil {
		return 0, err
	}
	if len(got) != len(want) {
		return 0, fmt.Errorf("%s: result length %d, want %d", op, len(got), len(want))
	}

	var maxErr float64
	for i := range want {
		w, g := float64(want[i]), float64(got[i])

		switch {
		case math.IsNaN(w) || math.IsNaN(g):
			if math.IsNaN(w) != math.IsNaN(g) {
				return maxErr, &MismatchError{Op: op, Index: i, Want: want[i], Got: got[i]}
			}
			continue
		case math.IsInf(w, 0) || math.IsInf(g, 0):
			if w != g {
				return maxErr, &MismatchError{Op: op, Index: i, Want: want[i], Got: got[i]}
			}
			continue
		}

		diff := math.Abs(w - g)
		if scale := math.Abs(w); scale > 1 {
			diff /= scale
		}
		if diff > maxErr {
			maxErr = diff
		}
		if diff > tolerance {
			return maxErr, &MismatchError{Op: op, Index: i, Want: want[i], Got: got[i]}
		}
	}
	return maxErr, nil
}

// Inputs returns deterministic operands of length n. Values of b are kept
// away from zero so that div stays finite. A negative n yields empty slices.
func Inputs(n int, seed int64) (a, b []float32) {
	if n < 0 {
		n = 0
	}
	rng := rand.New(rand.NewSource(seed))
	a = make([]float32, n)
	b = make([]float32, n)
	for i := 0; i < n; i++ {
		a[i] = float32(rng.Float64()*200 - 100)
		v := float32(rng.Float64()*99 + 1)
		if rng.Intn(2) == 0 {
			v = -v
		}
		b[i] = v
	}
	return a, b
}
