package tune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/cwbudde/clhost/internal/cl"
	"github.com/cwbudde/clhost/internal/kernels"
)

// Executor runs kernels with an explicit work-group size. *host.Session
// implements it.
type Executor interface {
	ExecuteLocal(name string, a, b []float32, local int) ([]float32, time.Duration, error)
	Device() (cl.DeviceInfo, bool)
}

// Sample is the measured time of one work-group size.
type Sample struct {
	LocalSize int           `json:"localSize"`
	Duration  time.Duration `json:"duration"`
	Err       string        `json:"error,omitempty"`
}

// Result is the outcome of a tuning run.
type Result struct {
	Kernel    string        `json:"kernel"`
	Elements  int           `json:"elements"`
	LocalSize int           `json:"localSize"`
	Duration  time.Duration `json:"duration"`
	// Evaluations counts objective calls; Samples holds each distinct
	// size that was measured, smallest first.
	Evaluations int      `json:"evaluations"`
	Samples     []Sample `json:"samples"`
}

// LocalSizeTuner searches power-of-two work-group sizes for the one with
// the lowest median device time.
type LocalSizeTuner struct {
	Optimizer Optimizer
	// Repeats is the number of launches per measured size. Values below
	// one mean one launch.
	Repeats int
	// Seed selects the input data.
	Seed int64
}

// Tune finds the fastest work-group size for kernel over the given number
// of elements. The optimizer moves over exponents in [0, log2(maxWG)], so
// every candidate is a power of two the device accepts.
func (t *LocalSizeTuner) Tune(ctx context.Context, exec Executor, kernel string, elements int) (*Result, error) {
	if elements <= 0 {
		return nil, fmt.Errorf("elements must be positive, got %d", elements)
	}
	info, ok := exec.Device()
	if !ok {
		return nil, errors.New("tune: no device selected")
	}

	maxExp := 0
	if info.MaxWorkGroupSize > 1 {
		maxExp = int(math.Floor(math.Log2(float64(info.MaxWorkGroupSize))))
	}

	repeats := t.Repeats
	if repeats < 1 {
		repeats = 1
	}
	a, b := kernels.Inputs(elements, t.Seed)

	measured := make(map[int]Sample)
	calls := 0
	var ctxErr error

	measure := func(local int) time.Duration {
		if s, ok := measured[local]; ok {
			return s.Duration
		}
		if ctxErr = ctx.Err(); ctxErr != nil {
			return time.Duration(math.MaxInt64)
		}

		times := make([]time.Duration, 0, repeats)
		for i := 0; i < repeats; i++ {
			_, d, err := exec.ExecuteLocal(kernel, a, b, local)
			if err != nil {
				slog.Debug("Work-group size rejected", "kernel", kernel, "local", local, "error", err)
				measured[local] = Sample{LocalSize: local, Duration: time.Duration(math.MaxInt64), Err: err.Error()}
				return time.Duration(math.MaxInt64)
			}
			times = append(times, d)
		}

		s := Sample{LocalSize: local, Duration: median(times)}
		measured[local] = s
		slog.Debug("Measured work-group size", "kernel", kernel, "local", local, "duration", s.Duration)
		return s.Duration
	}

	eval := func(x []float64) float64 {
		calls++
		return float64(measure(1 << exponent(x[0], maxExp)))
	}

	if maxExp == 0 {
		eval([]float64{0})
	} else {
		optimizer := t.Optimizer
		if optimizer == nil {
			optimizer = NewMayfly(20, MinPopulation, t.Seed)
		}
		optimizer.Run(eval, []float64{0}, []float64{float64(maxExp)}, 1)
	}

	if ctxErr != nil {
		return nil, ctxErr
	}

	samples := make([]Sample, 0, len(measured))
	for _, s := range measured {
		samples = append(samples, s)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].LocalSize < samples[j].LocalSize })

	var best *Sample
	var lastErr string
	for i := range samples {
		s := &samples[i]
		if s.Err != "" {
			lastErr = s.Err
			continue
		}
		if best == nil || s.Duration < best.Duration {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no work-group size could run %s: %s", kernel, lastErr)
	}

	slog.Info("Tuning complete", "kernel", kernel, "local", best.LocalSize, "duration", best.Duration, "evaluations", calls)

	return &Result{
		Kernel:      kernel,
		Elements:    elements,
		LocalSize:   best.LocalSize,
		Duration:    best.Duration,
		Evaluations: calls,
		Samples:     samples,
	}, nil
}

// exponent rounds a continuous position to a valid power-of-two exponent.
func exponent(x float64, maxExp int) int {
	if math.IsNaN(x) {
		return 0
	}
	e := int(math.Round(x))
	if e < 0 {
		return 0
	}
	if e > maxExp {
		return maxExp
	}
	return e
}

func median(times []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
