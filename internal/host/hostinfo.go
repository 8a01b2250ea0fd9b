package host

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// Machine describes the host the program runs on.
type Machine struct {
	OS        string   `json:"os"`
	Arch      string   `json:"arch"`
	NumCPU    int      `json:"numCpu"`
	GoVersion string   `json:"goVersion"`
	Features  []string `json:"features"`
}

// HostInfo reports the host CPU and the SIMD extensions it supports.
func HostInfo() Machine {
	return Machine{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		NumCPU:    runtime.NumCPU(),
		GoVersion: runtime.Version(),
		Features:  cpuFeatures(),
	}
}

func cpuFeatures() []string {
	flags := []struct {
		name string
		has  bool
	}{
		{"sse2", cpu.X86.HasSSE2},
		{"sse3", cpu.X86.HasSSE3},
		{"ssse3", cpu.X86.HasSSSE3},
		{"sse4.1", cpu.X86.HasSSE41},
		{"sse4.2", cpu.X86.HasSSE42},
		{"avx", cpu.X86.HasAVX},
		{"avx2", cpu.X86.HasAVX2},
		{"fma", cpu.X86.HasFMA},
		{"avx512", cpu.X86.HasAVX512},
		{"asimd", cpu.ARM64.HasASIMD},
		{"fphp", cpu.ARM64.HasFPHP},
		{"sve", cpu.ARM64.HasSVE},
	}

	features := []string{}
	for _, f := range flags {
		if f.has {
			features = append(features, f.name)
		}
	}
	return features
}

// Print writes the machine description in the same plain style as the
// platform listing.
func (m Machine) Print(w io.Writer) {
	fmt.Fprintf(w, "Host: %s/%s\n", m.OS, m.Arch)
	fmt.Fprintf(w, "CPUs: %d\n", m.NumCPU)
	fmt.Fprintf(w, "Go: %s\n", m.GoVersion)
	features := "none detected"
	if len(m.Features) > 0 {
		features = strings.Join(m.Features, " ")
	}
	fmt.Fprintf(w, "SIMD: %s\n", features)
}
