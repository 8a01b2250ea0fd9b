package host

import (
	"bytes"
	"runtime"
	"strings"
	"testing"

	"github.com/cwbudde/clhost/internal/cl"
	"github.com/cwbudde/clhost/internal/cl/clfake"
)

func TestHostInfo(t *testing.T) {
	m := HostInfo()

	if m.OS != runtime.GOOS || m.Arch != runtime.GOARCH {
		t.Errorf("Unexpected platform %s/%s", m.OS, m.Arch)
	}
	if m.NumCPU < 1 {
		t.Errorf("Expected at least one CPU, got %d", m.NumCPU)
	}
	if m.Features == nil {
		t.Error("Features should be an empty list, not nil")
	}

	var out bytes.Buffer
	m.Print(&out)
	if !strings.Contains(out.String(), "Host: "+runtime.GOOS+"/"+runtime.GOARCH) {
		t.Errorf("Unexpected output:\n%s", out.String())
	}
}

func TestListPlatforms(t *testing.T) {
	infos, err := ListPlatforms(clfake.Default())
	if err != nil {
		t.Fatalf("ListPlatforms failed: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("Expected 1 platform, got %d", len(infos))
	}
	if len(infos[0].Devices) != 2 {
		t.Errorf("Expected 2 devices, got %d", len(infos[0].Devices))
	}

	var out bytes.Buffer
	PrintPlatforms(&out, infos)
	text := out.String()
	for _, want := range []string{"Platform found: Fake OpenCL", "Vendor: clhost", "Fake GPU", "Fake CPU", "1.0 GB"} {
		if !strings.Contains(text, want) {
			t.Errorf("Output missing %q:\n%s", want, text)
		}
	}
}

func TestListPlatformsEmpty(t *testing.T) {
	if _, err := ListPlatforms(clfake.New()); err != cl.ErrNoPlatforms {
		t.Fatalf("Expected ErrNoPlatforms, got %v", err)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{1 << 30, "1.0 GB"},
		{1 << 32, "4.0 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
