package host

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cwbudde/clhost/internal/cl"
)

// ListPlatforms describes every platform of the driver together with all
// of its devices.
func ListPlatforms(driver cl.Driver) ([]cl.PlatformInfo, error) {
	platforms, err := driver.Platforms()
	if err != nil {
		return nil, fmt.Errorf("could not get platforms: %w", err)
	}
	if len(platforms) == 0 {
		return nil, cl.ErrNoPlatforms
	}

	infos := make([]cl.PlatformInfo, 0, len(platforms))
	for _, p := range platforms {
		info := p.Info()
		devices, err := p.Devices(cl.DeviceTypeAll)
		if err != nil {
			return nil, fmt.Errorf("could not get devices of %s: %w", info.Name, err)
		}
		info.Devices = make([]cl.DeviceInfo, 0, len(devices))
		for _, d := range devices {
			info.Devices = append(info.Devices, d.Info())
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// PrintPlatforms writes each platform in the host program's format,
// followed by a table of its devices.
func PrintPlatforms(w io.Writer, infos []cl.PlatformInfo) {
	for i, info := range infos {
		fmt.Fprintf(w, "Platform found: %s\n", info.Name)
		fmt.Fprintf(w, "Vendor: %s\n", info.Vendor)
		if info.Version != "" {
			fmt.Fprintf(w, "Version: %s\n", info.Version)
		}
		fmt.Fprintf(w, "Index: %d\n\n", i)

		if len(info.Devices) == 0 {
			fmt.Fprint(w, "  (no devices)\n\n")
			continue
		}

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  DEVICE\tTYPE\tVENDOR\tUNITS\tMAX WG\tMEMORY\tAVAILABLE")
		for _, d := range info.Devices {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%d\t%s\t%v\n",
				d.Name, d.Type, d.Vendor, d.MaxComputeUnits, d.MaxWorkGroupSize, FormatBytes(int64(d.GlobalMemSize)), d.Available)
		}
		tw.Flush()
		fmt.Fprintln(w)
	}
}

// FormatBytes formats a byte count in binary units.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
