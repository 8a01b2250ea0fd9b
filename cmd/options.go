package main

import (
	"fmt"
	"log/slog"

	"github.com/cwbudde/clhost/internal/cl"
	"github.com/cwbudde/clhost/internal/host"
	"github.com/cwbudde/clhost/internal/kernels"
	"github.com/cwbudde/clhost/internal/store"
	"github.com/spf13/cobra"
)

// Device selection and program flags shared by build, run and tune.
var (
	deviceType   string
	platformIdx  int
	allPlatforms bool
	fallback     bool
	buildOpts    string
	kernelNames  []string
	useEmbedded  bool
)

func addProgramFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&deviceType, "device-type", "gpu", "Device type: gpu, cpu, accelerator, default, all")
	cmd.Flags().IntVar(&platformIdx, "platform", -1, "Platform index to search (-1 = first platform)")
	cmd.Flags().BoolVar(&allPlatforms, "all-platforms", false, "Search every platform for a device")
	cmd.Flags().BoolVar(&fallback, "fallback", false, "Fall back to CPU and then any device when none of --device-type exists")
	cmd.Flags().StringVar(&buildOpts, "options", "", "Compiler options passed to the program build")
	cmd.Flags().StringSliceVar(&kernelNames, "kernels", kernels.Names(), "Kernels to create")
	cmd.Flags().BoolVar(&useEmbedded, "embedded", false, "Use the built-in "+kernels.DefaultFile+" instead of a file")
}

// hostOptions builds session options from the shared flags. An optional
// argument names the kernel source file.
func hostOptions(args []string) (host.Options, error) {
	opts := host.DefaultOptions()

	t, err := cl.ParseDeviceType(deviceType)
	if err != nil {
		return opts, err
	}
	opts.DeviceType = t
	opts.PlatformIndex = platformIdx
	opts.SearchAll = allPlatforms
	opts.Fallback = fallback
	opts.BuildOptions = buildOpts
	opts.Kernels = kernelNames

	switch {
	case len(args) > 0 && useEmbedded:
		return opts, fmt.Errorf("--embedded cannot be combined with a source file")
	case len(args) > 0:
		opts.SourcePath = args[0]
	case useEmbedded:
		opts.SourcePath = ""
		opts.UseEmbedded = true
	}
	return opts, nil
}

// saveReport writes the report to the store under --data-dir.
func saveReport(report *store.Report) error {
	reportStore, err := store.NewFSStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create report store: %w", err)
	}
	if err := reportStore.SaveReport(report); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	slog.Info("Saved report", "report_id", report.ID, "status", report.Status, "data_dir", dataDir)
	return nil
}
