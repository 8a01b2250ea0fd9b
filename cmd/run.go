package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/clhost/internal/cl"
	"github.com/cwbudde/clhost/internal/host"
	"github.com/cwbudde/clhost/internal/store"
	"github.com/spf13/cobra"
)

var (
	runElements  int
	runSeed      int64
	runTolerance float64
	runLocal     int
	runNoSave    bool
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Build the program and verify each kernel against the CPU",
	Long: `Builds the program, creates the kernels and a command queue, then executes
each kernel on deterministic inputs and compares the result with a CPU reference.
The report and a timing trace are saved under --data-dir.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKernels,
}

func init() {
	addProgramFlags(runCmd)
	runCmd.Flags().IntVar(&runElements, "elements", 1024, "Number of elements per kernel launch")
	runCmd.Flags().Int64Var(&runSeed, "seed", 42, "Random seed for the input data")
	runCmd.Flags().Float64Var(&runTolerance, "tolerance", 1e-5, "Allowed relative error per element")
	runCmd.Flags().IntVar(&runLocal, "local", 0, "Work-group size (0 = chosen by the runtime)")
	runCmd.Flags().BoolVar(&runNoSave, "no-save", false, "Do not save the report and trace")

	rootCmd.AddCommand(runCmd)
}

func runKernels(cmd *cobra.Command, args []string) error {
	if runElements <= 0 {
		return fmt.Errorf("--elements must be positive, got %d", runElements)
	}
	if runLocal < 0 {
		return fmt.Errorf("--local must not be negative, got %d", runLocal)
	}

	opts, err := hostOptions(args)
	if err != nil {
		return err
	}

	driver, err := openDriver()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	sess := host.NewSession(driver, opts, out)
	defer sess.Close()

	slog.Info("Starting kernel verification", "driver", driver.Name(), "elements", runElements, "local", runLocal)

	if err := sess.Run(cmd.Context(), host.StageKernels); err != nil {
		var buildErr *cl.BuildError
		if errors.As(err, &buildErr) {
			fmt.Fprintf(out, "%s\n", buildErr.Log)
		}
		if !runNoSave {
			if saveErr := saveReport(sess.Report()); saveErr != nil {
				slog.Error("Failed to save report", "error", saveErr)
			}
		}
		return err
	}

	fmt.Fprintln(out)
	for _, name := range sess.Kernels() {
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		res := sess.VerifyKernel(name, runElements, runSeed, runTolerance, runLocal)
		printResult(cmd, res)
	}

	report := sess.Report()
	if !runNoSave {
		if err := saveReport(report); err != nil {
			return err
		}
		if err := writeTrace(report); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nReport: %s\n", report.ID)
	}

	if report.Status != store.StatusVerified {
		return fmt.Errorf("verification failed: %s", report.Error)
	}
	return nil
}

func printResult(cmd *cobra.Command, res store.KernelResult) {
	status := "ok"
	if !res.Passed {
		status = "FAIL"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%-6s %-4s %10s  max error %.3g", res.Kernel, status, res.Duration, res.MaxError)
	if res.Error != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  (%s)", res.Error)
	}
	fmt.Fprintln(cmd.OutOrStdout())
}

// writeTrace records one trace entry per executed kernel next to the report.
func writeTrace(report *store.Report) error {
	tw, err := store.NewTraceWriter(dataDir, report.ID, false)
	if err != nil {
		return fmt.Errorf("failed to create trace: %w", err)
	}

	for _, res := range report.Results {
		if res.Error != "" && res.Duration == 0 {
			continue
		}
		entry := store.TraceEntry{
			Kernel:    res.Kernel,
			Elements:  res.Elements,
			LocalSize: res.LocalSize,
			Duration:  res.Duration,
			Timestamp: time.Now(),
		}
		if err := tw.Write(entry); err != nil {
			tw.Close()
			return err
		}
	}

	return tw.Close()
}
