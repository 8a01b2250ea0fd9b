package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/clhost/internal/host"
	"github.com/cwbudde/clhost/internal/kernels"
	"github.com/cwbudde/clhost/internal/store"
	"github.com/cwbudde/clhost/internal/tune"
	"github.com/spf13/cobra"
)

var (
	tuneKernel   string
	tuneElements int
	tuneIters    int
	tunePop      int
	tuneRepeats  int
	tuneSeed     int64
	tuneSave     bool
)

var tuneCmd = &cobra.Command{
	Use:   "tune [file]",
	Short: "Search the fastest work-group size for a kernel",
	Long: `Builds the program and uses the mayfly optimizer to search power-of-two
work-group sizes up to the device limit. Each size is timed --repeats times and
scored by its median device time.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTune,
}

func init() {
	addProgramFlags(tuneCmd)
	tuneCmd.Flags().StringVar(&tuneKernel, "kernel", string(kernels.OpAdd), "Kernel to tune")
	tuneCmd.Flags().IntVar(&tuneElements, "elements", 1<<20, "Number of elements per launch")
	tuneCmd.Flags().IntVar(&tuneIters, "iters", 20, "Optimizer iterations")
	tuneCmd.Flags().IntVar(&tunePop, "pop", tune.MinPopulation, "Optimizer population size")
	tuneCmd.Flags().IntVar(&tuneRepeats, "repeats", 5, "Launches per measured work-group size")
	tuneCmd.Flags().Int64Var(&tuneSeed, "seed", 42, "Random seed")
	tuneCmd.Flags().BoolVar(&tuneSave, "save", false, "Save a report and the measured sizes as a trace")

	rootCmd.AddCommand(tuneCmd)
}

func runTune(cmd *cobra.Command, args []string) error {
	opts, err := hostOptions(args)
	if err != nil {
		return err
	}
	opts.Kernels = []string{tuneKernel}

	driver, err := openDriver()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	sess := host.NewSession(driver, opts, out)
	defer sess.Close()

	if err := sess.Run(cmd.Context(), host.StageKernels); err != nil {
		return err
	}

	tuner := &tune.LocalSizeTuner{
		Optimizer: tune.NewMayfly(tuneIters, tunePop, tuneSeed),
		Repeats:   tuneRepeats,
		Seed:      tuneSeed,
	}

	start := time.Now()
	result, err := tuner.Tune(cmd.Context(), sess, tuneKernel, tuneElements)
	if err != nil {
		return fmt.Errorf("tuning failed: %w", err)
	}
	elapsed := time.Since(start)

	fmt.Fprintf(out, "\nKernel: %s (%d elements)\n", result.Kernel, result.Elements)
	for _, s := range result.Samples {
		if s.Err != "" {
			fmt.Fprintf(out, "  local %5d  rejected (%s)\n", s.LocalSize, s.Err)
			continue
		}
		marker := ""
		if s.LocalSize == result.LocalSize {
			marker = "  <- best"
		}
		fmt.Fprintf(out, "  local %5d  %12s%s\n", s.LocalSize, s.Duration, marker)
	}
	fmt.Fprintf(out, "Best work-group size: %d (%s, %d evaluations, %s)\n",
		result.LocalSize, result.Duration, result.Evaluations, elapsed.Round(time.Millisecond))

	if tuneSave {
		return saveTuneResult(sess, result)
	}
	return nil
}

// saveTuneResult stores the session report with the best size verified and
// every measured size in the trace.
func saveTuneResult(sess *host.Session, result *tune.Result) error {
	sess.VerifyKernel(result.Kernel, result.Elements, tuneSeed, 1e-5, result.LocalSize)
	report := sess.Report()
	if err := saveReport(report); err != nil {
		return err
	}

	tw, err := store.NewTraceWriter(dataDir, report.ID, false)
	if err != nil {
		return fmt.Errorf("failed to create trace: %w", err)
	}
	now := time.Now()
	for _, s := range result.Samples {
		if s.Err != "" {
			continue
		}
		err := tw.Write(store.TraceEntry{
			Kernel:    result.Kernel,
			Elements:  result.Elements,
			LocalSize: s.LocalSize,
			Duration:  s.Duration,
			Timestamp: now,
		})
		if err != nil {
			tw.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}

	slog.Info("Saved tuning trace", "report_id", report.ID, "samples", len(result.Samples))
	return nil
}
