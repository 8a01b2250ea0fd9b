package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/cwbudde/clhost/internal/cl"
	"github.com/cwbudde/clhost/internal/host"
	"github.com/spf13/cobra"
)

var (
	buildStage string
	buildSave  bool
	buildWait  bool
)

var buildCmd = &cobra.Command{
	Use:   "build [file]",
	Short: "Discover platforms, select a device and build a kernel program",
	Long: `Runs the host program: prints every platform, selects a device, creates a
context, builds the program (testkernel.cl by default) and, with --stage kernels,
creates the kernels and a command queue. A failed build prints the compiler log.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBuild,
}

func init() {
	addProgramFlags(buildCmd)
	buildCmd.Flags().StringVar(&buildStage, "stage", string(host.StageKernels), "Last stage to run: build, kernels")
	buildCmd.Flags().BoolVar(&buildSave, "save", false, "Save a report under --data-dir")
	buildCmd.Flags().BoolVar(&buildWait, "wait", false, "Wait for enter before releasing resources")

	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	stage, err := host.ParseStage(buildStage)
	if err != nil {
		return err
	}
	if stage == host.StageRun {
		return fmt.Errorf("use the run command to execute kernels")
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

	runErr := sess.Run(cmd.Context(), stage)

	var buildErr *cl.BuildError
	if errors.As(runErr, &buildErr) {
		fmt.Fprintf(out, "%s\n", buildErr.Log)
	}

	if runErr == nil && buildWait {
		waitForEnter(cmd.InOrStdin(), out)
	}

	if buildSave {
		if err := saveReport(sess.Report()); err != nil {
			return err
		}
	}

	return runErr
}

// waitForEnter blocks until a line (or EOF) is read.
func waitForEnter(in io.Reader, out io.Writer) {
	fmt.Fprint(out, "\nPress enter to release resources...")
	bufio.NewReader(in).ReadString('\n')
}
