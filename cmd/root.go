package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cwbudde/clhost/internal/cl"
	_ "github.com/cwbudde/clhost/internal/cl/clfake"
	"github.com/spf13/cobra"
)

var (
	logLevel   string
	driverName string
	dataDir    string
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "clhost",
	Short: "OpenCL host program: discover devices, build and verify kernels",
	Long: `clhost enumerates OpenCL platforms, selects a compute device, builds a
kernel program and creates its kernels and command queue. It can verify the
kernels against a CPU reference, tune work-group sizes and serve builds over HTTP.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Setup logger
		var level slog.Level
		switch logLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		// stdout belongs to the host program output
		opts := &slog.HandlerOptions{Level: level}
		handler := slog.NewJSONHandler(os.Stderr, opts)
		logger = slog.New(handler)
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&driverName, "driver", cl.DriverNative, fmt.Sprintf("OpenCL driver (%s)", driverList()))
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "Base directory for reports and traces")
}

func driverList() string {
	return strings.Join(cl.Drivers(), ", ")
}

// openDriver opens the driver selected with --driver.
func openDriver() (cl.Driver, error) {
	driver, err := cl.Open(driverName)
	if err != nil {
		return nil, fmt.Errorf("failed to open driver %q: %w", driverName, err)
	}
	slog.Debug("Opened driver", "driver", driver.Name())
	return driver, nil
}
