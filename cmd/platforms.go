package main

import (
	"github.com/cwbudde/clhost/internal/host"
	"github.com/spf13/cobra"
)

var showHost bool

var platformsCmd = &cobra.Command{
	Use:   "platforms",
	Short: "List OpenCL platforms and their devices",
	RunE:  runPlatforms,
}

func init() {
	platformsCmd.Flags().BoolVar(&showHost, "host", false, "Also describe the host CPU")
	rootCmd.AddCommand(platformsCmd)
}

func runPlatforms(cmd *cobra.Command, args []string) error {
	driver, err := openDriver()
	if err != nil {
		return err
	}

	infos, err := host.ListPlatforms(driver)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	host.PrintPlatforms(out, infos)

	if showHost {
		host.HostInfo().Print(out)
	}
	return nil
}
