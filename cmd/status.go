package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/clhost/internal/server"
	"github.com/spf13/cobra"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific build job",
	Long: `Queries the server for build job information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func runStatus(cmd *cobra.Command, args []string) error {
	base := strings.TrimRight(serverURL, "/")
	if len(args) == 0 {
		return listJobs(cmd.OutOrStdout(), base+"/api/v1/builds")
	}
	return getJobStatus(cmd.OutOrStdout(), base+"/api/v1/builds/"+args[0], args[0])
}

func getJSON(url string, v any) (int, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("server returned error: %s", strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func listJobs(out io.Writer, url string) error {
	var jobs []server.Job
	if _, err := getJSON(url, &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	fmt.Fprintf(out, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(out, "Job ID: %s\n", job.ID)
		fmt.Fprintf(out, "  State: %s\n", job.State)
		if job.Status != "" {
			fmt.Fprintf(out, "  Status: %s\n", job.Status)
		}
		if job.Device != "" {
			fmt.Fprintf(out, "  Device: %s\n", job.Device)
		}
		fmt.Fprintln(out)
	}

	return nil
}

func getJobStatus(out io.Writer, url, jobID string) error {
	var job server.Job
	code, err := getJSON(url, &job)
	if code == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Job: %s\n", job.ID)
	fmt.Fprintf(out, "State: %s\n", job.State)
	fmt.Fprintln(out)

	source := job.Request.SourcePath
	if source == "" {
		source = "<inline>"
	}
	fmt.Fprintln(out, "Request:")
	fmt.Fprintf(out, "  Source: %s\n", source)
	if job.Request.DeviceType != "" {
		fmt.Fprintf(out, "  Device type: %s\n", job.Request.DeviceType)
	}
	if job.Request.BuildOptions != "" {
		fmt.Fprintf(out, "  Options: %s\n", job.Request.BuildOptions)
	}
	fmt.Fprintf(out, "  Verify: %t\n", job.Request.Verify)
	fmt.Fprintln(out)

	if job.Device != "" {
		fmt.Fprintf(out, "Device: %s\n", job.Device)
	}
	if len(job.Kernels) > 0 {
		fmt.Fprintf(out, "Kernels: %s\n", strings.Join(job.Kernels, ", "))
	}
	for _, res := range job.Results {
		state := "ok"
		if !res.Passed {
			state = "FAIL"
		}
		fmt.Fprintf(out, "  %-6s %-4s %s\n", res.Kernel, state, res.Duration)
	}
	if job.EndTime != nil {
		fmt.Fprintf(out, "Elapsed: %s\n", job.EndTime.Sub(job.StartTime).Round(time.Millisecond))
	}
	if job.ReportID != "" {
		fmt.Fprintf(out, "Report: %s\n", job.ReportID)
	}

	if job.BuildLog != "" && job.State == server.StateFailed {
		fmt.Fprintf(out, "\nBuild log:\n%s\n", job.BuildLog)
	}
	if job.Error != "" {
		fmt.Fprintf(out, "\nError: %s\n", job.Error)
	}

	return nil
}
