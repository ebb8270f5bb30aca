package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/lmcirclefit/internal/server"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listJobs(cmd.OutOrStdout(), fmt.Sprintf("%s/api/v1/jobs", serverURL))
	}
	jobID := args[0]
	return getJobStatus(cmd.OutOrStdout(), fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), jobID)
}

func fetchJSON(url string, v any) (int, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("server returned error: %s", string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func listJobs(w io.Writer, url string) error {
	var jobs []*server.Job
	if _, err := fetchJSON(url, &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}

	fmt.Fprintf(w, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(w, "Job ID: %s\n", job.ID)
		fmt.Fprintf(w, "  State: %s\n", job.State)
		fmt.Fprintf(w, "  Points: %d\n", len(job.Config.Points))
		fmt.Fprintf(w, "  Strategy: %s\n", job.Config.Strategy)
		if job.State == server.StateCompleted {
			fmt.Fprintf(w, "  Sigma: %s -> %s (%s)\n", formatFloat(job.InitialSigma), formatFloat(job.Circle.Sigma), job.Status)
		}
		fmt.Fprintln(w)
	}

	return nil
}

func getJobStatus(w io.Writer, url, jobID string) error {
	var status server.JobStatus
	code, err := fetchJSON(url, &status)
	if code == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return err
	}
	printJobStatus(w, status)
	return nil
}

func printJobStatus(w io.Writer, status server.JobStatus) {
	job := status.Job
	fmt.Fprintf(w, "Job: %s\n", job.ID)
	fmt.Fprintf(w, "State: %s\n", job.State)
	fmt.Fprintln(w)

	cfg := job.Config
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Points: %d\n", len(cfg.Points))
	fmt.Fprintf(w, "  Strategy: %s\n", cfg.Strategy)
	if cfg.Strategy == "given" {
		fmt.Fprintf(w, "  Guess: a=%s b=%s r=%s\n", formatFloat(cfg.Guess[0]), formatFloat(cfg.Guess[1]), formatFloat(cfg.Guess[2]))
	}
	fmt.Fprintf(w, "  Lambda: %s\n", formatFloat(cfg.Lambda))
	fmt.Fprintf(w, "  Retries: %d\n", cfg.Retries)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Progress:")
	fmt.Fprintf(w, "  Iterations: %d outer, %d inner\n", job.Outer, job.Inner)
	fmt.Fprintf(w, "  Lambda: %s\n", formatFloat(job.Lambda))
	c := job.Circle
	if c.R > 0 {
		fmt.Fprintf(w, "  Circle: a=%s b=%s r=%s\n", formatFloat(c.A), formatFloat(c.B), formatFloat(c.R))
		fmt.Fprintf(w, "  Sigma: %s\n", formatFloat(c.Sigma))
	}
	if job.State == server.StateCompleted {
		fmt.Fprintf(w, "  Initial Sigma: %s\n", formatFloat(job.InitialSigma))
		fmt.Fprintf(w, "  Result: %s (code %d, %d attempt(s))\n", job.Status, job.Code, job.Attempts)
	}

	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Fprintf(w, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))

	if job.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", job.Error)
	}
}
