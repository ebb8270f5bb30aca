package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/lmcirclefit/internal/fit"
	"github.com/cwbudde/lmcirclefit/internal/store"
)

var (
	checkpointDataDir string
	keepLast          int
	olderThanDays     int
	forceClean        bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage fit checkpoints",
	Long: `Manage fit checkpoints including listing and cleaning old checkpoints.
A checkpoint holds the request and fitted circle of a job together with
its compressed iteration trace, and can be refit with resume.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all available checkpoints",
	Long:  `Display all checkpoints with metadata including job ID, timestamp, points, iterations, sigma, result and file sizes.`,
	RunE:  runListCheckpoints,
}

var showCheckpointCmd = &cobra.Command{
	Use:   "show [job-id]",
	Short: "Show one checkpoint",
	Long:  `Display the request, fitted circle and trace summary stored for a job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runShowCheckpoint,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old checkpoints",
	Long: `Delete old checkpoints based on retention policy.
You can keep only the newest N checkpoints or delete checkpoints older than N days.
Deleting a checkpoint removes its trace as well.`,
	RunE: runCleanCheckpoints,
}

func init() {
	// Add checkpoints command to root
	rootCmd.AddCommand(checkpointsCmd)

	// Add subcommands
	checkpointsCmd.AddCommand(listCheckpointsCmd)
	checkpointsCmd.AddCommand(showCheckpointCmd)
	checkpointsCmd.AddCommand(cleanCheckpointsCmd)

	// Global flags for checkpoints command
	checkpointsCmd.PersistentFlags().StringVar(&checkpointDataDir, "data-dir", "./data", "Base directory for checkpoint storage")

	// Clean command flags
	cleanCheckpointsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N checkpoints (0 = keep all)")
	cleanCheckpointsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete checkpoints older than N days (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func openCheckpointStore() (*store.FSStore, error) {
	checkpointStore, err := store.NewFSStore(checkpointDataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	return checkpointStore, nil
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	checkpointStore, err := openCheckpointStore()
	if err != nil {
		return err
	}

	infos, err := checkpointStore.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tSAVED\tSTRATEGY\tPOINTS\tITER\tSIGMA\tRESULT\tSIZE")
	for _, info := range infos {
		size := "unknown"
		if n, err := getDirSize(filepath.Join(checkpointDataDir, "jobs", info.JobID)); err == nil {
			size = formatBytes(n)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			shortJobID(info.JobID),
			info.Timestamp.Format(time.DateTime),
			info.Strategy,
			info.Points,
			info.Iterations,
			formatFloat(info.Sigma),
			fit.Code(info.Code),
			size,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d checkpoint(s) in %s\n", len(infos), checkpointStore.BaseDir())
	return nil
}

// runShowCheckpoint prints one checkpoint and a summary of its trace.
func runShowCheckpoint(cmd *cobra.Command, args []string) error {
	checkpointStore, err := openCheckpointStore()
	if err != nil {
		return err
	}

	cp, err := checkpointStore.LoadCheckpoint(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	c := cp.Circle
	fmt.Fprintf(out, "Job: %s\n", cp.JobID)
	fmt.Fprintf(out, "Saved: %s\n", cp.Timestamp.Format(time.DateTime))
	fmt.Fprintf(out, "Points: %d (fingerprint %s)\n", len(cp.Config.Points), cp.Fingerprint)
	fmt.Fprintf(out, "Strategy: %s, lambda %s, retries %d\n", cp.Config.Strategy, formatFloat(cp.Config.Lambda), cp.Config.Retries)
	fmt.Fprintf(out, "Result: %s\n", fit.Code(cp.Code))
	fmt.Fprintf(out, "Circle: a=%s b=%s r=%s\n", formatFloat(c.A), formatFloat(c.B), formatFloat(c.R))
	fmt.Fprintf(out, "Sigma: %s -> %s\n", formatFloat(cp.InitialSigma), formatFloat(c.Sigma))
	fmt.Fprintf(out, "Iterations: %d outer, %d inner\n", c.Iterations, c.Inner)

	reader, err := store.NewTraceReader(checkpointDataDir, cp.JobID)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintln(out, "Trace: none")
		return nil
	}
	if err != nil {
		return err
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		return err
	}
	var accepted, rejected int
	for _, e := range entries {
		switch {
		case e.Accepted && e.Phase == fit.PhaseEvaluate.String():
			accepted++
		case e.Rejection != "":
			rejected++
		}
	}
	fmt.Fprintf(out, "Trace: %d steps, %d accepted, %d rejected\n", len(entries), accepted, rejected)
	return nil
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	checkpointStore, err := openCheckpointStore()
	if err != nil {
		return err
	}

	infos, err := checkpointStore.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := cmd.OutOrStdout()
	toDelete := selectCheckpointsForDeletion(infos, keepLast, olderThanDays)
	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No checkpoints match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d checkpoint(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(out, "  - %s (sigma %s, saved %s)\n",
			shortJobID(info.JobID),
			formatFloat(info.Sigma),
			info.Timestamp.Format(time.DateTime),
		)
	}

	if !forceClean {
		fmt.Fprint(out, "\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Fscanln(cmd.InOrStdin(), &response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var deleted, failed int
	for _, info := range toDelete {
		if err := checkpointStore.DeleteCheckpoint(info.JobID); err != nil {
			slog.Error("Failed to delete checkpoint", "job_id", info.JobID, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted checkpoint", "job_id", info.JobID)
		deleted++
	}

	fmt.Fprintf(out, "\nDeleted %d checkpoint(s), %d failed.\n", deleted, failed)
	return nil
}

func shortJobID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// selectCheckpointsForDeletion determines which checkpoints should be deleted based on retention policy
func selectCheckpointsForDeletion(infos []store.CheckpointInfo, keepLast int, olderThanDays int) []store.CheckpointInfo {
	var toDelete []store.CheckpointInfo

	// Apply age-based deletion
	if olderThanDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.Timestamp.Before(cutoff) {
				toDelete = append(toDelete, info)
			}
		}
	}

	// Apply count-based deletion, oldest first
	if keepLast > 0 && len(infos) > keepLast {
		sorted := make([]store.CheckpointInfo, len(infos))
		copy(sorted, infos)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})

		selected := make(map[string]bool, len(toDelete))
		for _, info := range toDelete {
			selected[info.JobID] = true
		}
		for _, info := range sorted[:len(sorted)-keepLast] {
			if !selected[info.JobID] {
				toDelete = append(toDelete, info)
			}
		}
	}

	return toDelete
}

// getDirSize sums the sizes of all files below path
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
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
