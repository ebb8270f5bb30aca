package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cwbudde/lmcirclefit/internal/dataset"
	"github.com/cwbudde/lmcirclefit/internal/fit"
	"github.com/cwbudde/lmcirclefit/internal/store"
)

var (
	resumeDataDir string
	resumePoints  string
	resumeLambda  float64
)

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Refit starting from a saved checkpoint",
	Long: `Loads the checkpoint of a job and refits its points starting from the
stored circle. A converged checkpoint is confirmed within one outer
iteration; a fit that stopped early continues from its last accepted
circle. With --points the fit runs on a point file instead, which must
match the checkpoint's points.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "./data", "Base directory for checkpoint storage")
	resumeCmd.Flags().StringVar(&resumePoints, "points", "", "Point file to check against the checkpoint")
	resumeCmd.Flags().Float64Var(&resumeLambda, "lambda", 0, "Initial damping (default: the checkpoint's)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	checkpointStore, err := store.NewFSStore(resumeDataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	cp, err := checkpointStore.LoadCheckpoint(jobID)
	if err != nil {
		return err
	}

	jc := cp.Config
	if resumePoints != "" {
		ps, err := dataset.Load(resumePoints)
		if err != nil {
			return err
		}
		jc.Points = ps.Points()
		if err := cp.IsCompatible(jc); err != nil {
			return err
		}
	}

	ps, err := fit.NewPointSet(jc.Points)
	if err != nil {
		return err
	}

	// Restart from the stored circle
	jc.Guess = [3]float64{cp.Circle.A, cp.Circle.B, cp.Circle.R}
	jc.Strategy = string(fit.SeedGiven)
	if resumeLambda > 0 {
		jc.Lambda = resumeLambda
	}

	req, err := newRequest(ps, jc, appConfig)
	if err != nil {
		return err
	}

	slog.Info("Resuming from checkpoint", "job_id", jobID, "code", cp.Code, "sigma", cp.Circle.Sigma)

	result, err := fit.Run(req)
	if err != nil {
		return err
	}

	updated := store.NewCheckpoint(jobID, result.Circle, result.Code, cp.InitialSigma, cp.Config)
	if err := checkpointStore.SaveCheckpoint(jobID, updated); err != nil {
		return err
	}

	return reportResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), result.Circle, result.Code)
}
