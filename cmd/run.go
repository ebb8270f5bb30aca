package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cwbudde/lmcirclefit/internal/config"
	"github.com/cwbudde/lmcirclefit/internal/dataset"
	"github.com/cwbudde/lmcirclefit/internal/fit"
	"github.com/cwbudde/lmcirclefit/internal/opt"
	"github.com/cwbudde/lmcirclefit/internal/store"
	"github.com/cwbudde/lmcirclefit/internal/viz"
)

// errNotConverged is returned by run when the fit ended with a non-zero code.
// The reason has already been written to stderr.
var errNotConverged = errors.New("fit did not converge")

var (
	pointsPath string
	guessA     float64
	guessB     float64
	guessR     float64
	strategy   string
	lambda     float64
	retries    int
	center     bool
	scale      bool
	workers    int
	iters      int
	popSize    int
	seed       int64
	runDataDir string
	plotPath   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fit a circle to a point file",
	Long: `Fits a circle to the points in --points (CSV or JSON), or to the built-in
demonstration set when no file is given, and prints the center, radius,
sigma and iteration count.`,
	RunE: runFit,
}

func init() {
	runCmd.Flags().StringVar(&pointsPath, "points", "", "Point file (.csv or .json); demo set if empty")
	runCmd.Flags().Float64Var(&guessA, "a", 0, "Initial center x")
	runCmd.Flags().Float64Var(&guessB, "b", 0, "Initial center y")
	runCmd.Flags().Float64Var(&guessR, "r", 1, "Initial radius")
	runCmd.Flags().StringVar(&strategy, "strategy", string(fit.SeedGiven), "Seed strategy: given, centroid, mayfly")
	runCmd.Flags().Float64Var(&lambda, "lambda", fit.DefaultLambda, "Initial damping")
	runCmd.Flags().IntVar(&retries, "retries", 0, "Restarts after a fit that did not converge")
	runCmd.Flags().BoolVar(&center, "center", false, "Center points on their mean before fitting")
	runCmd.Flags().BoolVar(&scale, "scale", false, "Scale points to unit RMS distance before fitting")
	runCmd.Flags().IntVar(&workers, "workers", runtime.NumCPU(), "Goroutines for moment accumulation on large sets")
	runCmd.Flags().IntVar(&iters, "iters", 200, "Mayfly seed search iterations")
	runCmd.Flags().IntVar(&popSize, "pop", 30, "Mayfly population size")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Mayfly random seed")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "", "Save checkpoint and trace under this directory")
	runCmd.Flags().StringVar(&plotPath, "plot", "", "Write a PNG plot of points and fitted circle")

	rootCmd.AddCommand(runCmd)
}

// effectiveConfig applies explicitly set flags on top of appConfig.
func effectiveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := appConfig
	flags := cmd.Flags()

	if flags.Changed("strategy") {
		cfg.Strategy = strategy
	}
	if flags.Changed("lambda") {
		cfg.Lambda = lambda
	}
	if flags.Changed("retries") {
		cfg.Retries = retries
	}
	if flags.Changed("center") {
		cfg.Preprocess.Center = center
	}
	if flags.Changed("scale") {
		cfg.Preprocess.Scale = scale
	}
	if flags.Changed("workers") {
		cfg.Workers = workers
	}
	if flags.Changed("iters") {
		cfg.Mayfly.Iters = iters
		cfg.Mayfly.MaxIters = max(cfg.Mayfly.MaxIters, iters)
	}
	if flags.Changed("pop") {
		cfg.Mayfly.PopSize = popSize
		cfg.Mayfly.MaxPopSize = max(cfg.Mayfly.MaxPopSize, popSize)
	}
	if flags.Changed("seed") {
		cfg.Mayfly.Seed = seed
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newJobConfig records a CLI fit in the same form the server persists.
func newJobConfig(ps *fit.PointSet, guess [3]float64, cfg config.Config) store.JobConfig {
	return store.JobConfig{
		Points:   ps.Points(),
		Guess:    guess,
		Strategy: cfg.Strategy,
		Lambda:   cfg.Lambda,
		Retries:  cfg.Retries,
		Center:   cfg.Preprocess.Center,
		Scale:    cfg.Preprocess.Scale,
		Seed:     cfg.Mayfly.Seed,
		Iters:    cfg.Mayfly.Iters,
		PopSize:  cfg.Mayfly.PopSize,
	}
}

// newRequest builds a fit request for ps from a job config and settings.
func newRequest(ps *fit.PointSet, jc store.JobConfig, cfg config.Config) (fit.Request, error) {
	seeding, err := fit.ParseSeedStrategy(jc.Strategy)
	if err != nil {
		return fit.Request{}, err
	}

	cfg.Lambda = jc.Lambda
	cfg.Retries = jc.Retries

	req := fit.Request{
		Points:   ps,
		Guess:    fit.NewCircle(jc.Guess[0], jc.Guess[1], jc.Guess[2]),
		Strategy: seeding,
		Center:   jc.Center,
		Scale:    jc.Scale,
		LM:       cfg.LMConfig(),
		Retry:    cfg.RetryConfig(),
	}
	if seeding == fit.SeedMayfly {
		req.Optimizer = opt.NewMayfly(jc.Iters, jc.PopSize, jc.Seed)
	}
	return req, nil
}

func loadPoints() (*fit.PointSet, error) {
	if pointsPath == "" {
		slog.Info("No point file given, using demo set")
		return dataset.Demo(), nil
	}
	return dataset.Load(pointsPath)
}

func runFit(cmd *cobra.Command, args []string) error {
	cfg, err := effectiveConfig(cmd)
	if err != nil {
		return err
	}

	ps, err := loadPoints()
	if err != nil {
		return err
	}

	jc := newJobConfig(ps, [3]float64{guessA, guessB, guessR}, cfg)
	req, err := newRequest(ps, jc, cfg)
	if err != nil {
		return err
	}

	var (
		jobID string
		st    *store.FSStore
		trace *store.TraceWriter
	)
	if runDataDir != "" {
		if st, err = store.NewFSStore(runDataDir); err != nil {
			return fmt.Errorf("failed to create checkpoint store: %w", err)
		}
		jobID = uuid.New().String()
		if trace, err = store.NewTraceWriter(runDataDir, jobID, false); err != nil {
			return err
		}
		req.LM.Observer = func(s fit.Step) {
			if err := trace.Write(store.NewTraceEntry(s)); err != nil {
				slog.Warn("Failed to write trace entry", "error", err)
			}
		}
	}

	start := time.Now()
	result, err := fit.Run(req)
	elapsed := time.Since(start)

	if trace != nil {
		if cerr := trace.Close(); cerr != nil {
			slog.Warn("Failed to close trace", "error", cerr)
		}
	}
	if err != nil {
		return err
	}

	slog.Info("Fit finished", "elapsed", elapsed, "code", result.Code, "attempts", result.Attempts)

	if st != nil {
		cp := store.NewCheckpoint(jobID, result.Circle, result.Code, result.Initial.S, jc)
		if err := st.SaveCheckpoint(jobID, cp); err != nil {
			return err
		}
		if _, err := store.ArchiveTrace(runDataDir, jobID); err != nil {
			slog.Warn("Failed to archive trace", "job_id", jobID, "error", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Saved job %s\n", jobID)
	}

	if plotPath != "" {
		if err := writePlot(plotPath, ps, result); err != nil {
			return err
		}
	}

	return reportResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), result.Circle, result.Code)
}

// reportResult prints a converged circle to out, or the reason it did not
// converge to errOut.
func reportResult(out, errOut io.Writer, c fit.Circle, code fit.Code) error {
	if msg := notConvergedMessage(code); msg != "" {
		fmt.Fprintln(errOut, msg)
		return errNotConverged
	}

	fmt.Fprintln(out, "X Y Radius Sigma Iterations")
	fmt.Fprintf(out, "%s %s %s %s %d\n", formatFloat(c.A), formatFloat(c.B), formatFloat(c.R), formatFloat(c.S), c.I)
	return nil
}

func notConvergedMessage(code fit.Code) string {
	switch code {
	case fit.CodeConverged:
		return ""
	case fit.CodeOuterExhausted, fit.CodeInnerExhausted:
		return "Circle fit did not converge: iterations maxed out."
	case fit.CodeDiverged:
		return "Circle fit did not converge: fitting circle too big."
	default:
		return fmt.Sprintf("Circle fit did not converge: %s.", code)
	}
}

// formatFloat prints v with 7 significant digits
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 7, 64)
}

func writePlot(path string, ps *fit.PointSet, result *fit.FitResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create plot: %w", err)
	}
	defer f.Close()

	opts := viz.DefaultOptions()
	opts.Title = fmt.Sprintf("Circle fit (%s)", result.Code)
	circle := result.Circle
	if err := viz.WritePNG(f, ps.Points(), &circle, opts); err != nil {
		return err
	}

	slog.Info("Wrote plot", "path", path)
	return nil
}
