package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/lmcirclefit/internal/server"
	"github.com/cwbudde/lmcirclefit/internal/store"
)

var (
	serveAddr    string
	serveDataDir string
	noStore      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP fitting server",
	Long: `Starts an HTTP server with synchronous fits, background jobs with
progress streaming, iteration traces and plots. Finished jobs are saved
as checkpoints under --data-dir.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "localhost:8080", "Listen address")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "./data", "Base directory for checkpoints and traces")
	serveCmd.Flags().BoolVar(&noStore, "no-store", false, "Keep jobs in memory only")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	if cmd.Flags().Changed("addr") {
		cfg.Addr = serveAddr
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = serveDataDir
	}

	var checkpointStore store.Store
	if !noStore {
		fsStore, err := store.NewFSStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to create checkpoint store: %w", err)
		}
		checkpointStore = fsStore
		slog.Info("Checkpoints enabled", "data_dir", cfg.DataDir)
	}

	srv := server.NewServer(cfg, checkpointStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
