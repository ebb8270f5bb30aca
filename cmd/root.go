package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/cwbudde/lmcirclefit/internal/config"
)

var (
	logLevel   string
	logFormat  string
	configPath string
	logger     *slog.Logger

	// appConfig holds the defaults, or the --config file, before per-command flags
	appConfig = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "lmcirclefit",
	Short: "Geometric circle fitting with Levenberg-Marquardt",
	Long: `lmcirclefit fits a circle to 2D points by minimizing the geometric
distance of every point to the circle, with optional global seeding,
checkpointing and an HTTP job server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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

		var handler slog.Handler
		switch logFormat {
		case "json":
			handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
		case "text":
			handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
		default:
			return fmt.Errorf("unknown log format %q (want json or text)", logFormat)
		}
		logger = slog.New(handler)
		slog.SetDefault(logger)

		appConfig = config.Default()
		if configPath != "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			appConfig = cfg
			slog.Debug("Loaded config", "path", configPath)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format (json, text)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file")
}
