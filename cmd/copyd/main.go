// Command copyd runs the file-copy daemon: it loads configuration, wires
// the scheduler to the engine registry, rate limiter, checkpoint store
// and security validator, and serves the control socket until signalled
// to stop.
//
// Flag parsing is grounded on the teacher's cmd/beam/main.go (a single
// cobra.Command, SilenceUsage/SilenceErrors, an *exitError carrying the
// process exit code through RunE) trimmed to the three flags this
// daemon's front-end needs; the teacher's transfer flags, TUI, and
// transport-selection logic belong to copyd's core, not its launcher.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/copyd/copyd/internal/checkpoint"
	"github.com/copyd/copyd/internal/config"
	"github.com/copyd/copyd/internal/engine"
	"github.com/copyd/copyd/internal/ratelimit"
	"github.com/copyd/copyd/internal/scheduler"
	"github.com/copyd/copyd/internal/security"
	"github.com/copyd/copyd/internal/server"
)

var version = "dev"

type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath     string
		socketOverride string
		foreground     bool
	)

	rootCmd := &cobra.Command{
		Use:           "copyd",
		Short:         "Resumable, observable, rate-limited bulk file copy daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, socketOverride, foreground)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to copyd.toml (default: "+config.Path()+")")
	rootCmd.Flags().StringVar(&socketOverride, "socket", "", "override the configured control socket path")
	rootCmd.Flags().BoolVar(&foreground, "foreground", false, "run in the foreground with logs on stderr (always true; reserved for a future supervisor integration)")

	if err := rootCmd.Execute(); err != nil {
		if exitErr, ok := err.(*exitError); ok {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "copyd: %v\n", err)
		return 2
	}
	return 0
}

func runDaemon(configPath, socketOverride string, _ bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("configuration error", "error", err)
		return &exitError{code: 3}
	}
	if socketOverride != "" {
		cfg.SocketPath = socketOverride
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		slog.Error("startup failure: prepare temp dir", "error", err)
		return &exitError{code: 1}
	}

	checkpointDir := cfg.TempDir + "/copyd-checkpoints"
	if err := os.MkdirAll(checkpointDir, 0o700); err != nil {
		slog.Error("startup failure: prepare checkpoint dir", "error", err)
		return &exitError{code: 1}
	}
	store, err := checkpoint.NewStore(checkpointDir)
	if err != nil {
		slog.Error("startup failure: open checkpoint store", "error", err)
		return &exitError{code: 1}
	}
	defer store.Close()

	var ioURing engine.Strategy
	if s, err := engine.NewIOURing(uint(cfg.IOURingEntries)); err != nil {
		slog.Warn("io_uring unavailable, falling back to other strategies", "error", err)
	} else {
		ioURing = s
	}
	registry := engine.NewRegistry(ioURing)

	var globalLimiter *ratelimit.Limiter
	if bps := cfg.MaxRateBps(); bps > 0 {
		globalLimiter = ratelimit.NewGlobal(bps)
	}

	validator := security.New(security.DefaultConfig())

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MaxJobQueueSize:   cfg.MaxJobQueueSize,
		JobHistoryDays:    cfg.JobHistoryDays,
		CleanupOnCancel:   cfg.CleanupOnCancel,
	}, scheduler.Deps{
		Registry:           registry,
		GlobalLimiter:      globalLimiter,
		Checkpoints:        store,
		Validator:          validator,
		ChunkSize:          cfg.DefaultBlockSize,
		CheckpointInterval: cfg.CheckpointInterval(),
		CheckpointBytes:    64 << 20,
		VerifyWorkers:      4,
	})

	srv := server.New(sched, cfg.SocketPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sched.RunMaintenance(ctx, cfg.CheckpointInterval()*60)

	slog.Info("copyd starting", "socket", cfg.SocketPath, "max_concurrent_jobs", cfg.MaxConcurrentJobs)
	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("unrecoverable runtime error", "error", err)
		return &exitError{code: 2}
	}

	sched.Wait()
	slog.Info("copyd shut down cleanly")
	return nil
}
