package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quorumsync/reconciler/pkg/config"
	"github.com/quorumsync/reconciler/pkg/console"
	"github.com/quorumsync/reconciler/pkg/dispatcher"
	"github.com/quorumsync/reconciler/pkg/reconciler"
	"github.com/quorumsync/reconciler/pkg/server"
	"github.com/quorumsync/reconciler/pkg/store"
)

// listenAddr is the socket the wire protocol (spec.md §4.7) listens on.
// It is not one of spec.md §6's CLI flags; the engine is meant to be
// embedded behind whatever address scheme the deployment wants, so a
// fixed default keeps the CLI's flag set exactly the one the spec names.
const listenAddr = "127.0.0.1:4730"

const (
	dispatcherWorkers = 8
	serverWorkers     = 16
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconciler [config-file-or-dir]...",
		Short: "Run the multi-source record reconciliation service",
		Args:  cobra.MinimumNArgs(1),
	}
	v := config.BindFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runReconciler(cmd, args, v)
	}
	return cmd
}

func runReconciler(cmd *cobra.Command, args []string, v *viper.Viper) error {
	runtime := config.RuntimeFrom(v)

	cfg, err := config.Load(args)
	if err != nil {
		return configError(fmt.Errorf("loading configuration: %w", err))
	}

	logDest := runtime.Log
	if !cmd.Flags().Changed("log") && cfg.Logging != "" {
		logDest = cfg.Logging
	}
	logger, err := newLogger(logDest, runtime.Verbose)
	if err != nil {
		return configError(err)
	}
	slog.SetDefault(logger)
	console.DisableOutput = logDest == "none"

	if runtime.DB == "" {
		db, err := config.PromptDatabaseURL()
		if err != nil {
			return configError(fmt.Errorf("resolving --db: %w", err))
		}
		runtime.DB = db
	}

	registry, err := config.BuildRegistry(cfg)
	if err != nil {
		return configError(fmt.Errorf("building driver registry: %w", err))
	}

	// The reference store (below) is in-memory; runtime.DB is surfaced
	// here for a relational Store implementation substituted behind the
	// same contract (spec.md §4.5) to pick up.
	logger.Debug("resolved database connection string", "set", runtime.DB != "")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := registry.Init(ctx); err != nil {
		return runtimeError(fmt.Errorf("initializing drivers: %w", err))
	}
	defer func() {
		if err := registry.Finalize(context.Background()); err != nil {
			logger.Error("finalizing drivers", "error", err)
		}
	}()

	st, err := store.NewMemStore()
	if err != nil {
		return runtimeError(fmt.Errorf("opening store: %w", err))
	}

	rec := reconciler.New(registry, st)
	disp := dispatcher.New(rec, st, dispatcherWorkers)
	srv := server.New(disp, st, serverWorkers)

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return runtimeError(fmt.Errorf("listening on %s: %w", listenAddr, err))
	}
	defer ln.Close()

	logger.Info("reconciler listening", "addr", listenAddr)
	if err := srv.Serve(ctx, ln); err != nil {
		return runtimeError(fmt.Errorf("serving: %w", err))
	}
	return nil
}

func newLogger(dest string, verbose bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	switch dest {
	case "", "stderr":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "stdout":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	case "none":
		return slog.New(slog.NewTextHandler(io.Discard, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log destination %q", dest)
	}
}
