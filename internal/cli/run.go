package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tidelog/tidelog/internal/engine"
	"github.com/tidelog/tidelog/internal/schema"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
}

// NewRunCommand creates the run command: the leader engine process.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the leader engine",
		Long: `Start the single-writer leader engine for a local store.

The engine acquires the store's leader lock, replays any log events past
the materialization checkpoint, and then serves commits. With sync
enabled in the config it also connects to the sync backend, pulls the
events it is missing, and pushes local global events upstream.

Example:
  tidelog run --db ./shop.db
  tidelog run -c tidelog.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}
	log := setupLogging(cfg.Log, opts.Verbose)

	engOpts := []engine.Option{engine.WithLogger(log)}
	if cfg.Store.Definitions != "" {
		src, err := os.ReadFile(cfg.Store.Definitions)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read event definitions", err)
		}
		defs, err := schema.LoadDefinitions(string(src))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to compile event definitions", err)
		}
		engOpts = append(engOpts, engine.WithDefinitions(defs))
	}
	if cfg.Sync.OfflinePolicy == "stop" {
		engOpts = append(engOpts, engine.WithOfflinePolicy(engine.StopOnGiveUp))
	}

	// The run command serves raw-write commits and sync; named
	// materializers are registered by programs embedding the engine.
	eng := engine.New(cfg.Store.Path, schema.NewRegistry(), engOpts...)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Boot(ctx); err != nil {
		switch {
		case engine.IsLockHeld(err):
			return WrapExitError(ExitCommandError, "store already has a leader", err)
		case engine.IsBootError(err):
			return WrapExitError(ExitCommandError, "boot failed", err)
		}
		return WrapExitError(ExitFailure, "engine error", err)
	}

	if cfg.Sync.Enabled {
		target := engine.SyncTarget{
			URL:     cfg.Sync.URL,
			StoreID: cfg.Sync.StoreID,
		}
		if cfg.Sync.Auth != "" {
			target.Auth = json.RawMessage(cfg.Sync.Auth)
		}
		go func() {
			if err := eng.RunSync(ctx, target); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("sync stopped", "error", err)
				// A fatal sync error means the store can no longer follow
				// the shared log; keeping the engine up would only let it
				// drift further.
				if engine.IsFatalSync(err) || cfg.Sync.OfflinePolicy == "stop" {
					stop()
				}
			}
		}()
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")
	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	log.Info("engine stopped gracefully")
	return nil
}
