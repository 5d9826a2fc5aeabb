package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidelog/tidelog/internal/syncserver"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen  string
	DataDir string
}

// NewServeCommand creates the serve command: the sync backend process.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync backend",
		Long: `Start the sync backend: the authority that assigns global sequence
numbers, durably stores pushed events, serves pulls, and broadcasts
accepted pushes to the other connected sessions of a store.

Example:
  tidelog serve --listen :8337 --data-dir ./data`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "directory for per-store databases (overrides config)")

	return cmd
}

func runServer(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.DataDir != "" {
		cfg.Server.DataDir = opts.DataDir
	}
	log := setupLogging(cfg.Log, opts.Verbose)

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create data directory", err)
	}

	srv := syncserver.New(cfg.Server.DataDir,
		syncserver.WithServerLogger(log),
		syncserver.WithPageSize(cfg.Server.PageSize),
	)
	httpSrv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: srv.Handler(),
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("sync backend listening", "addr", cfg.Server.Listen, "data_dir", cfg.Server.DataDir)
		errCh <- httpSrv.ListenAndServe()
	}()

	fmt.Fprintln(cmd.OutOrStdout(), "Sync backend started. Press Ctrl-C to stop.")
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.Close()
			return WrapExitError(ExitFailure, "server error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := srv.Close(); err != nil {
		log.Warn("closing stores", "error", err)
	}
	log.Info("sync backend stopped gracefully")
	return nil
}
