package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidelog/tidelog/internal/store"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Database string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export <output-file>",
		Short: "Write a consistent snapshot of a store",
		Long: `Export a consistent single-file snapshot of a store: the event log,
the materialized tables, and the checkpoint, suitable for backup or for
seeding another device.

Example:
  tidelog export --db ./shop.db ./backup/shop-snapshot.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	return cmd
}

func runExport(opts *ExportOptions, outPath string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	blob, err := st.Export(context.Background())
	if err != nil {
		return WrapExitError(ExitFailure, "snapshot failed", err)
	}
	if err := os.WriteFile(outPath, blob, 0o644); err != nil {
		return WrapExitError(ExitCommandError, "failed to write snapshot", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "exported %d bytes to %s\n", len(blob), outPath)
	return nil
}
