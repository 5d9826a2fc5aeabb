package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidelog/tidelog/internal/seqno"
	"github.com/tidelog/tidelog/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database string
	Since    string
}

// StatusResult is the inspection summary for a store.
type StatusResult struct {
	Path        string `json:"path"`
	Head        string `json:"head"`
	LogHead     string `json:"logHead"`
	EventCount  int64  `json:"eventCount"`
	Since       string `json:"since,omitempty"`
	EventsSince *int64 `json:"eventsSince,omitempty"`
}

func (r StatusResult) String() string {
	s := fmt.Sprintf("store:  %s\nhead:   %s\nlog:    %s\nevents: %d",
		r.Path, r.Head, r.LogHead, r.EventCount)
	if r.EventsSince != nil {
		s += fmt.Sprintf("\nafter %s: %d", r.Since, *r.EventsSince)
	}
	return s
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the head and event count of a store",
		Long: `Inspect a local store: the materialization head, the newest event in
the log, and the total number of logged events.

Example:
  tidelog status --db ./shop.db --format json
  tidelog status --db ./shop.db --since 4.0`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Since, "since", "", "also count events after this cursor (g.l form)")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
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

	ctx := context.Background()
	head, err := st.Head(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read head", err)
	}
	logHead, err := st.MaxEventID(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read log head", err)
	}
	count, err := st.EventCount(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count events", err)
	}

	result := StatusResult{
		Path:       cfg.Store.Path,
		Head:       head.String(),
		LogHead:    logHead.String(),
		EventCount: count,
	}
	if opts.Since != "" {
		cursor, err := seqno.Parse(opts.Since)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --since cursor", err)
		}
		events, err := st.ReadSince(ctx, cursor)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read events", err)
		}
		n := int64(len(events))
		result.Since = cursor.String()
		result.EventsSince = &n
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return f.Success(result)
}
