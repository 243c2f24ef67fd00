package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/service"
)

// VersionOptions holds flags for commands acting on one command version.
type VersionOptions struct {
	*RootOptions
	keyFlags
	syncFlags
	Version int
}

// NewDuplicateCommand creates the duplicate command.
func NewDuplicateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VersionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "duplicate <table>",
		Short: "Re-append an earlier version as the next version",
		Long: `Re-append the payload of an earlier version as the next version,
restoring the entity to that state.

Example:
  cqrsctl duplicate orders --pk TENANT#acme --sk ITEM#001 --version 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersionCommand(cmd, opts, args[0], func(svc *service.Service, key command.Key) (*command.CommandRecord, error) {
				return svc.Duplicate(cmd.Context(), args[0], key, opts.Version, opts.syncFlags.options(""))
			})
		},
	}

	opts.keyFlags.register(cmd)
	opts.syncFlags.register(cmd)
	cmd.Flags().IntVar(&opts.Version, "version", 0, "version to duplicate")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

// NewRedriveCommand creates the redrive command.
func NewRedriveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VersionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "redrive <table>",
		Short: "Restart the pipeline of a failed command",
		Long: `Restart the pipeline of a failed command. Later versions that failed
because of it are redriven one at a time once it has finished.

Example:
  cqrsctl redrive orders --pk TENANT#acme --sk ITEM#001 --version 2 --sync`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersionCommand(cmd, opts, args[0], func(svc *service.Service, key command.Key) (*command.CommandRecord, error) {
				return svc.Redrive(cmd.Context(), args[0], key, opts.Version, opts.syncFlags.options(""))
			})
		},
	}

	opts.keyFlags.register(cmd)
	opts.syncFlags.register(cmd)
	cmd.Flags().IntVar(&opts.Version, "version", 0, "failed version to redrive")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

func runVersionCommand(cmd *cobra.Command, opts *VersionOptions, table string, fn func(*service.Service, command.Key) (*command.CommandRecord, error)) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	backend, err := opts.open(cmd.Context())
	if err != nil {
		return err
	}
	defer backend.Close()

	rec, err := fn(backend.Service, command.Key{PK: opts.PK, SK: opts.SK})
	if err != nil {
		return out.Error(err)
	}
	backend.Logger.Debug("Command appended",
		zap.String("command", cmd.Name()),
		zap.String("table", table),
		zap.Int("version", rec.Version))
	return out.Success(rec)
}

// ResyncOptions holds flags for the resync command.
type ResyncOptions struct {
	*RootOptions
	keyFlags
	Handlers []string
}

// NewResyncCommand creates the resync command.
func NewResyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resync <table>",
		Short: "Replay sync handlers against current projections",
		Long: `Replay sync handlers against current projections without running the
pipeline. With --pk and --sk only that entity is replayed; with --handler
only the named handlers run.

Example:
  cqrsctl resync orders --handler postgres
  cqrsctl resync orders --pk TENANT#acme --sk ITEM#001`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResync(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.PK, "pk", "", "partition key")
	cmd.Flags().StringVar(&opts.SK, "sk", "", "sort key, without version")
	cmd.MarkFlagsRequiredTogether("pk", "sk")
	cmd.Flags().StringSliceVar(&opts.Handlers, "handler", nil, "handler to run (repeatable, default all)")

	return cmd
}

func runResync(cmd *cobra.Command, opts *ResyncOptions, table string) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	backend, err := opts.open(cmd.Context())
	if err != nil {
		return err
	}
	defer backend.Close()

	var key *command.Key
	if opts.PK != "" {
		key = &command.Key{PK: opts.PK, SK: opts.SK}
	}
	n, err := backend.Service.Resync(cmd.Context(), table, key, opts.Handlers...)
	if err != nil {
		return out.Error(err)
	}
	return out.Success(map[string]any{"table": table, "replayed": n})
}
