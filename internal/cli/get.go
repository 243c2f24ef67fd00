package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/orchestrator"
	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
)

// GetOptions holds flags for the get command.
type GetOptions struct {
	*RootOptions
	keyFlags
	Version int
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <table>",
		Short: "Show the latest projection or a historical version",
		Long: `Show the latest projection of an entity, or with --version the
history record of that version.

Example:
  cqrsctl get orders --pk TENANT#acme --sk ITEM#001
  cqrsctl get orders --pk TENANT#acme --sk ITEM#001 --version 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, opts, args[0])
		},
	}

	opts.keyFlags.register(cmd)
	cmd.Flags().IntVar(&opts.Version, "version", 0, "history version (default latest projection)")

	return cmd
}

func runGet(cmd *cobra.Command, opts *GetOptions, table string) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	backend, err := opts.open(cmd.Context())
	if err != nil {
		return err
	}
	defer backend.Close()

	key := command.Key{PK: opts.PK, SK: opts.SK}
	if opts.Version > 0 {
		rec, err := backend.Service.GetAtVersion(cmd.Context(), table, key, opts.Version)
		if err != nil {
			return out.Error(err)
		}
		return out.Success(rec)
	}

	rec, err := backend.Service.GetLatest(cmd.Context(), table, key)
	if err != nil {
		return out.Error(err)
	}
	return out.Success(rec)
}

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	keyFlags
	Version int
}

// commandStatus is the output of the status command.
type commandStatus struct {
	Version       int    `json:"version"`
	Status        string `json:"status"`
	FailedStage   string `json:"failedStage,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
	Execution     string `json:"execution,omitempty"`
	Orchestrator  string `json:"orchestrator,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <table>",
		Short: "Show the pipeline status of a command",
		Long: `Show the pipeline status of a command version and of the execution
that processes it. Without --version the latest command is shown.

Example:
  cqrsctl status orders --pk TENANT#acme --sk ITEM#001 --version 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts, args[0])
		},
	}

	opts.keyFlags.register(cmd)
	cmd.Flags().IntVar(&opts.Version, "version", 0, "command version (default latest)")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions, table string) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	ctx := cmd.Context()

	backend, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	key := command.Key{PK: opts.PK, SK: opts.SK}
	rec, err := backend.Service.GetCommand(ctx, table, key, opts.Version)
	if err != nil {
		return out.Error(err)
	}

	res := commandStatus{
		Version:       rec.Version,
		Status:        string(rec.Status),
		FailedStage:   rec.FailedStage,
		FailureReason: rec.FailureReason,
	}
	if backend.Executions != nil {
		res.Execution = backend.Executions.ExecutionID(pipeline.InputFor(table, rec))
		status, err := backend.Executions.GetExecutionStatus(ctx, res.Execution)
		switch {
		case err == nil:
			res.Orchestrator = string(status)
		case errors.Is(err, orchestrator.ErrExecutionNotFound):
			res.Orchestrator = "NOT_FOUND"
		default:
			return out.Error(err)
		}
	}
	return out.Success(res)
}
