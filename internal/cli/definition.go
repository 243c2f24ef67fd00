package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jarrod-lowe/cqrs-command-log/internal/orchestrator"
)

// DefinitionOptions holds flags for the definition command.
type DefinitionOptions struct {
	*RootOptions
	TaskFunctionARN string
	Output          string
}

// NewDefinitionCommand creates the definition command.
func NewDefinitionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DefinitionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "definition",
		Short: "Print the pipeline state machine definition",
		Long: `Print the Amazon States Language definition of the pipeline state
machine. Retry and wait settings come from the environment.

Example:
  cqrsctl definition --task-function arn:aws:lambda:ap-southeast-2:123456789012:function:pipeline-task -o pipeline.asl.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDefinition(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.TaskFunctionARN, "task-function", "", "pipeline task Lambda ARN (default TASK_FUNCTION_ARN)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write to a file instead of stdout")

	return cmd
}

func runDefinition(cmd *cobra.Command, opts *DefinitionOptions) error {
	arn := opts.TaskFunctionARN
	if arn == "" {
		arn = opts.Config.TaskFunctionARN
	}
	def, err := orchestrator.Definition(arn, opts.Config.DefinitionOptions())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build definition", err)
	}

	if opts.Output == "" {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(def))
		return err
	}
	if err := os.WriteFile(opts.Output, append(def, '\n'), 0o644); err != nil {
		return WrapExitError(ExitCommandError, "failed to write definition", err)
	}
	return nil
}
