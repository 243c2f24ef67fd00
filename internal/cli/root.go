// Package cli implements cqrsctl, the operator command line for the
// command log.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jarrod-lowe/cqrs-command-log/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Local   bool

	Config  *config.Config
	backend BackendFactory
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of cqrsctl. Configuration is
// read from the environment.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithBackend(DefaultBackend, nil)
}

// NewRootCommandWithBackend creates the root command with a custom backend.
// A nil cfg is loaded from the environment before each command runs.
func NewRootCommandWithBackend(backend BackendFactory, cfg *config.Config) *cobra.Command {
	opts := &RootOptions{backend: backend, Config: cfg}

	cmd := &cobra.Command{
		Use:   "cqrsctl",
		Short: "Operate the versioned command log",
		Long: `Operate the versioned command log.

Commands are appended to the command table of a logical table and taken
through the synchronisation pipeline. cqrsctl publishes commands, reads
projections and history, and recovers failed pipelines.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Config == nil {
				cfg, err := config.Load()
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to load config", err)
				}
				opts.Config = cfg
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVar(&opts.Local, "local", false, "run against an in-process store and orchestrator")

	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDuplicateCommand(opts))
	cmd.AddCommand(NewRedriveCommand(opts))
	cmd.AddCommand(NewResyncCommand(opts))
	cmd.AddCommand(NewDefinitionCommand(opts))

	return cmd
}

// keyFlags are the entity identity flags shared by most commands.
type keyFlags struct {
	PK string
	SK string
}

func (k *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&k.PK, "pk", "", "partition key")
	cmd.Flags().StringVar(&k.SK, "sk", "", "sort key, without version")
	_ = cmd.MarkFlagRequired("pk")
	_ = cmd.MarkFlagRequired("sk")
}
