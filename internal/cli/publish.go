package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/service"
)

// syncFlags control synchronous publishing.
type syncFlags struct {
	Sync      bool
	Timeout   time.Duration
	InvokedBy string
}

func (s *syncFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&s.Sync, "sync", false, "wait for the pipeline to finish")
	cmd.Flags().DurationVar(&s.Timeout, "timeout", 0, "how long --sync waits (default from SYNC_TIMEOUT)")
	cmd.Flags().StringVar(&s.InvokedBy, "invoked-by", "", "user recorded on the command")
}

func (s *syncFlags) options(source string) service.Options {
	return service.Options{
		Source:      source,
		InvokedBy:   s.InvokedBy,
		Synchronous: s.Sync,
		Timeout:     s.Timeout,
	}
}

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	keyFlags
	syncFlags

	Version    int
	Code       string
	Name       string
	Type       string
	Tenant     string
	Deleted    bool
	Attributes string
	Partial    bool
	File       string
}

// fileCommand is one line of a publish --file document.
type fileCommand struct {
	PK         string         `json:"pk"`
	SK         string         `json:"sk"`
	Code       string         `json:"code"`
	Name       string         `json:"name"`
	Version    int            `json:"version"`
	TenantCode string         `json:"tenantCode"`
	Type       string         `json:"type"`
	IsDeleted  bool           `json:"isDeleted"`
	Seq        int64          `json:"seq"`
	Attributes map[string]any `json:"attributes"`
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish <table>",
		Short: "Append a command and start its pipeline",
		Long: `Append a command and start its pipeline.

A full command needs the next version of the entity. With --partial the
given fields are merged over the latest command and the version defaults
to the next one. With --file every line of the file is a full command in
JSON and the commands are published in order.

Example:
  cqrsctl publish orders --pk TENANT#acme --sk ITEM#001 --version 1 --name Widget
  cqrsctl publish orders --pk TENANT#acme --sk ITEM#001 --partial --attributes '{"colour":"red"}'
  cqrsctl publish orders --file commands.jsonl --local --sync`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.PK, "pk", "", "partition key")
	cmd.Flags().StringVar(&opts.SK, "sk", "", "sort key, without version")
	cmd.Flags().IntVar(&opts.Version, "version", 0, "command version")
	cmd.Flags().StringVar(&opts.Code, "code", "", "entity code")
	cmd.Flags().StringVar(&opts.Name, "name", "", "entity name")
	cmd.Flags().StringVar(&opts.Type, "type", "", "entity type")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant code")
	cmd.Flags().BoolVar(&opts.Deleted, "deleted", false, "mark the entity deleted")
	cmd.Flags().StringVar(&opts.Attributes, "attributes", "", "attributes as a JSON object")
	cmd.Flags().BoolVar(&opts.Partial, "partial", false, "merge over the latest command")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "publish the JSON lines of a file (- for stdin)")
	opts.syncFlags.register(cmd)

	return cmd
}

func runPublish(cmd *cobra.Command, opts *PublishOptions, table string) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	var attributes map[string]any
	if opts.Attributes != "" {
		if err := json.Unmarshal([]byte(opts.Attributes), &attributes); err != nil {
			return WrapExitError(ExitCommandError, "invalid --attributes JSON", err)
		}
	}
	if opts.File == "" && (opts.PK == "" || opts.SK == "") {
		return WrapExitError(ExitCommandError, "--pk and --sk are required", nil)
	}

	ctx := cmd.Context()
	backend, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	svcOpts := opts.syncFlags.options("")

	if opts.File != "" {
		recs, err := publishFile(cmd, backend, table, opts.File, svcOpts)
		if err != nil {
			return out.Error(err)
		}
		return out.Success(recs)
	}

	var rec *command.CommandRecord
	if opts.Partial {
		var deleted *bool
		if cmd.Flags().Changed("deleted") {
			deleted = &opts.Deleted
		}
		rec, err = backend.Service.PublishPartial(ctx, table, service.PartialInput{
			PK:         opts.PK,
			SK:         opts.SK,
			Version:    opts.Version,
			Code:       opts.Code,
			Name:       opts.Name,
			Type:       opts.Type,
			IsDeleted:  deleted,
			Attributes: attributes,
		}, svcOpts)
	} else {
		rec, err = backend.Service.Publish(ctx, table, service.CommandInput{
			PK:         opts.PK,
			SK:         opts.SK,
			Code:       opts.Code,
			Name:       opts.Name,
			Version:    opts.Version,
			TenantCode: opts.Tenant,
			Type:       opts.Type,
			IsDeleted:  opts.Deleted,
			Attributes: attributes,
		}, svcOpts)
	}
	if err != nil {
		return out.Error(err)
	}
	backend.Logger.Debug("Published command",
		zap.String("table", table),
		zap.String("sk", rec.SK),
		zap.Int("version", rec.Version),
		zap.String("status", string(rec.Status)))
	return out.Success(rec)
}

func publishFile(cmd *cobra.Command, backend *Backend, table, path string, opts service.Options) ([]*command.CommandRecord, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var recs []*command.CommandRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var fc fileCommand
		if err := json.Unmarshal(scanner.Bytes(), &fc); err != nil {
			return recs, fmt.Errorf("%w: line %d: %v", service.ErrInvalidInput, line, err)
		}
		rec, err := backend.Service.Publish(cmd.Context(), table, service.CommandInput{
			PK:         fc.PK,
			SK:         fc.SK,
			Code:       fc.Code,
			Name:       fc.Name,
			Version:    fc.Version,
			TenantCode: fc.TenantCode,
			Type:       fc.Type,
			IsDeleted:  fc.IsDeleted,
			Seq:        fc.Seq,
			Attributes: fc.Attributes,
		}, opts)
		if err != nil {
			return recs, fmt.Errorf("line %d: %w", line, err)
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return recs, err
	}
	backend.Logger.Debug("Published file", zap.String("table", table), zap.Int("commands", len(recs)))
	return recs, nil
}
