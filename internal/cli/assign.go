package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/firesync/internal/engine"
)

// AssignKeysOptions holds flags for the assign-keys command.
type AssignKeysOptions struct {
	*RootOptions
	Upload bool
}

// AssignKeysResult is the JSON result of assign-keys.
type AssignKeysResult struct {
	Assigned int                     `json:"assigned"`
	Backfill []engine.BackfillResult `json:"backfill,omitempty"`
}

// NewAssignKeysCommand creates the assign-keys command.
func NewAssignKeysCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AssignKeysOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "assign-keys",
		Short: "Give every unkeyed local record a fresh key",
		Long: `Assign a new UUIDv7 key to every record of a linked entity that has
none, in a single local commit. Assigned records are uploaded afterwards
unless --upload=false.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssignKeys(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Upload, "upload", true, "upload records after assigning keys")

	return cmd
}

func runAssignKeys(opts *AssignKeysOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := openSession(ctx, opts.RootOptions, formatter, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.engine.AssignMissingKeys(ctx)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeSync, "failed to assign keys", err)
	}
	formatter.Textf("assigned %d key(s)", n)
	result := AssignKeysResult{Assigned: n}

	// The engine is not started, so new keys reach the remote only
	// through a backfill.
	if opts.Upload && n > 0 {
		result.Backfill, err = s.engine.BackfillAll(ctx)
		if err != nil {
			return formatter.Fail(ExitFailure, ErrCodeSync, "upload failed", err)
		}
		for _, r := range result.Backfill {
			formatter.Textf("%s: uploaded %d", r.Entity, r.Uploaded)
		}
	}

	if formatter.IsJSON() {
		return formatter.Success(result, "")
	}
	return nil
}
