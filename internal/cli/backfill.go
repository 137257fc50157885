package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/firesync/internal/engine"
)

// BackfillOptions holds flags for the backfill command.
type BackfillOptions struct {
	*RootOptions
	Entities []string
}

// NewBackfillCommand creates the backfill command.
func NewBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackfillOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Upload local records the remote store lacks",
		Long: `Upload every keyed local record whose key is missing from its
entity's remote reference, then exit. Records already present remotely are
left alone; unkeyed records are skipped (see assign-keys).

Exit codes:
  0 - Every missing record was uploaded
  1 - One or more uploads failed
  2 - Command error (config, database, remote)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Entities, "entity", "e", nil, "entities to backfill (default: every linked entity)")

	return cmd
}

func runBackfill(opts *BackfillOptions, cmd *cobra.Command) error {
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

	results, err := backfillEntities(ctx, s.engine, opts.Entities)
	if err != nil && !engine.IsKind(err, engine.KindRemoteWrite) {
		return formatter.Fail(ExitFailure, ErrCodeSync, "backfill failed", err)
	}

	failed := 0
	for _, r := range results {
		failed += r.Failed
		formatter.Textf("%s: scanned %d, uploaded %d, present %d, unkeyed %d, failed %d",
			r.Entity, r.Scanned, r.Uploaded, r.Skipped, r.Unkeyed, r.Failed)
	}
	if failed > 0 {
		msg := fmt.Sprintf("%d upload(s) failed", failed)
		if formatter.IsJSON() {
			_ = formatter.Error(ErrCodeSync, msg, results)
		}
		return WrapExitError(ExitFailure, msg, err)
	}
	if formatter.IsJSON() {
		return formatter.Success(results, "")
	}
	return nil
}

// backfillEntities backfills the named entities in order, or every linked
// entity when none are named.
func backfillEntities(ctx context.Context, eng *engine.Engine, entities []string) ([]engine.BackfillResult, error) {
	if len(entities) == 0 {
		return eng.BackfillAll(ctx)
	}

	var results []engine.BackfillResult
	var firstErr error
	for _, entity := range entities {
		entity = strings.TrimSpace(entity)
		r, err := eng.Backfill(ctx, entity)
		if err != nil && !engine.IsKind(err, engine.KindRemoteWrite) {
			return results, err
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		results = append(results, r)
	}
	return results, firstErr
}
