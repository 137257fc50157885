package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/firesync/internal/engine"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Backfill      bool
	AssignKeys    bool
	StatsInterval time.Duration
	FlushTimeout  time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync continuously until interrupted",
		Long: `Start the sync engine and keep both stores in sync until Ctrl-C.

Remote children present at start are applied locally. With --assign-keys,
unkeyed local records receive keys first; with --backfill, keyed records the
remote lacks are uploaded.

Example:
  firesync run --config links.yaml --db ./app.db --remote-dir ./remote
  firesync run -c links.cue --db ./app.db --remote-url ws://localhost:8750/ws --backfill`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Backfill, "backfill", false, "upload local records missing remotely after start")
	cmd.Flags().BoolVar(&opts.AssignKeys, "assign-keys", false, "assign keys to unkeyed local records after start")
	cmd.Flags().DurationVar(&opts.StatsInterval, "stats-interval", time.Minute, "how often to log sync counters (0 disables)")
	cmd.Flags().DurationVar(&opts.FlushTimeout, "flush-timeout", 10*time.Second, "how long to wait for queued remote writes on shutdown")

	return cmd
}

func runSync(opts *RunOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, opts.RootOptions, formatter, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.engine.Start(ctx); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeSync, "failed to start engine", err)
	}

	if opts.AssignKeys {
		n, err := s.engine.AssignMissingKeys(ctx)
		if err != nil {
			return formatter.Fail(ExitFailure, ErrCodeSync, "failed to assign keys", err)
		}
		logger.Info("keys assigned", "count", n)
	}
	if opts.Backfill {
		results, err := s.engine.BackfillAll(ctx)
		if err != nil && !engine.IsKind(err, engine.KindRemoteWrite) {
			return formatter.Fail(ExitFailure, ErrCodeSync, "backfill failed", err)
		}
		for _, r := range results {
			logger.Info("backfill", "entity", r.Entity, "uploaded", r.Uploaded, "failed", r.Failed)
		}
	}

	formatter.Textf("Syncing %d entities. Press Ctrl-C to stop.", len(s.config.Links))

	g, gctx := errgroup.WithContext(ctx)
	if done := s.disconnected(); done != nil {
		g.Go(func() error {
			select {
			case <-done:
				return errors.New("remote connection closed")
			case <-gctx.Done():
				return nil
			}
		})
	}
	g.Go(func() error {
		reportStats(gctx, s, opts.StatsInterval)
		return nil
	})
	runErr := g.Wait()

	// Give queued writes a chance before stopping; Stop drops them.
	if runErr == nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), opts.FlushTimeout)
		if err := s.engine.Flush(flushCtx); err != nil {
			logger.Warn("remote writes still queued at shutdown", "error", err)
		}
		cancel()
	}
	s.engine.Stop()

	st := s.engine.Stats()
	logger.Info("sync stopped",
		"remote_writes", st.RemoteWrites,
		"events_applied", st.EventsApplied,
		"errors", st.Errors,
	)

	if runErr != nil {
		return formatter.Fail(ExitFailure, ErrCodeRemoteStore, "sync interrupted", runErr)
	}
	if formatter.IsJSON() {
		return formatter.Success(st, "")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Stopped.")
	return nil
}

// reportStats logs the engine counters every interval until ctx is done.
func reportStats(ctx context.Context, s *session, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.engine.Stats()
			s.logger.Info("sync stats",
				"remote_writes", st.RemoteWrites,
				"remote_removes", st.RemoteRemoves,
				"events_applied", st.EventsApplied,
				"commits", st.Commits,
				"echoes_suppressed", st.EchoesSuppressed,
				"errors", st.Errors,
			)
		}
	}
}
