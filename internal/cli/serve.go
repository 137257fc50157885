package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/firesync/internal/remote"
	"github.com/roach88/firesync/internal/remote/fstree"
	"github.com/roach88/firesync/internal/remote/memtree"
	"github.com/roach88/firesync/internal/remote/wsremote"
)

const clientLogInterval = 30 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string

	// ready, when set, receives the bound address once listening (for testing).
	ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a remote store over websocket",
		Long: `Expose a remote store to firesync clients (--remote-url).

The store is the directory named by --remote-dir, or an in-memory tree
when none is given. Clients connect to ws://<addr>/ws; /health reports
liveness.

Example:
  firesync serve --remote-dir ./remote --addr 127.0.0.1:8750`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8750", "listen address")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store remote.Store
	if opts.RemoteDir != "" {
		t, err := fstree.Open(opts.RemoteDir, logger)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeRemoteStore, "failed to open remote directory", err)
		}
		store = t
	} else {
		logger.Warn("no --remote-dir given, serving an in-memory tree")
		store = memtree.New()
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "failed to listen", err)
	}

	srv := wsremote.NewServer(store, logger)
	addr := ln.Addr().String()
	formatter.Textf("Serving on ws://%s/ws. Press Ctrl-C to stop.", addr)
	if opts.ready != nil {
		opts.ready <- addr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return srv.Serve(gctx, ln)
	})
	g.Go(func() error {
		ticker := time.NewTicker(clientLogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logger.Debug("connected clients", "count", srv.ClientCount())
			}
		}
	})
	if err := g.Wait(); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeRemoteStore, "server error", err)
	}

	if formatter.IsJSON() {
		return formatter.Success(map[string]string{"addr": addr}, "")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Stopped.")
	return nil
}
