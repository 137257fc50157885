package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/roach88/firesync/internal/engine"
	"github.com/roach88/firesync/internal/local"
	"github.com/roach88/firesync/internal/remote"
	"github.com/roach88/firesync/internal/remote/fstree"
	"github.com/roach88/firesync/internal/remote/wsremote"
)

// newLogger returns a text logger on w, at debug level when verbose.
func newLogger(verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// session is an engine wired to the local database and remote store named
// by the global flags, with every configured entity linked.
type session struct {
	config *Config
	store  *local.Store
	remote remote.Store
	engine *engine.Engine
	logger *slog.Logger

	closeRemote func() error
}

// openSession opens the stores and links entities. The engine is not
// started. Errors are ExitErrors already reported through f.
func openSession(ctx context.Context, opts *RootOptions, f *OutputFormatter, logger *slog.Logger) (*session, error) {
	if opts.Config == "" {
		return nil, f.Fail(ExitCommandError, ErrCodeInvalidInput, "--config is required", nil)
	}
	if opts.Database == "" {
		return nil, f.Fail(ExitCommandError, ErrCodeInvalidInput, "--db is required", nil)
	}

	cfg, err := LoadConfig(opts.Config)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}

	s := &session{config: cfg, logger: logger}

	logger.Debug("opening database", "path", opts.Database)
	s.store, err = local.Open(opts.Database)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeLocalStore, "failed to open database", err)
	}

	if err := s.openRemote(ctx, opts); err != nil {
		s.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeRemoteStore, "failed to open remote store", err)
	}

	engineOpts := append([]engine.Option{engine.WithLogger(logger)}, cfg.EngineOptions()...)
	s.engine, err = engine.New(s.store, s.remote, engineOpts...)
	if err != nil {
		s.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}
	s.engine.SetWriteContext(s.store.NewContext(), commitContext)
	s.engine.ObserveLocal(s.store)

	for _, lc := range cfg.Links {
		link, err := lc.EntityLink()
		if err == nil {
			err = s.engine.Link(ctx, link)
		}
		if err != nil {
			s.Close()
			return nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to link "+lc.Entity, err)
		}
		logger.Debug("entity linked", "entity", link.Entity, "ref", string(link.Ref), "index", string(link.Index))
	}
	return s, nil
}

func (s *session) openRemote(ctx context.Context, opts *RootOptions) error {
	switch {
	case opts.RemoteURL != "":
		s.logger.Debug("connecting to remote", "url", opts.RemoteURL)
		c, err := wsremote.Dial(ctx, opts.RemoteURL, s.logger)
		if err != nil {
			return err
		}
		s.remote = c
		s.closeRemote = c.Close
	case opts.RemoteDir != "":
		s.logger.Debug("opening remote directory", "dir", opts.RemoteDir)
		t, err := fstree.Open(opts.RemoteDir, s.logger)
		if err != nil {
			return err
		}
		s.remote = t
	default:
		return errors.New("one of --remote-dir or --remote-url is required")
	}
	return nil
}

// disconnected is closed when a network remote drops. nil for local remotes.
func (s *session) disconnected() <-chan struct{} {
	if c, ok := s.remote.(*wsremote.Client); ok {
		return c.Done()
	}
	return nil
}

// Close stops the engine and releases both stores.
func (s *session) Close() {
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.closeRemote != nil {
		if err := s.closeRemote(); err != nil {
			s.logger.Error("error closing remote", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("error closing database", "error", err)
		}
	}
}

// commitContext is the commit callback for a local write context.
func commitContext(ctx context.Context, wc engine.WriteContext) error {
	return wc.(*local.Context).Save(ctx)
}
