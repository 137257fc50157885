package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	Config    string // link configuration (.yaml or .cue)
	Database  string // local SQLite database
	RemoteDir string // directory-backed remote store
	RemoteURL string // websocket remote store, e.g. ws://host:8750/ws
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the firesync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "firesync",
		Short: "firesync - bidirectional local/remote record sync",
		Long: `Keep records in a local SQLite store in sync with a hierarchical,
real-time remote store.

Entities are linked to remote references in a config file (YAML or CUE).
The remote is either a directory (--remote-dir) or a firesync server
(--remote-url).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "link configuration file (.yaml or .cue)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.PersistentFlags().StringVar(&opts.RemoteDir, "remote-dir", "", "directory used as the remote store")
	cmd.PersistentFlags().StringVar(&opts.RemoteURL, "remote-url", "", "websocket URL of a firesync server")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewBackfillCommand(opts))
	cmd.AddCommand(NewAssignKeysCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewKeysCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
