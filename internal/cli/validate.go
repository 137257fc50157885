package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool         `json:"valid"`
	Path  string       `json:"path"`
	Links []LinkConfig `json:"links,omitempty"`
	Error string       `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a link configuration file",
		Long: `Validate a link configuration without opening any store.

YAML files are checked for unknown fields; CUE files are unified with the
built-in schema. Both are then checked for duplicate entities and malformed
references. Defaults to the file named by --config.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if path == "" {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "no config file given", nil)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		if formatter.IsJSON() {
			_ = formatter.Error(ErrCodeConfig, "validation failed", ValidationResult{Path: path, Error: err.Error()})
		} else {
			fmt.Fprintln(formatter.Writer, "✗ Validation failed")
			fmt.Fprintf(formatter.Writer, "  %v\n", err)
		}
		// Validation failures = exit code 1
		return WrapExitError(ExitFailure, "validation failed", err)
	}

	for _, l := range cfg.Links {
		formatter.VerboseLog("link %s -> %s (index %q)", l.Entity, l.Ref, l.Index)
	}

	return formatter.Success(
		ValidationResult{Valid: true, Path: path, Links: cfg.Links},
		fmt.Sprintf("✓ %s: %d link(s) valid", path, len(cfg.Links)),
	)
}
