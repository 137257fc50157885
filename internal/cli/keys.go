package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/firesync/internal/keycodec"
)

// KeyResult maps one input key to its converted form.
type KeyResult struct {
	Input  string `json:"input"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewKeysCommand creates the keys command group.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate and convert record keys",
		Long: `Generate new record keys and convert keys between their local form
and the form used as remote child keys.

Characters that may not appear in a remote key (. # $ [ ] / and %) are
written as %XX with upper-case hex digits.

Examples:
  firesync keys new -n 3
  firesync keys encode "a.b/c"
  firesync keys decode "a%2Eb%2Fc"`,
	}

	cmd.AddCommand(newKeysNewCommand(rootOpts))
	cmd.AddCommand(newKeysConvertCommand(rootOpts, "encode", "Convert local keys to remote keys", encodeKey))
	cmd.AddCommand(newKeysConvertCommand(rootOpts, "decode", "Convert remote keys to local keys", keycodec.ToLocal))

	return cmd
}

func newKeysNewCommand(rootOpts *RootOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:           "new",
		Short:         "Print new UUIDv7 keys",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if count < 1 {
				return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("invalid count %d", count), nil)
			}
			var gen keycodec.UUIDv7Generator
			keys := make([]string, count)
			for i := range keys {
				keys[i] = gen.Generate()
				formatter.Textf("%s", keys[i])
			}
			if formatter.IsJSON() {
				return formatter.Success(keys, "")
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of keys")

	return cmd
}

func newKeysConvertCommand(rootOpts *RootOptions, use, short string, convert func(string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:           use + " <key>...",
		Short:         short,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			results := make([]KeyResult, len(args))
			failed := 0
			for i, in := range args {
				results[i].Input = in
				out, err := convert(in)
				if err != nil {
					results[i].Error = err.Error()
					failed++
					formatter.Textf("%s\terror: %v", in, err)
					continue
				}
				results[i].Output = out
				formatter.Textf("%s", out)
			}

			if failed > 0 {
				msg := fmt.Sprintf("%d key(s) could not be converted", failed)
				if formatter.IsJSON() {
					_ = formatter.Error(ErrCodeKeyDecode, msg, results)
				}
				return NewExitError(ExitFailure, msg)
			}
			if formatter.IsJSON() {
				return formatter.Success(results, "")
			}
			return nil
		},
	}
}

// encodeKey validates a local key before encoding it.
func encodeKey(k string) (string, error) {
	if err := keycodec.ValidLocal(k); err != nil {
		return "", err
	}
	return keycodec.ToRemote(k), nil
}
