package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtext/content"
)

var (
	decodePreview int
	decodeCheck   bool
)

var decodeCmd = &cobra.Command{
	Use:   "decode [file]",
	Short: "Decode one raw body from a file or stdin",
	Long: `Decode reads a single raw email body (MIME parts, quoted-printable,
HTML, entities) and writes the readable text to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := prepare(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defer file.Close()
			in = file
		}

		raw, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		preview := decodePreview
		if preview == 0 && cmd.Flags().Changed("preview-length") {
			preview = cfg.PreviewLength
		}

		return writeDecoded(cmd.OutOrStdout(), string(raw), newNormalizer(cfg, logger), decodeOptions{
			Preview: preview,
			Check:   decodeCheck,
		})
	},
}

type decodeOptions struct {
	// Preview > 0 writes a preview of that many characters instead of the
	// full text.
	Preview int
	Check   bool
}

func writeDecoded(w io.Writer, raw string, n *content.Normalizer, opts decodeOptions) error {
	var out string
	switch {
	case opts.Check:
		out = "plain"
		if n.IsEncoded(raw) {
			out = "encoded"
		}
	case opts.Preview > 0:
		out = n.Preview(raw, opts.Preview)
	default:
		out = n.Decode(raw)
	}
	_, err := fmt.Fprintln(w, out)
	return err
}

func init() {
	decodeCmd.Flags().IntVarP(&decodePreview, "preview", "p", 0, "Write a preview of at most N characters instead of the full text")
	decodeCmd.Flags().Lookup("preview").NoOptDefVal = fmt.Sprint(content.DefaultPreviewLength)
	decodeCmd.Flags().BoolVar(&decodeCheck, "check", false, "Only report whether the input looks encoded")
	rootCmd.AddCommand(decodeCmd)
}
