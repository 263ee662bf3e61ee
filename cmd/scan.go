package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtext/config"
	"github.com/dhcgn/mailtext/imap"
	"github.com/dhcgn/mailtext/mbox"
	"github.com/dhcgn/mailtext/model"
	"github.com/dhcgn/mailtext/progress"
	"github.com/dhcgn/mailtext/runner"
	"github.com/dhcgn/mailtext/stats"
	"github.com/dhcgn/mailtext/store"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Decode every message from an mbox file or IMAP mailbox",
	Long: `Scan reads messages from --mbox or an IMAP mailbox, decodes each body
and prints one tab separated line per message: date, sender, subject and
preview. With --db the decoded messages are also stored.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := prepare(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := cfg.ValidateSource(); err != nil {
			return err
		}

		source := cfg.MboxPath
		if cfg.IMAPHost != "" {
			source = cfg.IMAPHost + "/" + cfg.Mailbox
		}
		logger.Info("starting scan", "source", source, "db", cfg.DB != "", "dryRun", cfg.DryRun, "workers", cfg.Workers)

		return runScan(cmd.Context(), cfg, logger, cmd.OutOrStdout())
	},
}

func runScan(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var st *store.Store
	if cfg.DB != "" && !cfg.DryRun {
		var err error
		st, err = store.Open(ctx, cfg.DB)
		if err != nil {
			return fmt.Errorf("store.Open: %w", err)
		}
		defer st.Close()
	}

	r, err := runner.New(cfg, logger, newNormalizer(cfg, logger))
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stop := context.AfterFunc(ctx, r.Stop)
	defer stop()

	if cfg.Quiet {
		total := 0
		if cfg.MboxPath != "" {
			if total, err = mbox.CountMessages(cfg.MboxPath); err != nil {
				logger.Warn("count messages", "err", err)
			}
		}
		bar := progress.New(total, r.Tracker().Snapshot().Processed, cfg.LogLevel)
		progress.NewReporter(r, bar, os.Stdout)
	} else {
		stats.NewReporter(r, logger)
		r.AddSink("print", lineSink(out))
	}
	if st != nil {
		r.AddSink("store", st)
	}

	if cfg.IMAPHost != "" {
		_, err = imap.NewProducer(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Mailbox:            cfg.Mailbox,
			Limit:              cfg.Limit,
		}, r, logger)
	} else {
		_, err = mbox.NewProducer(mbox.Options{Path: cfg.MboxPath}, r, logger)
	}
	if err != nil {
		// unblock the decode stage before giving up
		r.Stop()
		r.CloseMailbox()
		_ = r.Start()
		return fmt.Errorf("source: %w", err)
	}

	err = r.Start()
	logFilterHits(logger, r)
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("scan interrupted")
	}
	return err
}

// lineSink prints date, sender, subject and preview separated by tabs.
func lineSink(w io.Writer) runner.Sink {
	return runner.SinkFunc(func(_ context.Context, msg model.Message) error {
		_, err := fmt.Fprintln(w, formatLine(msg))
		return err
	})
}

func formatLine(msg model.Message) string {
	date := "-"
	if !msg.ReceivedAt.IsZero() {
		date = msg.ReceivedAt.UTC().Format("2006-01-02 15:04")
	}
	return strings.Join([]string{date, oneLine(msg.From), oneLine(msg.Subject), oneLine(msg.Preview)}, "\t")
}

// oneLine folds tabs and line breaks so a field cannot split the output row.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func logFilterHits(logger *slog.Logger, r *runner.Runner) {
	if !r.Filter().Active() {
		return
	}
	s := r.Filter().Stats()
	for _, group := range []struct {
		name     string
		patterns []string
		hits     map[string]int
	}{
		{"include-header", s.IncludeHeaderPatterns, s.IncludeHeaderHits},
		{"include-body", s.IncludeBodyPatterns, s.IncludeBodyHits},
		{"exclude-header", s.ExcludeHeaderPatterns, s.ExcludeHeaderHits},
		{"exclude-body", s.ExcludeBodyPatterns, s.ExcludeBodyHits},
	} {
		for _, p := range group.patterns {
			logger.Info("filter hits", "filter", group.name, "pattern", p, "hits", group.hits[p])
		}
	}
}

func init() {
	if err := config.RegisterSourceFlags(scanCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(scanCmd)
}
