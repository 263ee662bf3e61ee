package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtext/backfill"
	"github.com/dhcgn/mailtext/config"
	"github.com/dhcgn/mailtext/store"
)

var (
	backfillBatchSize int
	backfillAll       bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Decode stored messages that have no readable text yet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := prepare(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if cfg.DB == "" {
			return fmt.Errorf("--db is required")
		}

		ctx := cmd.Context()
		st, err := store.Open(ctx, cfg.DB)
		if err != nil {
			return fmt.Errorf("store.Open: %w", err)
		}
		defer st.Close()

		total, pending, err := st.Count(ctx)
		if err != nil {
			return err
		}
		logger.Info("starting backfill", "dialect", st.Dialect(), "rows", total, "pending", pending, "all", backfillAll, "dryRun", cfg.DryRun)

		res, err := backfill.Run(ctx, st, newNormalizer(cfg, logger), backfill.Options{
			BatchSize:     backfillBatchSize,
			PreviewLength: cfg.PreviewLength,
			All:           backfillAll,
			DryRun:        cfg.DryRun,
			Logger:        logger,
		})
		if err != nil {
			logger.Error("backfill stopped", append(res.LogAttrs(), "err", err)...)
			return err
		}

		logger.Info("backfill finished", res.LogAttrs()...)
		return nil
	},
}

func init() {
	config.RegisterDBFlag(backfillCmd)
	backfillCmd.Flags().IntVar(&backfillBatchSize, "batch-size", 100, "Rows decoded per page")
	backfillCmd.Flags().BoolVar(&backfillAll, "all", false, "Re-decode rows that already have text")
	backfillCmd.Flags().Bool("dry-run", false, "Decode and report without writing")
	rootCmd.AddCommand(backfillCmd)
}
