// Package backfill re-runs the content normalizer over stored messages and
// writes the decoded text and preview back.
package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dhcgn/mailtext/content"
	"github.com/dhcgn/mailtext/store"
)

// Store is the subset of *store.Store the backfill needs.
type Store interface {
	ListPending(ctx context.Context, afterID string, limit int, all bool) ([]store.Row, error)
	UpdateDecoded(ctx context.Context, id string, d store.Decoded) error
}

type Options struct {
	BatchSize     int
	PreviewLength int
	// All re-decodes rows that already have decoded text.
	All    bool
	DryRun bool
	Logger *slog.Logger
}

type Result struct {
	Scanned  int
	Updated  int
	Encoded  int
	Degraded int
}

func (r Result) LogAttrs() []any {
	return []any{
		"scanned", r.Scanned,
		"updated", r.Updated,
		"encoded", r.Encoded,
		"degraded", r.Degraded,
	}
}

// Run pages through the store by id and decodes every row it is given.
// Rows are written as soon as they are decoded, so an interrupted run keeps
// its progress.
func Run(ctx context.Context, s Store, n *content.Normalizer, opts Options) (Result, error) {
	if n == nil {
		n = content.New()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PreviewLength < 0 {
		opts.PreviewLength = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var (
		res   Result
		after string
	)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rows, err := s.ListPending(ctx, after, opts.BatchSize, opts.All)
		if err != nil {
			return res, err
		}
		if len(rows) == 0 {
			return res, nil
		}

		for _, row := range rows {
			res.Scanned++
			d := decodeRow(n, row, opts.PreviewLength)
			if d.Encoded {
				res.Encoded++
			}
			if len(d.Degraded) > 0 {
				res.Degraded++
				logger.Warn("backfill row degraded", "id", row.ID, "messageID", row.MessageID, "stages", d.Degraded)
			}

			if opts.DryRun {
				continue
			}
			if err := s.UpdateDecoded(ctx, row.ID, d); err != nil {
				return res, fmt.Errorf("backfill %s: %w", row.ID, err)
			}
			res.Updated++
		}

		after = rows[len(rows)-1].ID
		logger.Debug("backfill batch done", append(res.LogAttrs(), "after", after)...)
	}
}

func decodeRow(n *content.Normalizer, row store.Row, previewLength int) store.Decoded {
	report := n.DecodeReport(row.Content)
	return store.Decoded{
		Text:     report.Text,
		Preview:  content.PreviewText(report.Text, previewLength),
		Encoded:  n.IsEncoded(row.Content),
		Degraded: report.DegradedStages(),
	}
}
