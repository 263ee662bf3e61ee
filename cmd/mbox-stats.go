package cmd

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtext/content"
	"github.com/dhcgn/mailtext/filter"
	"github.com/dhcgn/mailtext/mbox"
	"github.com/dhcgn/mailtext/model"
	"github.com/dhcgn/mailtext/stats"
)

var (
	reportDir     string
	topN          int
	includeHeader []string
	includeBody   []string
	excludeHeader []string
	excludeBody   []string
)

var headersToTrack = []string{"Delivered-To", "Subject", "From", "To"}

var mboxStatsCmd = &cobra.Command{
	Use:   "mbox-stats [mbox file]",
	Short: "Analyse the mbox file and show statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := prepare(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		mboxPath := args[0]
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Analyzing mbox file:", mboxPath)

		f, err := filter.New(filter.Options{
			IncludeHeader: includeHeader,
			IncludeBody:   includeBody,
			ExcludeHeader: excludeHeader,
			ExcludeBody:   excludeBody,
		})
		if err != nil {
			return fmt.Errorf("create filter: %w", err)
		}

		a := newAnalysis(f, newNormalizer(cfg, logger))
		err = mbox.Read(mboxPath, func(m model.Message) error {
			a.add(m)
			if a.messages > 0 && a.messages%250 == 0 {
				// ANSI escape code to clear screen and move cursor to top-left
				fmt.Fprint(out, "\033[H\033[2J")
				a.print(out)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("error reading mbox file: %w", err)
		}

		a.print(out)

		if err := saveCSVReports(a.counter, headersToTrack, reportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}

		fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
		return nil
	},
}

// analysis accumulates header counts and decode results for mbox-stats.
type analysis struct {
	filter     *filter.Filter
	normalizer *content.Normalizer

	counter  map[string]map[string]int
	messages int
	skipped  int
	summary  *stats.Collector
}

func newAnalysis(f *filter.Filter, n *content.Normalizer) *analysis {
	a := &analysis{
		filter:     f,
		normalizer: n,
		counter:    make(map[string]map[string]int),
		summary:    stats.NewCollector(),
	}
	for _, h := range headersToTrack {
		a.counter[h] = make(map[string]int)
	}
	return a
}

func (a *analysis) add(m model.Message) {
	report := a.normalizer.DecodeReport(m.Body)
	if !a.filter.Allows(m.Header, report.Text) {
		a.skipped++
		return
	}

	a.messages++
	detail := "plain"
	if a.normalizer.IsEncoded(m.Body) {
		detail = "encoded"
	}
	a.summary.Apply(stats.Event{Type: stats.EventTypeDecoded, Detail: detail})
	for _, stage := range report.DegradedStages() {
		a.summary.Apply(stats.Event{Type: stats.EventTypeDegraded, Detail: stage})
	}

	h := parseHeader(m.Header)
	for _, name := range headersToTrack {
		if value := headerValue(h, m, name); value != "" {
			a.counter[name][value]++
		}
	}
}

func (a *analysis) print(out io.Writer) {
	total := a.messages + a.skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(a.skipped) / float64(total) * 100
	}
	fmt.Fprintf(out, "Processed %d messages (skipped %d by filters, %.2f%%)...\n\n", a.messages, a.skipped, filterPercent)

	s := a.filter.Stats()
	groups := []struct {
		title    string
		patterns []string
		hits     map[string]int
	}{
		{"Include Header Filters:", s.IncludeHeaderPatterns, s.IncludeHeaderHits},
		{"Include Body Filters:", s.IncludeBodyPatterns, s.IncludeBodyHits},
		{"Exclude Header Filters:", s.ExcludeHeaderPatterns, s.ExcludeHeaderHits},
		{"Exclude Body Filters:", s.ExcludeBodyPatterns, s.ExcludeBodyHits},
	}
	hasFilterStats := false
	for _, g := range groups {
		if len(g.patterns) == 0 {
			continue
		}
		hasFilterStats = true
		fmt.Fprintln(out, g.title)
		printFilterHits(out, g.patterns, g.hits)
		fmt.Fprintln(out)
	}
	if hasFilterStats {
		fmt.Fprintln(out, "---")
		fmt.Fprintln(out)
	}

	for _, header := range headersToTrack {
		fmt.Fprintf(out, "Top %d %s:\n", topN, header)
		stats.PrettyPrintTop(out, a.counter[header], topN)
		fmt.Fprintln(out)
	}

	summary := a.summary.Snapshot()
	pterm.DefaultSection.WithWriter(out).Println("Body decoding")
	info := pterm.Info.WithWriter(out)
	info.Printf("Encoded bodies: %d of %d\n", summary.Encoded, a.messages)
	info.Printf("Degraded bodies: %d\n", summary.Degraded)
	for _, c := range stats.Top(summary.DegradedStages, -1) {
		info.Printf("  %s: %d\n", c.Key, c.Value)
	}
}

// parseHeader reads the raw header block. A malformed header yields an
// empty header so the message still counts.
func parseHeader(raw []byte) mail.Header {
	r := bufio.NewReader(io.MultiReader(bytes.NewReader(raw), strings.NewReader("\r\n\r\n")))
	h, err := textproto.ReadHeader(r)
	if err != nil {
		return mail.Header{}
	}
	return mail.Header{Header: message.Header{Header: h}}
}

func headerValue(h mail.Header, m model.Message, name string) string {
	switch name {
	case "From":
		return m.From
	case "Subject":
		return m.Subject
	case "To":
		if addrs, err := h.AddressList("To"); err == nil && len(addrs) > 0 {
			list := make([]string, 0, len(addrs))
			for _, addr := range addrs {
				list = append(list, addr.Address)
			}
			return strings.Join(list, ", ")
		}
	}
	return strings.TrimSpace(h.Get(name))
}

func init() {
	mboxStatsCmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	mboxStatsCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	mboxStatsCmd.Flags().StringArrayVar(&includeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	mboxStatsCmd.Flags().StringArrayVar(&includeBody, "include-body", nil, "Regex allow-list applied to decoded bodies (mutually exclusive with exclude flags)")
	mboxStatsCmd.Flags().StringArrayVar(&excludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	mboxStatsCmd.Flags().StringArrayVar(&excludeBody, "exclude-body", nil, "Regex block-list applied to decoded bodies (mutually exclusive with include flags)")
	rootCmd.AddCommand(mboxStatsCmd)
}

func saveCSVReports(counter map[string]map[string]int, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range headers {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(header)))
		if err := writeCSVReport(filePath, stats.Top(counter[header], limit)); err != nil {
			return err
		}
	}

	return nil
}

func writeCSVReport(path string, rows []stats.Count) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write([]string{row.Key, strconv.Itoa(row.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func printFilterHits(out io.Writer, patterns []string, hits map[string]int) {
	type pair struct {
		Pattern string
		Count   int
	}
	pairs := make([]pair, 0, len(patterns))
	for _, pattern := range patterns {
		pairs = append(pairs, pair{pattern, hits[pattern]})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		return pairs[i].Pattern < pairs[j].Pattern
	})

	for _, p := range pairs {
		if p.Count > 0 {
			fmt.Fprintf(out, "  ✓ %s: %d hits\n", p.Pattern, p.Count)
		} else {
			fmt.Fprintf(out, "  ✗ %s: 0 hits\n", p.Pattern)
		}
	}
}
