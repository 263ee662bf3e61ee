package progress

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailtext/stats"
)

// Bar manages a progress bar for tracking message decoding.
type Bar struct {
	pb       *pterm.ProgressbarPrinter
	total    int
	skipped  int
	degraded int
	mu       sync.Mutex
	enabled  bool
}

// New creates a new progress bar if logLevel is "info" and total is known.
// alreadyDone is the number of messages recorded by earlier runs.
func New(total int, alreadyDone int, logLevel string) *Bar {
	enabled := logLevel == "info" && total > 0

	bar := &Bar{
		total:   total,
		enabled: enabled,
	}

	if enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Decoding messages").
			Start()
		bar.pb = pb

		pterm.Info.Printf("Total messages: %d\n", total)
		pterm.Info.Printf("Already decoded: %d\n", alreadyDone)
		pterm.Println()
	}

	return bar
}

// Enabled reports whether the bar renders anything.
func (b *Bar) Enabled() bool {
	return b != nil && b.enabled
}

// Update advances the bar for every scanned message.
func (b *Bar) Update(evt stats.Event) {
	if !b.Enabled() || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		if b.pb.Current < b.total {
			b.pb.Increment()
		}
		if evt.MessageID != "" {
			b.pb.UpdateTitle("Decoding: " + shorten(evt.MessageID, 40))
		}
	case stats.EventTypeDuplicate, stats.EventTypeFiltered:
		b.skipped++
	case stats.EventTypeDegraded:
		b.degraded++
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

func shorten(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.Enabled() || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}

	b.pb.Stop()
	pterm.Success.Println("Decoding complete!")
}

// Subscriber updates the bar from the event stream and stops it when the
// stream ends.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Reporter prints the final summary with pterm once the event stream closes.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	started   time.Time
	out       io.Writer
}

// NewReporter subscribes the bar (when enabled) and a summary printer.
func NewReporter(stream stats.EventStream, bar *Bar, out io.Writer) *Reporter {
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		started:   time.Now(),
		out:       out,
	}

	if bar.Enabled() {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
	}
	stream.SubscribeStats("progress-summary", reporter.collectStats)

	return reporter
}

func (pr *Reporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	PrintSummary(pr.out, pr.collector.Snapshot(), time.Since(pr.started))
	return nil
}

// PrintSummary renders s as a pterm section on out.
func PrintSummary(out io.Writer, s stats.Summary, duration time.Duration) {
	info := pterm.Info.WithWriter(out)
	section := pterm.DefaultSection.WithWriter(out)

	pterm.Fprintln(out)
	section.Println("Summary Statistics")
	if duration > 0 {
		info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	}
	info.Printf("Scanned: %d\n", s.Scanned)
	info.Printf("Decoded: %d (encoded %d)\n", s.Decoded, s.Encoded)
	info.Printf("Degraded: %d\n", s.Degraded)
	for _, stage := range sortedKeys(s.DegradedStages) {
		info.Printf("  %s: %d\n", stage, s.DegradedStages[stage])
	}
	info.Printf("Stored: %d\n", s.Stored)
	info.Printf("Filtered: %d\n", s.Filtered)
	info.Printf("Duplicates (skipped): %d\n", s.Duplicates)
	info.Printf("Errors: %d\n", s.Errors)
	if s.LastError != nil {
		pterm.Error.WithWriter(out).Printf("Last error: %v\n", s.LastError)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
