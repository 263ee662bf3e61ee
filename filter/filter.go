package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Options captures the filtering configuration. Body patterns are matched
// against decoded text, not the raw MIME body.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

type pattern struct {
	source string
	re     *regexp.Regexp
}

// Filter holds compiled regex patterns for filtering messages.
// It is safe for concurrent use.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader []pattern
	includeBody   []pattern
	excludeHeader []pattern
	excludeBody   []pattern

	mu   sync.Mutex
	hits map[*regexp.Regexp]int
}

// Stats reports how often each pattern matched.
type Stats struct {
	IncludeHeaderPatterns []string
	IncludeHeaderHits     map[string]int
	IncludeBodyPatterns   []string
	IncludeBodyHits       map[string]int
	ExcludeHeaderPatterns []string
	ExcludeHeaderHits     map[string]int
	ExcludeBodyPatterns   []string
	ExcludeBodyHits       map[string]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:   includeActive,
		excludeMode:   excludeActive,
		includeHeader: includeHeader,
		includeBody:   includeBody,
		excludeHeader: excludeHeader,
		excludeBody:   excludeBody,
		hits:          make(map[*regexp.Regexp]int),
	}, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f.includeMode || f.excludeMode
}

// Allows returns true if the message passes the filter criteria.
func (f *Filter) Allows(header []byte, text string) bool {
	if f.includeMode {
		headerMatch := f.matchAny(f.includeHeader, header, "")
		bodyMatch := f.matchAny(f.includeBody, nil, text)
		return headerMatch || bodyMatch
	}

	if f.excludeMode {
		headerMatch := f.matchAny(f.excludeHeader, header, "")
		bodyMatch := f.matchAny(f.excludeBody, nil, text)
		if headerMatch || bodyMatch {
			return false
		}
	}

	return true
}

// Stats returns a snapshot of the per-pattern hit counts.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	sources := func(patterns []pattern) ([]string, map[string]int) {
		names := make([]string, 0, len(patterns))
		hits := make(map[string]int, len(patterns))
		for _, p := range patterns {
			names = append(names, p.source)
			hits[p.source] = f.hits[p.re]
		}
		return names, hits
	}

	var s Stats
	s.IncludeHeaderPatterns, s.IncludeHeaderHits = sources(f.includeHeader)
	s.IncludeBodyPatterns, s.IncludeBodyHits = sources(f.includeBody)
	s.ExcludeHeaderPatterns, s.ExcludeHeaderHits = sources(f.excludeHeader)
	s.ExcludeBodyPatterns, s.ExcludeBodyHits = sources(f.excludeBody)
	return s
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string) ([]pattern, error) {
	compiled := make([]pattern, 0, len(patterns))
	for _, source := range patterns {
		source = strings.TrimSpace(source)
		if source == "" {
			continue
		}
		re, err := regexp.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", source, err)
		}
		compiled = append(compiled, pattern{source: source, re: re})
	}
	return compiled, nil
}

// matchAny tests every pattern so hit counts stay accurate.
func (f *Filter) matchAny(patterns []pattern, data []byte, text string) bool {
	matched := false
	for _, p := range patterns {
		var ok bool
		if data != nil {
			ok = p.re.Match(data)
		} else {
			ok = p.re.MatchString(text)
		}
		if ok {
			matched = true
			f.mu.Lock()
			f.hits[p.re]++
			f.mu.Unlock()
		}
	}
	return matched
}
