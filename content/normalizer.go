package content

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrMalformedEscape reports a quoted-printable "=" that is followed by
	// neither two hex digits nor a line break. The text is left as-is.
	ErrMalformedEscape = errors.New("malformed quoted-printable escape")
	// ErrStagePanic reports a stage that panicked; its input was kept.
	ErrStagePanic = errors.New("stage panicked")
)

// Stage names one step of the decode pipeline.
type Stage string

const (
	StageMIME            Stage = "mime"
	StageQuotedPrintable Stage = "quoted-printable"
	StageHTML            Stage = "html"
	StageResidual        Stage = "residual"
	StageWhitespace      Stage = "whitespace"
)

// Warning describes a stage that degraded without stopping the pipeline.
type Warning struct {
	Stage  Stage
	Err    error
	Detail string
}

func (w Warning) Error() string {
	if w.Detail == "" {
		return fmt.Sprintf("%s stage: %v", w.Stage, w.Err)
	}
	return fmt.Sprintf("%s stage: %v: %s", w.Stage, w.Err, w.Detail)
}

func (w Warning) Unwrap() error {
	return w.Err
}

// Report is the outcome of a single decode.
type Report struct {
	Text     string
	Warnings []Warning
}

// DegradedStages lists each stage that produced a warning once, in
// pipeline order. It is nil for a clean decode.
func (r Report) DegradedStages() []string {
	var stages []string
	seen := make(map[Stage]bool, len(r.Warnings))
	for _, w := range r.Warnings {
		if seen[w.Stage] {
			continue
		}
		seen[w.Stage] = true
		stages = append(stages, string(w.Stage))
	}
	return stages
}

// Degraded reports whether the given stage produced a warning.
func (r Report) Degraded(stage Stage) bool {
	for _, w := range r.Warnings {
		if w.Stage == stage {
			return true
		}
	}
	return false
}

// Observer receives every warning as it is produced.
type Observer func(Warning)

// SlogObserver logs warnings at warn level.
func SlogObserver(logger *slog.Logger) Observer {
	if logger == nil {
		return nil
	}
	return func(w Warning) {
		logger.Warn("content stage degraded", "stage", string(w.Stage), "err", w.Err, "detail", w.Detail)
	}
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithObserver installs a warning observer.
func WithObserver(o Observer) Option {
	return func(n *Normalizer) {
		n.observer = o
	}
}

// WithLooseMojibake enables the LooseMojibake fallback.
func WithLooseMojibake() Option {
	return func(n *Normalizer) {
		n.loose = true
	}
}

type stage struct {
	name Stage
	run  func(string) (string, error)
}

// Normalizer decodes raw message bodies. The zero value is not usable; call New.
type Normalizer struct {
	observer Observer
	loose    bool
	mojibake *strings.Replacer
	stages   []stage
}

// New returns a Normalizer configured by opts.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{}
	for _, opt := range opts {
		opt(n)
	}

	if n.loose {
		n.mojibake = newReplacer(MojibakeSequences, MojibakeLeftovers, LooseMojibake)
	} else {
		n.mojibake = newReplacer(MojibakeSequences, MojibakeLeftovers)
	}

	n.stages = []stage{
		{StageMIME, stripMIMEFraming},
		{StageQuotedPrintable, decodeQuotedPrintableStage},
		{StageHTML, n.flattenHTML},
		{StageResidual, cleanResidue},
		{StageWhitespace, normalizeWhitespace},
	}
	return n
}

// Decode returns raw as clean plain text.
func (n *Normalizer) Decode(raw string) string {
	return n.DecodeReport(raw).Text
}

// DecodeReport decodes raw and lists the stages that degraded.
func (n *Normalizer) DecodeReport(raw string) Report {
	if raw == "" {
		return Report{}
	}

	var report Report
	text := raw
	for _, st := range n.stages {
		out, w := n.runStage(st, text)
		if w != nil {
			report.Warnings = append(report.Warnings, *w)
			if n.observer != nil {
				n.observer(*w)
			}
		}
		text = out
	}
	report.Text = text
	return report
}

// runStage keeps the stage input when the stage panics.
func (n *Normalizer) runStage(st stage, in string) (out string, w *Warning) {
	defer func() {
		if p := recover(); p != nil {
			out = in
			w = &Warning{Stage: st.name, Err: ErrStagePanic, Detail: fmt.Sprint(p)}
		}
	}()

	var err error
	out, err = st.run(in)
	if err != nil {
		w = &Warning{Stage: st.name, Err: err}
		var detailed *stageError
		if errors.As(err, &detailed) {
			w.Err = detailed.err
			w.Detail = detailed.detail
		}
	}
	return out, w
}

// DecodeValue decodes strings and passes every other value through: nil
// stays nil, a *string is decoded into a new string, anything else is
// returned unchanged.
func (n *Normalizer) DecodeValue(v any) any {
	switch s := v.(type) {
	case string:
		return n.Decode(s)
	case *string:
		if s == nil {
			return s
		}
		decoded := n.Decode(*s)
		return &decoded
	default:
		return v
	}
}

// IsEncoded reports whether raw shows MIME, quoted-printable or HTML markers.
// It is advisory; plain text containing "=4B" is a false positive.
func (n *Normalizer) IsEncoded(raw string) bool {
	if raw == "" {
		return false
	}
	return encodedHeaderLine.MatchString(raw) ||
		qpEscape.MatchString(raw) ||
		anyTag.MatchString(raw) ||
		boundaryLine.MatchString(raw)
}

// IsEncodedValue is IsEncoded for untyped values; non-strings are never encoded.
func (n *Normalizer) IsEncodedValue(v any) bool {
	switch s := v.(type) {
	case string:
		return n.IsEncoded(s)
	case *string:
		return s != nil && n.IsEncoded(*s)
	default:
		return false
	}
}

// Preview decodes raw and bounds it to maxLength characters.
func (n *Normalizer) Preview(raw string, maxLength int) string {
	return PreviewText(n.Decode(raw), maxLength)
}

var std = New()

// Decode decodes raw with a default Normalizer.
func Decode(raw string) string {
	return std.Decode(raw)
}

// IsEncoded reports whether raw looks like it needs decoding.
func IsEncoded(raw string) bool {
	return std.IsEncoded(raw)
}

// Preview decodes raw with a default Normalizer and bounds it.
func Preview(raw string, maxLength int) string {
	return std.Preview(raw, maxLength)
}
