package content

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	// --boundary and --boundary--. A token made only of dashes is a text
	// separator such as the "---" that <hr> turns into.
	boundaryLine = regexp.MustCompile(`(?m)^--+[^\s-]\S*[ \t]*\r?$`)

	mimeHeaderLine    = regexp.MustCompile(`(?mi)^(?:content-type|content-transfer-encoding|content-disposition|mime-version|message-id|date|from|to|subject):[^\r\n]*`)
	// Parameters continue a folded Content-Type header, so they may be indented.
	mimeParamLine     = regexp.MustCompile(`(?mi)^[ \t]*(?:boundary|charset)=[^\r\n]*`)
	xHeaderLine       = regexp.MustCompile(`(?m)^X-[^\r\n]*`)
	encodedHeaderLine = regexp.MustCompile(`(?mi)^(?:content-type:|content-transfer-encoding:|charset=)`)

	softLineBreak = regexp.MustCompile(`=\r?\n`)
	qpEscape      = regexp.MustCompile(`=[0-9A-Fa-f]{2}`)

	droppedElements = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<head\b[^>]*>.*?</head\s*>`),
		regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`),
		regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`),
		regexp.MustCompile(`(?s)<!--.*?-->`),
	}
	brTag         = regexp.MustCompile(`(?i)<br\b[^>]*>`)
	blockTag      = regexp.MustCompile(`(?i)</?(?:div|p|h[1-6]|li|tr)\b[^>]*>`)
	cellClose     = regexp.MustCompile(`(?i)</td\s*>`)
	hrTag         = regexp.MustCompile(`(?i)<hr\b[^>]*>`)
	anyTag        = regexp.MustCompile(`<[^>]+>`)
	numericEntity = regexp.MustCompile(`&#(?:[xX]0*([0-9A-Fa-f]{1,6})|0*([0-9]{1,7}));`)

	residualSoftBreak    = regexp.MustCompile(`(?m)^=\r?\n`)
	// Block tags can leave header-like text at a line start, possibly after
	// whitespace the last stage trims.
	residualHeaderLine   = regexp.MustCompile(`(?mi)^[\t\v\f \p{Z}\x{85}]*(?:content-type|content-transfer-encoding|content-disposition|mime-version|message-id|date|from|to|subject):[^\r\n]*`)
	residualParamLine    = regexp.MustCompile(`(?mi)^[\t\v\f \p{Z}\x{85}]*(?:boundary|charset)=[^\r\n]*`)
	residualXHeaderLine  = regexp.MustCompile(`(?m)^[\t\v\f \p{Z}\x{85}]*X-[^\r\n]*`)
	residualBoundaryLine = regexp.MustCompile(`(?m)^[\t\v\f \p{Z}\x{85}]*--+[^\s-]\S*[ \t]*\r?$`)

	lineEnding      = regexp.MustCompile(`\r\n?`)
	horizontalSpace = regexp.MustCompile(`[ \t]+`)
	blankRun        = regexp.MustCompile(`\n{3,}`)

	entities = newReplacer(NamedEntities)
)

type stageError struct {
	err    error
	detail string
}

func (e *stageError) Error() string {
	return e.err.Error() + ": " + e.detail
}

func (e *stageError) Unwrap() error {
	return e.err
}

func stripMIMEFraming(s string) (string, error) {
	s = boundaryLine.ReplaceAllString(s, "")
	s = mimeHeaderLine.ReplaceAllString(s, "")
	s = mimeParamLine.ReplaceAllString(s, "")
	s = xHeaderLine.ReplaceAllString(s, "")
	return s, nil
}

func decodeQuotedPrintableStage(s string) (string, error) {
	if !strings.Contains(s, "=") {
		return s, nil
	}
	looksEncoded := softLineBreak.MatchString(s) || qpEscape.MatchString(s)
	s = softLineBreak.ReplaceAllString(s, "")

	out, stray := decodeQuotedPrintable(s)
	if looksEncoded && stray > 0 {
		return out, &stageError{err: ErrMalformedEscape, detail: fmt.Sprintf("%d stray '=' kept", stray)}
	}
	return out, nil
}

// decodeQuotedPrintable replaces =XX escapes and counts "=" signs that do
// not start one. Consecutive escapes are decoded together as UTF-8; a byte
// that is not part of a valid sequence becomes the code point of the same
// value.
func decodeQuotedPrintable(s string) (string, int) {
	var (
		b     strings.Builder
		run   []byte
		stray int
	)
	b.Grow(len(s))

	flush := func() {
		for len(run) > 0 {
			r, size := utf8.DecodeRune(run)
			if r == utf8.RuneError && size <= 1 {
				b.WriteRune(rune(run[0]))
				run = run[1:]
				continue
			}
			b.Write(run[:size])
			run = run[size:]
		}
		run = run[:0]
	}

	for i := 0; i < len(s); {
		if s[i] == '=' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			run = append(run, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 3
			continue
		}
		flush()
		if s[i] == '=' {
			stray++
		}
		b.WriteByte(s[i])
		i++
	}
	flush()

	return b.String(), stray
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func (n *Normalizer) flattenHTML(s string) (string, error) {
	for _, re := range droppedElements {
		s = re.ReplaceAllString(s, "")
	}
	s = brTag.ReplaceAllString(s, "\n")
	s = blockTag.ReplaceAllString(s, "\n")
	s = cellClose.ReplaceAllString(s, "\t")
	s = hrTag.ReplaceAllString(s, "\n---\n")
	s = anyTag.ReplaceAllString(s, "")

	return n.decodeEntities(s), nil
}

// maxEntityPasses bounds how deeply escaped input such as "&amp;amp;lt;"
// is unwound.
const maxEntityPasses = 8

// decodeEntities applies named entities, mojibake repair and numeric
// entities until the text stops changing.
func (n *Normalizer) decodeEntities(s string) string {
	for i := 0; i < maxEntityPasses; i++ {
		next := entities.Replace(s)
		next = n.mojibake.Replace(next)
		next = numericEntity.ReplaceAllStringFunc(next, decodeNumericEntity)
		if next == s {
			break
		}
		s = next
	}
	return s
}

func decodeNumericEntity(entity string) string {
	m := numericEntity.FindStringSubmatch(entity)
	var (
		code int64
		err  error
	)
	if m[1] != "" {
		code, err = strconv.ParseInt(m[1], 16, 32)
	} else {
		code, err = strconv.ParseInt(m[2], 10, 32)
	}
	if err != nil || code == 0 || !utf8.ValidRune(rune(code)) {
		return string(utf8.RuneError)
	}
	return string(rune(code))
}

// cleanResidue removes soft breaks that only became line-initial after the
// HTML stage, tags that entity decoding produced, and header or boundary
// lines that flattening moved to a line start.
func cleanResidue(s string) (string, error) {
	s = residualSoftBreak.ReplaceAllString(s, "")
	s = anyTag.ReplaceAllString(s, "")
	s = residualBoundaryLine.ReplaceAllString(s, "")
	s = residualHeaderLine.ReplaceAllString(s, "")
	s = residualParamLine.ReplaceAllString(s, "")
	s = residualXHeaderLine.ReplaceAllString(s, "")
	return s, nil
}

func normalizeWhitespace(s string) (string, error) {
	s = lineEnding.ReplaceAllString(s, "\n")
	s = horizontalSpace.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")

	s = blankRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s), nil
}
