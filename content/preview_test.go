package content

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestPreviewText(t *testing.T) {
	sentence := strings.Repeat("a", 149) + "." + strings.Repeat("b", 100)
	word := strings.Repeat("a", 170) + " " + strings.Repeat("b", 100)
	earlyPeriod := strings.Repeat("a", 50) + "." + strings.Repeat("b", 300)

	tests := []struct {
		name      string
		text      string
		maxLength int
		want      string
	}{
		{"fits", "Short note.", 200, "Short note."},
		{"exact length", strings.Repeat("x", 200), 200, strings.Repeat("x", 200)},
		{"no boundary", strings.Repeat("A", 300), 200, strings.Repeat("A", 200) + "..."},
		{"sentence end", sentence, 200, sentence[:150] + "..."},
		{"word boundary", word, 200, word[:170] + "..."},
		{"period too early", earlyPeriod, 200, earlyPeriod[:200] + "..."},
		{"zero length", "abc", 0, "..."},
		{"negative length", "abc", -5, "..."},
		{"counts characters", strings.Repeat("é", 300), 200, strings.Repeat("é", 200) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PreviewText(tt.text, tt.maxLength))
		})
	}
}

func TestPreviewText_SentencePreferredOverWord(t *testing.T) {
	text := strings.Repeat("a", 150) + ". " + strings.Repeat("b", 20) + " " + strings.Repeat("c", 100)
	assert.Equal(t, text[:151]+"...", PreviewText(text, 200))
}

func TestPreviewText_LengthBound(t *testing.T) {
	texts := []string{
		strings.Repeat("word ", 100),
		strings.Repeat("Sentence one. ", 40),
		strings.Repeat("x", 500),
		"tiny",
	}
	for _, text := range texts {
		for n := 0; n <= 250; n += 7 {
			got := PreviewText(text, n)
			assert.LessOrEqual(t, utf8.RuneCountInString(got), n+len(Ellipsis))
		}
	}
}

func TestPreview_DecodesFirst(t *testing.T) {
	raw := "<p>" + strings.Repeat("z", 30) + "</p>"

	assert.Equal(t, strings.Repeat("z", 10)+"...", Preview(raw, 10))
	assert.Equal(t, strings.Repeat("z", 30), Preview(raw, DefaultPreviewLength))
}
