package content

// DefaultPreviewLength is the preview bound used by list views.
const DefaultPreviewLength = 200

// Ellipsis is appended to every truncated preview.
const Ellipsis = "..."

const (
	sentenceCutoff = 0.7
	wordCutoff     = 0.8
)

// PreviewText bounds already-decoded text to maxLength characters. Text that
// fits is returned unchanged. Longer text is cut after the last period in the
// window if that period sits in the final 30%, else at the last space if it
// sits in the final 20%, else at exactly maxLength, and gets Ellipsis
// appended. A negative maxLength counts as zero.
func PreviewText(decoded string, maxLength int) string {
	if maxLength < 0 {
		maxLength = 0
	}

	runes := []rune(decoded)
	if len(runes) <= maxLength {
		return decoded
	}

	window := runes[:maxLength]
	cut := len(window)
	lastPeriod := lastIndex(window, '.')
	lastSpace := lastIndex(window, ' ')

	switch {
	case lastPeriod >= 0 && float64(lastPeriod) >= sentenceCutoff*float64(maxLength):
		cut = lastPeriod + 1
	case lastSpace >= 0 && float64(lastSpace) >= wordCutoff*float64(maxLength):
		cut = lastSpace
	}

	return string(window[:cut]) + Ellipsis
}

func lastIndex(runes []rune, target rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == target {
			return i
		}
	}
	return -1
}
