package content

import "strings"

// Replacement is a literal substitution applied by the HTML stage.
type Replacement struct {
	Old string
	New string
}

// NamedEntities are decoded left to right. The HTML stage repeats the pass
// until nothing changes, so "&amp;lt;" ends up as "<".
var NamedEntities = []Replacement{
	{"&nbsp;", " "},
	{"&lt;", "<"},
	{"&gt;", ">"},
	{"&quot;", `"`},
	{"&apos;", "'"},
	{"&#39;", "'"},
	{"&#x27;", "'"},
	{"&lsquo;", "‘"},
	{"&rsquo;", "’"},
	{"&ldquo;", "“"},
	{"&rdquo;", "”"},
	{"&ndash;", "–"},
	{"&mdash;", "—"},
	{"&hellip;", "…"},
	{"&amp;", "&"},
}

// MojibakeSequences map UTF-8 punctuation that was read back as
// Windows-1252 or Latin-1 to the character it was meant to be.
// A sequence must come before any of its prefixes.
var MojibakeSequences = []Replacement{
	// Windows-1252 readings of E2 80 xx.
	{"\u00e2\u20ac\u2122", "\u2019"},
	{"\u00e2\u20ac\u02dc", "\u2018"},
	{"\u00e2\u20ac\u0153", "\u201c"},
	{"\u00e2\u20ac\u009d", "\u201d"},
	{"\u00e2\u20ac\u201c", "\u2013"},
	{"\u00e2\u20ac\u201d", "\u2014"},
	{"\u00e2\u20ac\u00a6", "\u2026"},
	{"\u00e2\u20ac\u00a2", "\u2022"},
	// Latin-1 readings of the same bytes.
	{"\u00e2\u0080\u0099", "\u2019"},
	{"\u00e2\u0080\u0098", "\u2018"},
	{"\u00e2\u0080\u009c", "\u201c"},
	{"\u00e2\u0080\u009d", "\u201d"},
	{"\u00e2\u0080\u0093", "\u2013"},
	{"\u00e2\u0080\u0094", "\u2014"},
	{"\u00e2\u0080\u00a6", "\u2026"},
	{"\u00e2\u0080\u00a2", "\u2022"},
	// C2 A0, a non-breaking space.
	{"\u00c2\u00a0", " "},
}

// MojibakeLeftovers are truncated sequences with no recoverable meaning.
var MojibakeLeftovers = []Replacement{
	{"\u00e2\u20ac", ""},
	{"\u00e2\u0080", ""},
}

// LooseMojibake drops a bare "â". It also deletes the letter from correctly
// encoded words such as "gâteau", so it only applies with WithLooseMojibake.
var LooseMojibake = []Replacement{
	{"\u00e2", ""},
}

func newReplacer(tables ...[]Replacement) *strings.Replacer {
	var pairs []string
	for _, table := range tables {
		for _, r := range table {
			pairs = append(pairs, r.Old, r.New)
		}
	}
	return strings.NewReplacer(pairs...)
}
