// Package content turns raw message bodies into plain text for display.
//
// A body may arrive as a full multipart MIME payload, a quoted-printable
// fragment, an HTML part, or text that is already clean. Decode runs a fixed
// sequence of stages over it:
//
//  1. MIME framing removal (boundary lines and header lines)
//  2. quoted-printable decoding
//  3. HTML flattening, named entities, mojibake repair, numeric entities
//  4. residual soft-break and tag cleanup
//  5. whitespace normalisation
//
// The result never contains tags, MIME headers, more than two consecutive
// newlines, or leading/trailing whitespace on any line. Preview bounds the
// decoded text for list views, and IsEncoded is a cheap check callers use to
// skip the pipeline for text that is already plain.
//
// A Normalizer holds no mutable state and is safe for concurrent use. It
// never returns an error: a stage that degrades reports a Warning through
// DecodeReport and the optional Observer, and the pipeline carries on with
// the best text available.
package content
