package adopted

import "unicode/utf8"

// Segment is the opaque payload carried by Insert and ReversibleDelete
// operations: a contiguous run of text attributed to the user who typed it.
// This mirrors InfTextChunk's per-segment author attribution (see
// libinftext/inf-text-chunk.h in the original source), simplified to a
// single author per operation payload since every Insert is authored by
// exactly one user at the moment it is generated.
type Segment struct {
	Author uint64
	Text   string
}

// RuneLen returns the payload's length in Unicode codepoints, the unit
// positions are measured in throughout this package (matching the
// "Unicode codepoint offsets" convention the transport layer uses for
// cursors).
func (s Segment) RuneLen() int {
	return utf8.RuneCountInString(s.Text)
}

// Slice returns the sub-segment covering codepoints [start, end), keeping
// the same author attribution.
func (s Segment) Slice(start, end int) Segment {
	runes := []rune(s.Text)
	if start < 0 {
		start = 0
	}
	if end > len(runes) {
		end = len(runes)
	}
	if start >= end {
		return Segment{Author: s.Author, Text: ""}
	}
	return Segment{Author: s.Author, Text: string(runes[start:end])}
}

// Concat appends other's text after s's, keeping s's author. Used when two
// adjacent deletes recombine into a single reversible payload.
func (s Segment) Concat(other Segment) Segment {
	return Segment{Author: s.Author, Text: s.Text + other.Text}
}

// Buffer is the abstract document the Algorithm applies operations to
// (C8). Positions and lengths are in codepoints. Implementations need not
// be safe for concurrent use: the Algorithm that owns a Buffer is the only
// writer.
type Buffer interface {
	// ApplyInsert inserts payload at pos, or returns ErrOutOfRange.
	ApplyInsert(pos int, payload Segment) error
	// ApplyDelete removes length codepoints starting at pos and returns the
	// removed content, or ErrOutOfRange.
	ApplyDelete(pos, length int) (Segment, error)
	// Length returns the buffer's current length in codepoints.
	Length() int
	// Extract returns the content in [pos, pos+length) without modifying
	// the buffer, used to make a Delete reversible before it is applied.
	Extract(pos, length int) (Segment, error)
	// Clone returns an independent copy, used by Split.MakeReversible to
	// compute Second's extraction against the state First would leave
	// behind without mutating the real buffer.
	Clone() Buffer
}
