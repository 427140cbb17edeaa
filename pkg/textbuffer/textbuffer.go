// Package textbuffer provides a concrete, in-memory implementation of
// adopted.Buffer: a plain rune slice, generalized from libinfinity's
// InfTextDefaultBuffer (the reference byte/author-chunked buffer used
// when no fancier storage backend is plugged in).
package textbuffer

import (
	"fmt"

	"infinote/pkg/adopted"
)

// Buffer is a single-writer, rune-indexed document. It is not safe for
// concurrent use on its own; the adopted.Algorithm that owns a Buffer
// serializes access to it under its own lock.
type Buffer struct {
	runes []rune
}

// New returns a Buffer seeded with initial. The buffer keeps plain runes
// only: the Author of inserted payloads is not stored, and Extract returns
// segments with a zero Author.
func New(initial string) *Buffer {
	return &Buffer{runes: []rune(initial)}
}

// String returns the buffer's current contents.
func (b *Buffer) String() string {
	return string(b.runes)
}

// Length implements adopted.Buffer.
func (b *Buffer) Length() int {
	return len(b.runes)
}

// ApplyInsert implements adopted.Buffer.
func (b *Buffer) ApplyInsert(pos int, payload adopted.Segment) error {
	if pos < 0 || pos > len(b.runes) {
		return fmt.Errorf("%w: insert at %d, length %d", adopted.ErrOutOfRange, pos, len(b.runes))
	}
	ins := []rune(payload.Text)
	out := make([]rune, 0, len(b.runes)+len(ins))
	out = append(out, b.runes[:pos]...)
	out = append(out, ins...)
	out = append(out, b.runes[pos:]...)
	b.runes = out
	return nil
}

// ApplyDelete implements adopted.Buffer.
func (b *Buffer) ApplyDelete(pos, length int) (adopted.Segment, error) {
	removed, err := b.Extract(pos, length)
	if err != nil {
		return adopted.Segment{}, err
	}
	out := make([]rune, 0, len(b.runes)-length)
	out = append(out, b.runes[:pos]...)
	out = append(out, b.runes[pos+length:]...)
	b.runes = out
	return removed, nil
}

// Extract implements adopted.Buffer.
func (b *Buffer) Extract(pos, length int) (adopted.Segment, error) {
	if pos < 0 || length < 0 || pos+length > len(b.runes) {
		return adopted.Segment{}, fmt.Errorf("%w: extract [%d,%d) length %d", adopted.ErrOutOfRange, pos, pos+length, len(b.runes))
	}
	return adopted.Segment{Text: string(b.runes[pos : pos+length])}, nil
}

// Clone implements adopted.Buffer.
func (b *Buffer) Clone() adopted.Buffer {
	cp := make([]rune, len(b.runes))
	copy(cp, b.runes)
	return &Buffer{runes: cp}
}

var _ adopted.Buffer = (*Buffer)(nil)
