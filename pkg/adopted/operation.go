// Package adopted implements the adoPTed-style Operational Transformation
// engine: state vectors, the operation algebra (IT/ET), request logs, the
// site-wide OT controller, undo grouping and deterministic session
// recording. It is the collaborative-editing core; transport, persistence
// and UI are external collaborators that consume the ports defined here
// (see Buffer, and the Algorithm methods that play the role of the
// session port).
package adopted

import (
	"fmt"
)

// Operation is the closed sum type of edit primitives: every edit
// primitive the engine understands implements this interface. Kind-specific
// behavior is expressed as exhaustive case analysis in Transform rather
// than via further interface dispatch, following the design note that a
// tagged variant is preferable to a runtime polymorphism hierarchy.
type Operation interface {
	// Apply performs the operation's effect on buf.
	Apply(buf Buffer) error
	// Length reports the affected span, in codepoints, used for undo
	// grouping thresholds and diagnostics.
	Length() int
	// NeedsConcurrencyID reports whether transforming this operation
	// against other requires a concurrency id to break a positional tie.
	NeedsConcurrencyID(other Operation) bool
	// Transform computes the inclusion transformation IT(op, other): the
	// form of op that accounts for other having already been applied.
	Transform(other Operation, hint ConcurrencyHint) (Operation, error)
	// Invert returns the operation that undoes this one. A plain Delete
	// carries no content and returns ErrIrreversible, as does a Split with
	// a plain Delete part; every other variant can be inverted.
	Invert() (Operation, error)
	// MakeReversible returns an equivalent operation that carries enough
	// information (the deleted content) to be inverted later. Insert, Move,
	// NoOp and Split already-reversible operations return themselves;
	// Delete extracts its payload from buf (the buffer state immediately
	// before the delete is applied) and returns a ReversibleDelete.
	MakeReversible(buf Buffer) (Operation, error)
}

// ConcurrencyHint carries the two operations' owning user ids so Transform
// can deterministically break a positional tie between two concurrent
// inserts. Self is the owner of the
// operation being transformed (the "a" in IT(a,b)); Other is the owner of
// the operation it is being transformed against (the "b"). The total order
// is purely numeric: the lower user id wins the left position.
type ConcurrencyHint struct {
	Self  uint64
	Other uint64
}

// AWinsLeft reports whether Self's operation should remain to the left of
// a concurrent insert by Other landing at the same position.
func (h ConcurrencyHint) AWinsLeft() bool {
	return h.Self < h.Other
}

func (h ConcurrencyHint) valid() bool { return h.Self != h.Other }

func (h ConcurrencyHint) reversed() ConcurrencyHint {
	return ConcurrencyHint{Self: h.Other, Other: h.Self}
}

// Insert inserts payload at pos.
type Insert struct {
	Pos     int
	Payload Segment
}

// Delete removes len codepoints at pos without retaining content; it
// cannot be inverted. Use ReversibleDelete, produced by
// MakeReversible, when invertibility is needed.
type Delete struct {
	Pos int
	Len int
}

// ReversibleDelete removes Payload.RuneLen() codepoints at Pos, retaining
// the removed content so the deletion can be inverted.
type ReversibleDelete struct {
	Pos     int
	Payload Segment
}

// Move changes a user's caret/selection; it never mutates buffer content.
type Move struct {
	User uint64
	From int
	To   int
}

// NoOp is the identity element of the algebra.
type NoOp struct{}

// Split is an ordered pair of operations applied as one unit: First is
// applied to the buffer, then Second is applied to the result. Split is
// necessary because IT is not closed over the atomic operations — a
// concurrent insert can bisect a delete.
type Split struct {
	First  Operation
	Second Operation
}

// ---- Apply ----

func (op Insert) Apply(buf Buffer) error {
	return buf.ApplyInsert(op.Pos, op.Payload)
}

func (op Delete) Apply(buf Buffer) error {
	_, err := buf.ApplyDelete(op.Pos, op.Len)
	return err
}

func (op ReversibleDelete) Apply(buf Buffer) error {
	_, err := buf.ApplyDelete(op.Pos, op.Payload.RuneLen())
	return err
}

func (op Move) Apply(buf Buffer) error {
	return nil
}

func (op NoOp) Apply(buf Buffer) error {
	return nil
}

func (op Split) Apply(buf Buffer) error {
	if err := op.First.Apply(buf); err != nil {
		return err
	}
	return op.Second.Apply(buf)
}

// ---- Length ----

func (op Insert) Length() int           { return op.Payload.RuneLen() }
func (op Delete) Length() int           { return op.Len }
func (op ReversibleDelete) Length() int { return op.Payload.RuneLen() }
func (op Move) Length() int             { return 0 }
func (op NoOp) Length() int             { return 0 }
func (op Split) Length() int            { return op.First.Length() + op.Second.Length() }

// ---- NeedsConcurrencyID ----

func (op Insert) NeedsConcurrencyID(other Operation) bool {
	if o, ok := other.(Insert); ok {
		return op.Pos == o.Pos
	}
	return false
}

func (op Delete) NeedsConcurrencyID(other Operation) bool           { return false }
func (op ReversibleDelete) NeedsConcurrencyID(other Operation) bool { return false }
func (op Move) NeedsConcurrencyID(other Operation) bool             { return false }
func (op NoOp) NeedsConcurrencyID(other Operation) bool             { return false }

func (op Split) NeedsConcurrencyID(other Operation) bool {
	return op.First.NeedsConcurrencyID(other) || op.Second.NeedsConcurrencyID(other)
}

// ---- Invert ----

func (op Insert) Invert() (Operation, error) {
	return ReversibleDelete{Pos: op.Pos, Payload: op.Payload}, nil
}

func (op Delete) Invert() (Operation, error) {
	return nil, fmt.Errorf("%w: plain Delete carries no content, call MakeReversible first", ErrIrreversible)
}

func (op ReversibleDelete) Invert() (Operation, error) {
	return Insert{Pos: op.Pos, Payload: op.Payload}, nil
}

func (op Move) Invert() (Operation, error) {
	return Move{User: op.User, From: op.To, To: op.From}, nil
}

func (op NoOp) Invert() (Operation, error) {
	return NoOp{}, nil
}

func (op Split) Invert() (Operation, error) {
	// Sequential composition inverts in reverse order: if apply(Split) is
	// apply(First) then apply(Second), the undo is invert(Second) applied
	// to the post-First-apply state, then invert(First).
	secondInv, err := op.Second.Invert()
	if err != nil {
		return nil, err
	}
	firstInv, err := op.First.Invert()
	if err != nil {
		return nil, err
	}
	return Split{First: secondInv, Second: firstInv}, nil
}

// ---- MakeReversible ----

func (op Insert) MakeReversible(buf Buffer) (Operation, error) { return op, nil }

func (op Delete) MakeReversible(buf Buffer) (Operation, error) {
	payload, err := buf.Extract(op.Pos, op.Len)
	if err != nil {
		return nil, err
	}
	return ReversibleDelete{Pos: op.Pos, Payload: payload}, nil
}

func (op ReversibleDelete) MakeReversible(buf Buffer) (Operation, error) { return op, nil }
func (op Move) MakeReversible(buf Buffer) (Operation, error)             { return op, nil }
func (op NoOp) MakeReversible(buf Buffer) (Operation, error)             { return op, nil }

func (op Split) MakeReversible(buf Buffer) (Operation, error) {
	first, err := op.First.MakeReversible(buf)
	if err != nil {
		return nil, err
	}

	// Second's position is expressed relative to the buffer state after
	// First has been applied (Split applies First then Second in
	// sequence), so Second must extract against a scratch copy with
	// First already applied rather than against buf directly.
	scratch := buf.Clone()
	if err := first.Apply(scratch); err != nil {
		return nil, err
	}
	second, err := op.Second.MakeReversible(scratch)
	if err != nil {
		return nil, err
	}
	return Split{First: first, Second: second}, nil
}

// simplifySplit drops NoOp members so Split never wraps an identity part
// unnecessarily; callers route every constructed Split through this.
func simplifySplit(first, second Operation) Operation {
	_, firstNoop := first.(NoOp)
	_, secondNoop := second.(NoOp)
	switch {
	case firstNoop && secondNoop:
		return NoOp{}
	case firstNoop:
		return second
	case secondNoop:
		return first
	default:
		return Split{First: first, Second: second}
	}
}

// ---- Transform (the inclusion transformation IT) ----

// Transform is a free-function form of IT: it dispatches to the
// Operation.Transform method of a, so `Transform(a, b, hint)` and
// `a.Transform(b, hint)` are equivalent.
func Transform(a, b Operation, hint ConcurrencyHint) (Operation, error) {
	return a.Transform(b, hint)
}

func (op Insert) Transform(other Operation, hint ConcurrencyHint) (Operation, error) {
	switch b := other.(type) {
	case NoOp:
		return op, nil
	case Insert:
		switch {
		case op.Pos < b.Pos:
			return op, nil
		case op.Pos > b.Pos:
			return Insert{Pos: op.Pos + b.Payload.RuneLen(), Payload: op.Payload}, nil
		default:
			if !hint.valid() {
				return nil, ErrConcurrencyAmbiguous
			}
			if hint.AWinsLeft() {
				return op, nil
			}
			return Insert{Pos: op.Pos + b.Payload.RuneLen(), Payload: op.Payload}, nil
		}
	case Delete:
		return op.transformAgainstDeleteLike(b.Pos, b.Len)
	case ReversibleDelete:
		return op.transformAgainstDeleteLike(b.Pos, b.Payload.RuneLen())
	case Move:
		return op, nil
	case Split:
		return transformAgainstSplit(op, b, hint)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOperation, other)
	}
}

func (op Insert) transformAgainstDeleteLike(pos, length int) (Operation, error) {
	switch {
	case op.Pos <= pos:
		return op, nil
	case op.Pos >= pos+length:
		return Insert{Pos: op.Pos - length, Payload: op.Payload}, nil
	default:
		return Insert{Pos: pos, Payload: op.Payload}, nil
	}
}

func (op Delete) Transform(other Operation, hint ConcurrencyHint) (Operation, error) {
	res, err := transformDeleteLike(op.Pos, op.Len, other, hint)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (op ReversibleDelete) Transform(other Operation, hint ConcurrencyHint) (Operation, error) {
	length := op.Payload.RuneLen()
	switch b := other.(type) {
	case Delete:
		return deleteDeleteReversible(op.Pos, op.Payload, b.Pos, b.Len)
	case ReversibleDelete:
		return deleteDeleteReversible(op.Pos, op.Payload, b.Pos, b.Payload.RuneLen())
	case Split:
		// A Split can hold deletes that shrink the range, so each member is
		// taken in turn through the cases above rather than rewrapped.
		return transformAgainstSplit(op, b, hint)
	default:
		res, err := transformDeleteLike(op.Pos, length, other, hint)
		if err != nil {
			return nil, err
		}
		return rewrapDeleteLike(res, op.Payload)
	}
}

// deleteDeleteReversible mirrors deleteDelete's case structure but for a
// ReversibleDelete, where the surviving range must be sliced out of the
// original payload precisely (unlike the Insert-bisection case, an
// overlapping delete can shrink the range from either end, so the generic
// front/back split rewrapDeleteLike performs is not enough here).
func deleteDeleteReversible(pos int, payload Segment, otherPos, otherLen int) (Operation, error) {
	length := payload.RuneLen()
	s1, e1 := pos, pos+length
	s2, e2 := otherPos, otherPos+otherLen

	switch {
	case e1 <= s2:
		return ReversibleDelete{Pos: s1, Payload: payload}, nil
	case s1 >= e2:
		return ReversibleDelete{Pos: s1 - otherLen, Payload: payload}, nil
	case s1 >= s2 && e1 <= e2:
		return NoOp{}, nil
	case s1 < s2 && e1 > e2:
		frontLen := s2 - s1
		backLen := e1 - e2
		front := ReversibleDelete{Pos: s1, Payload: payload.Slice(0, frontLen)}
		back := ReversibleDelete{Pos: s1, Payload: payload.Slice(length-backLen, length)}
		return simplifySplit(front, back), nil
	case s1 < s2:
		// tail overlap: b removed a's trailing [s2,e1); keep the front.
		return ReversibleDelete{Pos: s1, Payload: payload.Slice(0, s2-s1)}, nil
	default:
		// head overlap: b removed a's leading [s1,e2); keep the back.
		return ReversibleDelete{Pos: s2, Payload: payload.Slice(e2-s1, length)}, nil
	}
}

// rewrapDeleteLike re-attaches the original reversible payload to the
// position/length result of transformDeleteLike. It is only used for the
// Insert/Move/NoOp cases, which bisect or shift a delete's range but never
// shrink it, so payload lengths always match; deletes transformed against
// a concurrent delete (directly or inside a Split) go through
// deleteDeleteReversible instead, which slices precisely.
func rewrapDeleteLike(res Operation, payload Segment) (Operation, error) {
	switch r := res.(type) {
	case NoOp:
		return NoOp{}, nil
	case Delete:
		return ReversibleDelete{Pos: r.Pos, Payload: payload}, nil
	case Split:
		firstLen := r.First.Length()
		firstPayload := payload.Slice(0, firstLen)
		secondPayload := payload.Slice(firstLen, payload.RuneLen())
		first, err := rewrapDeleteLike(r.First, firstPayload)
		if err != nil {
			return nil, err
		}
		second, err := rewrapDeleteLike(r.Second, secondPayload)
		if err != nil {
			return nil, err
		}
		return simplifySplit(first, second), nil
	default:
		return res, nil
	}
}

func transformDeleteLike(pos, length int, other Operation, hint ConcurrencyHint) (Operation, error) {
	switch b := other.(type) {
	case NoOp:
		return Delete{Pos: pos, Len: length}, nil
	case Insert:
		switch {
		case pos+length <= b.Pos:
			return Delete{Pos: pos, Len: length}, nil
		case pos >= b.Pos:
			return Delete{Pos: pos + b.Payload.RuneLen(), Len: length}, nil
		default:
			// Split applies First then Second in sequence, so
			// Second's position must already account for First having
			// shifted the buffer: the insert's b.Pos lands firstLen
			// codepoints further along than pos, but once First removes
			// those firstLen codepoints that offset collapses back to pos.
			firstLen := b.Pos - pos
			first := Delete{Pos: pos, Len: firstLen}
			second := Delete{Pos: pos + b.Payload.RuneLen(), Len: length - firstLen}
			return simplifySplit(first, second), nil
		}
	case Delete:
		return deleteDelete(pos, length, b.Pos, b.Len)
	case ReversibleDelete:
		return deleteDelete(pos, length, b.Pos, b.Payload.RuneLen())
	case Move:
		return Delete{Pos: pos, Len: length}, nil
	case Split:
		self := Delete{Pos: pos, Len: length}
		return transformAgainstSplit(self, b, hint)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOperation, other)
	}
}

// deleteDelete is the classical four-case text-OT split for two concurrent
// deletes: disjoint ranges shift or pass through unchanged; overlapping
// ranges shrink to whatever part of [pos,pos+length) the other delete did
// not already remove.
func deleteDelete(pos, length, otherPos, otherLen int) (Operation, error) {
	s1, e1 := pos, pos+length
	s2, e2 := otherPos, otherPos+otherLen

	switch {
	case e1 <= s2:
		return Delete{Pos: s1, Len: length}, nil
	case s1 >= e2:
		return Delete{Pos: s1 - otherLen, Len: length}, nil
	case s1 >= s2 && e1 <= e2:
		// a's whole range was already removed by b.
		return NoOp{}, nil
	case s1 < s2 && e1 > e2:
		// b's range sits strictly inside a's: a still deletes the prefix
		// and, after b's removal shifts things left, the suffix too.
		first := Delete{Pos: s1, Len: s2 - s1}
		second := Delete{Pos: s1, Len: e1 - e2}
		return simplifySplit(first, second), nil
	case s1 < s2:
		// overlap at the tail of a's range
		return Delete{Pos: s1, Len: s2 - s1}, nil
	default:
		// overlap at the head of a's range (s1 >= s2, e1 > e2)
		return Delete{Pos: s2, Len: e1 - e2}, nil
	}
}

func (op Move) Transform(other Operation, hint ConcurrencyHint) (Operation, error) {
	switch b := other.(type) {
	case Insert:
		return Move{User: op.User, From: shiftInsert(op.From, b), To: shiftInsert(op.To, b)}, nil
	case Delete:
		return Move{User: op.User, From: shiftDelete(op.From, b.Pos, b.Len), To: shiftDelete(op.To, b.Pos, b.Len)}, nil
	case ReversibleDelete:
		return Move{User: op.User, From: shiftDelete(op.From, b.Pos, b.Payload.RuneLen()), To: shiftDelete(op.To, b.Pos, b.Payload.RuneLen())}, nil
	case Split:
		t, err := op.Transform(b.First, hint)
		if err != nil {
			return nil, err
		}
		return t.Transform(b.Second, hint)
	default:
		return op, nil
	}
}

func shiftInsert(pos int, ins Insert) int {
	if pos < ins.Pos {
		return pos
	}
	return pos + ins.Payload.RuneLen()
}

func shiftDelete(pos, delPos, delLen int) int {
	switch {
	case pos <= delPos:
		return pos
	case pos >= delPos+delLen:
		return pos - delLen
	default:
		return delPos
	}
}

func (op NoOp) Transform(other Operation, hint ConcurrencyHint) (Operation, error) {
	return NoOp{}, nil
}

func (op Split) Transform(other Operation, hint ConcurrencyHint) (Operation, error) {
	return transformAgainstOperation(op, other, hint)
}

// transformAgainstOperation transforms an already-computed result (which
// may itself be a Split, from a prior transform step) against a single
// further operation, recursing into Split members as needed.
func transformAgainstOperation(res Operation, other Operation, hint ConcurrencyHint) (Operation, error) {
	switch r := res.(type) {
	case Split:
		first, err := transformAgainstOperation(r.First, other, hint)
		if err != nil {
			return nil, err
		}
		// other must itself be advanced past First before transforming
		// Second against it, since First will already have been applied
		// to the buffer by the time Second runs.
		advancedOther, err := other.Transform(r.First, hint.reversed())
		if err != nil {
			return nil, err
		}
		second, err := transformAgainstOperation(r.Second, advancedOther, hint)
		if err != nil {
			return nil, err
		}
		return simplifySplit(first, second), nil
	default:
		return res.Transform(other, hint)
	}
}

// transformAgainstSplit transforms op against a Split{First, Second} by
// sequencing: first account for First, then advance op past First's effect
// before accounting for Second (matching the fact that First is applied to
// the buffer before Second is).
func transformAgainstSplit(op Operation, split Split, hint ConcurrencyHint) (Operation, error) {
	afterFirst, err := op.Transform(split.First, hint)
	if err != nil {
		return nil, err
	}
	return transformAgainstOperation(afterFirst, split.Second, hint)
}
