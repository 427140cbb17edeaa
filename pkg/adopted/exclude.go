package adopted

import "fmt"

// Exclude computes the exclusion transformation ET(a, b): the form a would
// have taken had b never been applied. It is the inverse of Transform in
// the TP2 sense — for any pair where IT preserves enough information,
// Exclude(Transform(a, b), b) returns a.
//
// IT is not injective everywhere: a delete can swallow an insert's
// position entirely, two overlapping deletes shrink each other, and a
// fully-covered range collapses to NoOp. On those images the original
// cannot be recovered from local information; Exclude returns its best
// positional reconstruction for the shift-only ambiguities and
// ErrIrreversible where no reconstruction exists at all.
func Exclude(a, b Operation, hint ConcurrencyHint) (Operation, error) {
	switch bb := b.(type) {
	case NoOp, Move:
		return a, nil
	case Split:
		// b applied First then Second; exclusion unwinds in reverse order.
		x, err := Exclude(a, bb.Second, hint)
		if err != nil {
			return nil, err
		}
		return Exclude(x, bb.First, hint)
	}

	switch aa := a.(type) {
	case NoOp:
		return NoOp{}, nil
	case Move:
		return excludeMove(aa, b), nil
	case Insert:
		return excludeInsert(aa, b, hint)
	case Delete:
		return excludeDeleteLike(aa.Pos, aa.Len, b)
	case ReversibleDelete:
		res, err := excludeDeleteLike(aa.Pos, aa.Payload.RuneLen(), b)
		if err != nil {
			return nil, err
		}
		if d, ok := res.(Delete); ok {
			return ReversibleDelete{Pos: d.Pos, Payload: aa.Payload}, nil
		}
		return res, nil
	case Split:
		return excludeSplit(aa, b, hint)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOperation, a)
	}
}

func excludeInsert(a Insert, b Operation, hint ConcurrencyHint) (Operation, error) {
	switch bb := b.(type) {
	case Insert:
		n2 := bb.Payload.RuneLen()
		switch {
		case a.Pos <= bb.Pos:
			// Includes the tie a won: IT left it in place, so ET does too.
			return a, nil
		case a.Pos >= bb.Pos+n2:
			return Insert{Pos: a.Pos - n2, Payload: a.Payload}, nil
		default:
			// IT never lands an insert strictly inside b's payload.
			return nil, fmt.Errorf("%w: insert at %d inside excluded insert [%d,%d)",
				ErrIrreversible, a.Pos, bb.Pos, bb.Pos+n2)
		}
	case Delete:
		return excludeInsertAgainstDelete(a, bb.Pos, bb.Len), nil
	case ReversibleDelete:
		return excludeInsertAgainstDelete(a, bb.Pos, bb.Payload.RuneLen()), nil
	default:
		return a, nil
	}
}

// excludeInsertAgainstDelete re-grows the excluded delete's range under the
// insert's position. An insert IT collapsed onto the delete's left edge is
// indistinguishable from one that was already there, so positions at the
// boundary stay put.
func excludeInsertAgainstDelete(a Insert, pos, length int) Operation {
	if a.Pos <= pos {
		return a
	}
	return Insert{Pos: a.Pos + length, Payload: a.Payload}
}

func excludeDeleteLike(pos, length int, b Operation) (Operation, error) {
	switch bb := b.(type) {
	case Insert:
		n2 := bb.Payload.RuneLen()
		switch {
		case pos+length <= bb.Pos:
			return Delete{Pos: pos, Len: length}, nil
		case pos >= bb.Pos+n2:
			return Delete{Pos: pos - n2, Len: length}, nil
		default:
			return nil, fmt.Errorf("%w: delete [%d,%d) straddles excluded insert at %d",
				ErrIrreversible, pos, pos+length, bb.Pos)
		}
	case Delete:
		return excludeDeleteAgainstDelete(pos, length, bb.Pos, bb.Len), nil
	case ReversibleDelete:
		return excludeDeleteAgainstDelete(pos, length, bb.Pos, bb.Payload.RuneLen()), nil
	default:
		return Delete{Pos: pos, Len: length}, nil
	}
}

func excludeDeleteAgainstDelete(pos, length, otherPos, otherLen int) Operation {
	if pos+length <= otherPos {
		return Delete{Pos: pos, Len: length}
	}
	if pos >= otherPos {
		return Delete{Pos: pos + otherLen, Len: length}
	}
	// A range IT shrank against an overlapping delete lost its overlap for
	// good; what survives is positionally correct as-is.
	return Delete{Pos: pos, Len: length}
}

func excludeMove(a Move, b Operation) Operation {
	switch bb := b.(type) {
	case Insert:
		n2 := bb.Payload.RuneLen()
		return Move{User: a.User, From: unshiftInsert(a.From, bb.Pos, n2), To: unshiftInsert(a.To, bb.Pos, n2)}
	case Delete:
		return Move{User: a.User, From: unshiftDelete(a.From, bb.Pos, bb.Len), To: unshiftDelete(a.To, bb.Pos, bb.Len)}
	case ReversibleDelete:
		n2 := bb.Payload.RuneLen()
		return Move{User: a.User, From: unshiftDelete(a.From, bb.Pos, n2), To: unshiftDelete(a.To, bb.Pos, n2)}
	default:
		return a
	}
}

func unshiftInsert(pos, insPos, insLen int) int {
	if pos >= insPos+insLen {
		return pos - insLen
	}
	return pos
}

func unshiftDelete(pos, delPos, delLen int) int {
	if pos >= delPos {
		return pos + delLen
	}
	return pos
}

// excludeSplit recombines the one Split shape IT manufactures — a delete
// bisected by a concurrent insert — back into the contiguous delete it
// came from. Any other Split reaching here was not produced by a single IT
// step against b, and there is no local way to unwind it.
func excludeSplit(a Split, b Operation, hint ConcurrencyHint) (Operation, error) {
	ins, ok := b.(Insert)
	if !ok {
		return nil, fmt.Errorf("%w: cannot exclude split against %T", ErrIrreversible, b)
	}
	n2 := ins.Payload.RuneLen()

	switch first := a.First.(type) {
	case Delete:
		second, ok := a.Second.(Delete)
		if !ok || first.Pos+first.Len != ins.Pos || second.Pos != first.Pos+n2 {
			break
		}
		return Delete{Pos: first.Pos, Len: first.Len + second.Len}, nil
	case ReversibleDelete:
		second, ok := a.Second.(ReversibleDelete)
		firstLen := first.Payload.RuneLen()
		if !ok || first.Pos+firstLen != ins.Pos || second.Pos != first.Pos+n2 {
			break
		}
		return ReversibleDelete{Pos: first.Pos, Payload: first.Payload.Concat(second.Payload)}, nil
	}
	return nil, fmt.Errorf("%w: split does not bracket excluded insert at %d", ErrIrreversible, ins.Pos)
}
