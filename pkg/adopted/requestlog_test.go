package adopted

import (
	"errors"
	"testing"
)

func doReq(user uint64, index uint64, op Operation) Request {
	v := NewStateVector()
	v.Set(user, index)
	return Request{UserID: user, Vector: v, Operation: op, Kind: Do}
}

func TestRequestLogAppendAndAt(t *testing.T) {
	log := NewRequestLog()
	for i := 0; i < 3; i++ {
		idx := log.Append(doReq(1, uint64(i), NoOp{}))
		if idx != i {
			t.Fatalf("Append returned %d, want %d", idx, i)
		}
	}
	if log.Begin() != 0 || log.End() != 3 || log.Len() != 3 {
		t.Fatalf("Begin/End/Len = %d/%d/%d, want 0/3/3", log.Begin(), log.End(), log.Len())
	}

	req, err := log.At(1)
	if err != nil {
		t.Fatalf("At(1): %v", err)
	}
	if req.Vector.Get(1) != 1 {
		t.Fatalf("entry 1 vector component = %d, want 1", req.Vector.Get(1))
	}

	if _, err := log.At(3); !errors.Is(err, ErrLogGap) {
		t.Fatalf("At(3): got %v, want ErrLogGap", err)
	}
}

func TestRequestLogAdvanceDropsEntriesAndMemo(t *testing.T) {
	log := NewRequestLog()
	for i := 0; i < 5; i++ {
		log.Append(doReq(1, uint64(i), NoOp{}))
	}
	target := NewStateVector()
	target.Set(1, 5)
	log.memoPut(0, target, NoOp{})
	log.memoPut(4, target, NoOp{})

	log.Advance(3)
	if log.Begin() != 3 || log.Len() != 2 {
		t.Fatalf("after Advance(3): Begin=%d Len=%d, want 3/2", log.Begin(), log.Len())
	}
	if _, err := log.At(2); !errors.Is(err, ErrLogGap) {
		t.Fatalf("At(2) after advance: got %v, want ErrLogGap", err)
	}
	if _, ok := log.memoGet(0, target); ok {
		t.Fatal("memo entry below the new Begin should have been invalidated")
	}
	if _, ok := log.memoGet(4, target); !ok {
		t.Fatal("memo entry above the new Begin should have survived")
	}

	// Clamps rather than erroring on a stale or overshooting horizon.
	log.Advance(1)
	if log.Begin() != 3 {
		t.Fatalf("Advance must never move Begin backward, got %d", log.Begin())
	}
	log.Advance(99)
	if log.Begin() != 5 || log.Len() != 0 {
		t.Fatalf("overshooting Advance should clamp to End, got Begin=%d Len=%d", log.Begin(), log.Len())
	}
}

func TestRequestLogChainHeadFollowsUndoRedo(t *testing.T) {
	log := NewRequestLog()
	log.Append(doReq(1, 0, Insert{Pos: 0, Payload: Segment{Author: 1, Text: "a"}}))
	log.Append(doReq(1, 1, Insert{Pos: 1, Payload: Segment{Author: 1, Text: "b"}}))

	undo := doReq(1, 2, ReversibleDelete{Pos: 0, Payload: Segment{Author: 1, Text: "a"}})
	undo.Kind = Undo
	undo.TargetIndex = 0
	log.Append(undo)

	redo := doReq(1, 3, Insert{Pos: 0, Payload: Segment{Author: 1, Text: "a"}})
	redo.Kind = Redo
	redo.TargetIndex = 0
	log.Append(redo)

	head, headIndex, err := log.ChainHead(0)
	if err != nil {
		t.Fatalf("ChainHead(0): %v", err)
	}
	if headIndex != 3 || head.Kind != Redo {
		t.Fatalf("ChainHead(0) = index %d kind %v, want 3 Redo", headIndex, head.Kind)
	}

	head, headIndex, err = log.ChainHead(1)
	if err != nil {
		t.Fatalf("ChainHead(1): %v", err)
	}
	if headIndex != 1 || head.Kind != Do {
		t.Fatalf("ChainHead(1) = index %d kind %v, want the untouched Do itself", headIndex, head.Kind)
	}

	assoc, err := log.LookupAssociatedDo(3)
	if err != nil {
		t.Fatalf("LookupAssociatedDo(3): %v", err)
	}
	if assoc.Kind != Do || assoc.Vector.Get(1) != 0 {
		t.Fatalf("LookupAssociatedDo(3) resolved to kind %v at %d, want the Do at 0", assoc.Kind, assoc.Vector.Get(1))
	}
}

func TestRequestLogAppliedFallsBackToOriginal(t *testing.T) {
	log := NewRequestLog()
	op := Insert{Pos: 0, Payload: Segment{Author: 1, Text: "x"}}
	idx := log.Append(doReq(1, 0, op))

	got, at, err := log.Applied(idx)
	if err != nil {
		t.Fatalf("Applied: %v", err)
	}
	if got.(Insert) != op || at.Get(1) != 0 {
		t.Fatal("Applied without a cache must fall back to the request's own operation and vector")
	}

	shifted := Insert{Pos: 5, Payload: Segment{Author: 1, Text: "x"}}
	at2 := NewStateVector()
	at2.Set(1, 0)
	at2.Set(2, 3)
	log.SetApplied(idx, shifted, at2)

	got, at, err = log.Applied(idx)
	if err != nil {
		t.Fatalf("Applied after SetApplied: %v", err)
	}
	if got.(Insert) != shifted || at.Get(2) != 3 {
		t.Fatal("Applied must return the cached applied form once set")
	}
}
