package adopted_test

import (
	"testing"

	"infinote/pkg/adopted"
	"infinote/pkg/textbuffer"
)

// converge applies a then IT(b,a) to one buffer and b then IT(a,b) to
// another, starting from the same text, and asserts both land on the
// same result — the TP1 puzzle property required of every concurrent
// pair the algorithm can produce.
func converge(t *testing.T, initial string, a, b adopted.Operation, hintAB, hintBA adopted.ConcurrencyHint) {
	t.Helper()

	bufAB := textbuffer.New(initial)
	if err := a.Apply(bufAB); err != nil {
		t.Fatalf("apply a: %v", err)
	}
	bPrime, err := b.Transform(a, hintBA)
	if err != nil {
		t.Fatalf("IT(b,a): %v", err)
	}
	if err := bPrime.Apply(bufAB); err != nil {
		t.Fatalf("apply IT(b,a): %v", err)
	}

	bufBA := textbuffer.New(initial)
	if err := b.Apply(bufBA); err != nil {
		t.Fatalf("apply b: %v", err)
	}
	aPrime, err := a.Transform(b, hintAB)
	if err != nil {
		t.Fatalf("IT(a,b): %v", err)
	}
	if err := aPrime.Apply(bufBA); err != nil {
		t.Fatalf("apply IT(a,b): %v", err)
	}

	if bufAB.String() != bufBA.String() {
		t.Fatalf("diverged: a-then-b'=%q, b-then-a'=%q", bufAB.String(), bufBA.String())
	}
}

func TestTransformConvergesConcurrentInserts(t *testing.T) {
	a := adopted.Insert{Pos: 2, Payload: adopted.Segment{Author: 1, Text: "X"}}
	b := adopted.Insert{Pos: 2, Payload: adopted.Segment{Author: 2, Text: "Y"}}
	hintAB := adopted.ConcurrencyHint{Self: 1, Other: 2}
	hintBA := adopted.ConcurrencyHint{Self: 2, Other: 1}
	converge(t, "hello", a, b, hintAB, hintBA)
}

func TestTransformConvergesInsertVsDelete(t *testing.T) {
	a := adopted.Insert{Pos: 2, Payload: adopted.Segment{Author: 1, Text: "XY"}}
	b := adopted.Delete{Pos: 1, Len: 3}
	hint := adopted.ConcurrencyHint{}
	converge(t, "hello world", a, b, hint, hint)
}

func TestTransformConvergesOverlappingDeletes(t *testing.T) {
	a := adopted.Delete{Pos: 0, Len: 5}
	b := adopted.Delete{Pos: 3, Len: 5}
	hint := adopted.ConcurrencyHint{}
	converge(t, "hello world!", a, b, hint, hint)
}

func TestTransformConvergesNestedDeleteInsideDelete(t *testing.T) {
	a := adopted.Delete{Pos: 0, Len: 10}
	b := adopted.Delete{Pos: 3, Len: 2}
	hint := adopted.ConcurrencyHint{}
	converge(t, "0123456789", a, b, hint, hint)
}

func TestSplitApplyMatchesSequentialEffect(t *testing.T) {
	buf := textbuffer.New("hello world")
	split := adopted.Split{
		First:  adopted.Delete{Pos: 0, Len: 6},
		Second: adopted.Insert{Pos: 0, Payload: adopted.Segment{Text: "there "}},
	}
	if err := split.Apply(buf); err != nil {
		t.Fatalf("apply split: %v", err)
	}
	if buf.String() != "there world" {
		t.Fatalf("got %q, want %q", buf.String(), "there world")
	}
}

func TestInvertReversibleDelete(t *testing.T) {
	buf := textbuffer.New("hello world")
	del := adopted.Delete{Pos: 6, Len: 5}
	reversible, err := del.MakeReversible(buf)
	if err != nil {
		t.Fatalf("MakeReversible: %v", err)
	}
	if err := reversible.Apply(buf); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if buf.String() != "hello " {
		t.Fatalf("got %q after delete", buf.String())
	}

	inv, err := reversible.Invert()
	if err != nil {
		t.Fatalf("Invert: %v", err)
	}
	if err := inv.Apply(buf); err != nil {
		t.Fatalf("apply inverse: %v", err)
	}
	if buf.String() != "hello world" {
		t.Fatalf("undo mismatch: got %q, want %q", buf.String(), "hello world")
	}
}

func TestPlainDeleteIsIrreversible(t *testing.T) {
	del := adopted.Delete{Pos: 0, Len: 3}
	if _, err := del.Invert(); err == nil {
		t.Fatal("Invert on plain Delete: expected ErrIrreversible, got nil")
	}
}

func TestInsertNeedsConcurrencyIDOnlyAtSamePosition(t *testing.T) {
	a := adopted.Insert{Pos: 3, Payload: adopted.Segment{Text: "a"}}
	b := adopted.Insert{Pos: 3, Payload: adopted.Segment{Text: "b"}}
	if !a.NeedsConcurrencyID(b) {
		t.Fatal("expected concurrency id to be needed for same-position inserts")
	}

	c := adopted.Insert{Pos: 4, Payload: adopted.Segment{Text: "c"}}
	if a.NeedsConcurrencyID(c) {
		t.Fatal("did not expect concurrency id for distinct positions")
	}
}

func TestConcurrentInsertTieBreakIsDeterministic(t *testing.T) {
	a := adopted.Insert{Pos: 1, Payload: adopted.Segment{Author: 7, Text: "A"}}
	b := adopted.Insert{Pos: 1, Payload: adopted.Segment{Author: 9, Text: "B"}}

	aPrime, err := a.Transform(b, adopted.ConcurrencyHint{Self: 7, Other: 9})
	if err != nil {
		t.Fatalf("IT(a,b): %v", err)
	}
	bPrime, err := b.Transform(a, adopted.ConcurrencyHint{Self: 9, Other: 7})
	if err != nil {
		t.Fatalf("IT(b,a): %v", err)
	}

	buf := textbuffer.New("xx")
	if err := a.Apply(buf); err != nil {
		t.Fatal(err)
	}
	if err := bPrime.Apply(buf); err != nil {
		t.Fatal(err)
	}
	// Lower user id (7) wins the left position deterministically.
	if got, want := buf.String(), "xABx"; got != want {
		t.Fatalf("tie-break result = %q, want %q", got, want)
	}
	_ = aPrime
}
