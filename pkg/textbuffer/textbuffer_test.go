package textbuffer_test

import (
	"testing"

	"infinote/pkg/adopted"
	"infinote/pkg/textbuffer"
)

func TestApplyInsertAndDelete(t *testing.T) {
	buf := textbuffer.New("hello")
	if err := buf.ApplyInsert(5, adopted.Segment{Text: " world"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if buf.String() != "hello world" {
		t.Fatalf("got %q", buf.String())
	}

	removed, err := buf.ApplyDelete(0, 6)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed.Text != "hello " {
		t.Fatalf("removed %q, want %q", removed.Text, "hello ")
	}
	if buf.String() != "world" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestApplyInsertOutOfRange(t *testing.T) {
	buf := textbuffer.New("ab")
	if err := buf.ApplyInsert(5, adopted.Segment{Text: "x"}); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	buf := textbuffer.New("abc")
	clone := buf.Clone()
	if err := clone.ApplyInsert(0, adopted.Segment{Text: "X"}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "abc" {
		t.Fatalf("original mutated: %q", buf.String())
	}
	if clone.Length() != 4 {
		t.Fatalf("clone length = %d, want 4", clone.Length())
	}
}

func TestExtractDoesNotMutate(t *testing.T) {
	buf := textbuffer.New("hello world")
	seg, err := buf.Extract(6, 5)
	if err != nil {
		t.Fatal(err)
	}
	if seg.Text != "world" {
		t.Fatalf("got %q", seg.Text)
	}
	if buf.String() != "hello world" {
		t.Fatal("Extract should not mutate the buffer")
	}
}
