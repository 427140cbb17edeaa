package server

import (
	"errors"
	"testing"

	"infinote/pkg/adopted"
)

func insertOp(author uint64, pos int, text string) adopted.Operation {
	return adopted.Insert{Pos: pos, Payload: adopted.Segment{Author: author, Text: text}}
}

func parseVec(t *testing.T, s string) *adopted.StateVector {
	t.Helper()
	v, err := adopted.ParseVector(s)
	if err != nil {
		t.Fatalf("ParseVector(%q): %v", s, err)
	}
	return v
}

// TestSessionFatalErrorDiverges checks the terminal-state contract: a
// session-fatal engine error locks the whole document, not just the
// request or connection that triggered it.
func TestSessionFatalErrorDiverges(t *testing.T) {
	s := NewSession(1024, 16, 0, 0)

	// An insert past the empty document's end fails inside the engine's
	// apply step, which is unrecoverable for the session.
	err := s.ApplyEdit(1, adopted.NewStateVector(), insertOp(1, 5, "x"))
	if !errors.Is(err, adopted.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if !s.Diverged() {
		t.Fatal("session must be diverged after a fatal engine error")
	}

	// Every later call, from any user, is refused.
	if err := s.ApplyEdit(2, adopted.NewStateVector(), insertOp(2, 0, "y")); !errors.Is(err, ErrSessionDiverged) {
		t.Fatalf("edit after divergence: got %v, want ErrSessionDiverged", err)
	}
	if err := s.Undo(1); !errors.Is(err, ErrSessionDiverged) {
		t.Fatalf("undo after divergence: got %v, want ErrSessionDiverged", err)
	}
	if err := s.Redo(1); !errors.Is(err, ErrSessionDiverged) {
		t.Fatalf("redo after divergence: got %v, want ErrSessionDiverged", err)
	}
}

// TestSessionRecoverableErrorDoesNotDiverge checks the flip side: a
// causality violation drops the one bad request and leaves the session
// live for everyone.
func TestSessionRecoverableErrorDoesNotDiverge(t *testing.T) {
	s := NewSession(1024, 16, 0, 0)

	err := s.ApplyEdit(1, parseVec(t, "1:7"), insertOp(1, 0, "x"))
	if !errors.Is(err, adopted.ErrCausalityViolation) {
		t.Fatalf("expected ErrCausalityViolation, got %v", err)
	}
	if s.Diverged() {
		t.Fatal("a recoverable rejection must not diverge the session")
	}

	if err := s.ApplyEdit(1, adopted.NewStateVector(), insertOp(1, 0, "a")); err != nil {
		t.Fatalf("valid edit after recoverable rejection: %v", err)
	}
	if s.Text() != "a" {
		t.Fatalf("text = %q, want %q", s.Text(), "a")
	}
}

// TestSessionRemoteEditClosesUndoGroup checks that another user's edit
// interleaving a typing burst splits the burst's undo group: undo then
// removes only what was typed after the interleave.
func TestSessionRemoteEditClosesUndoGroup(t *testing.T) {
	s := NewSession(1024, 16, 0, 0)

	if err := s.ApplyEdit(1, adopted.NewStateVector(), insertOp(1, 0, "a")); err != nil {
		t.Fatalf("user 1 first edit: %v", err)
	}
	if err := s.ApplyEdit(2, parseVec(t, "1:1"), insertOp(2, 1, "b")); err != nil {
		t.Fatalf("user 2 interleaving edit: %v", err)
	}
	// Contiguous with user 1's first insert and well within the idle
	// timeout; without the interleave it would have merged.
	if err := s.ApplyEdit(1, parseVec(t, "1:1;2:1"), insertOp(1, 1, "c")); err != nil {
		t.Fatalf("user 1 second edit: %v", err)
	}
	if s.Text() != "acb" {
		t.Fatalf("text = %q, want %q", s.Text(), "acb")
	}

	if err := s.Undo(1); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if got := s.Text(); got != "ab" {
		t.Fatalf("undo removed the whole burst across the interleave: text = %q, want %q", got, "ab")
	}
}
