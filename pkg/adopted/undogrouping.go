package adopted

import "time"

// Direction classifies a Do request for grouping purposes: consecutive
// same-direction edits at contiguous positions collapse into one undo
// step, the way a word processor undoes a whole burst of typing at once
// rather than one codepoint at a time.
type Direction int

const (
	// DirNone marks a request that never merges with a neighbor (Move,
	// NoOp, or anything spanning a non-contiguous edit).
	DirNone Direction = iota
	DirInsert
	DirDelete
)

// group is one undoable unit: the ascending log indices of the Do
// requests it bundles, applied to the buffer in that order, so undoing it
// means inverting them from the end of the slice back to the start.
type group struct {
	indices []int
	anchor  int // position the next contiguous edit must land at to extend this group
	dir     Direction
	last    time.Time
	span    int  // total codepoints touched so far, for the group's span limit
	closed  bool // set by Boundary; the group can still be undone but never extended
}

// UndoGrouping consolidates one user's consecutive same-direction edits
// into atomic undo units (C6), grounded in the same normal/undoing/redoing
// state machine a conventional editor's undo manager uses: new edits
// extend the live group or start a fresh one; undoing a group moves it to
// the redo side; any new edit after an undo discards the redo side,
// since the document has diverged from what redo assumed.
type UndoGrouping struct {
	idleTimeout time.Duration
	spanLimit   int

	undone []group // most recently undone group last
	live   []group // open/closed groups still eligible for undo, most recent last
}

// NewUndoGrouping returns a grouping session that merges contiguous
// same-direction edits arriving within idleTimeout of each other, up to
// spanLimit codepoints per group.
func NewUndoGrouping(idleTimeout time.Duration, spanLimit int) *UndoGrouping {
	return &UndoGrouping{idleTimeout: idleTimeout, spanLimit: spanLimit}
}

// Record folds a newly generated Do request (log index, the span of
// buffer it touched, and its Direction) into the live undo group, opening
// a new group when the edit doesn't contiguously extend the current one,
// the idle timeout has elapsed, or the span limit would be exceeded. Any
// pending redo history is discarded, since it was computed against a
// buffer state this edit now invalidates.
func (g *UndoGrouping) Record(index, pos, length int, dir Direction, now time.Time) {
	g.undone = nil

	if dir == DirNone {
		g.live = append(g.live, group{indices: []int{index}, dir: DirNone, last: now})
		return
	}

	if len(g.live) > 0 {
		top := &g.live[len(g.live)-1]
		if !top.closed &&
			top.dir == dir &&
			now.Sub(top.last) <= g.idleTimeout &&
			top.anchor == pos &&
			top.span+length <= g.spanLimit {
			top.indices = append(top.indices, index)
			top.last = now
			top.span += length
			top.anchor = nextAnchor(pos, length, dir)
			return
		}
	}

	g.live = append(g.live, group{
		indices: []int{index},
		anchor:  nextAnchor(pos, length, dir),
		dir:     dir,
		last:    now,
		span:    length,
	})
}

func nextAnchor(pos, length int, dir Direction) int {
	if dir == DirInsert {
		return pos + length
	}
	// A run of deletes at the same position each shift nothing forward:
	// deleting again at pos removes what used to follow the prior delete.
	return pos
}

// Boundary closes the live group, if any: the next recorded edit starts a
// fresh group regardless of contiguity. Called when another user's
// request interleaves this user's stream, so one undo step never spans
// keystrokes typed on either side of somebody else's change.
func (g *UndoGrouping) Boundary() {
	if len(g.live) > 0 {
		g.live[len(g.live)-1].closed = true
	}
}

// CanUndo reports whether a group is available to undo.
func (g *UndoGrouping) CanUndo() bool { return len(g.live) > 0 }

// CanRedo reports whether a group is available to redo.
func (g *UndoGrouping) CanRedo() bool { return len(g.undone) > 0 }

// PopUndo removes and returns the most recent group's indices in the
// order they must be inverted (newest edit first), moving the group to
// the redo side.
func (g *UndoGrouping) PopUndo() ([]int, bool) {
	if len(g.live) == 0 {
		return nil, false
	}
	top := g.live[len(g.live)-1]
	g.live = g.live[:len(g.live)-1]
	g.undone = append(g.undone, top)

	reversed := make([]int, len(top.indices))
	for i, idx := range top.indices {
		reversed[len(reversed)-1-i] = idx
	}
	return reversed, true
}

// PopRedo removes and returns the most recently undone group's indices in
// the order they must be re-applied (oldest edit first), moving the group
// back to the live side.
func (g *UndoGrouping) PopRedo() ([]int, bool) {
	if len(g.undone) == 0 {
		return nil, false
	}
	top := g.undone[len(g.undone)-1]
	g.undone = g.undone[:len(g.undone)-1]
	g.live = append(g.live, top)
	return append([]int(nil), top.indices...), true
}
