package adopted

import "fmt"

// RequestLog is one user's append-only history of requests (C4). Indices
// are global to the log: Begin is the offset of the oldest entry still
// retained, so indices below Begin have been discarded by a prior Cleanup
// and any reference to them is ErrLogGap.
//
// Each entry carries the request exactly as its user generated it plus a
// cache of the operation the owning Algorithm actually applied — the
// original translated into the Algorithm's state at application time —
// and the vector naming that state. The applied form is what an undo has
// to invert; the original is what translation folds against. Translation
// results are additionally memoized, since Algorithm.translate revisits
// the same (index, target vector) pairs whenever several remote requests
// arrive close together.
type RequestLog struct {
	entries []logEntry
	begin   int
	memo    map[memoKey]Operation
}

type logEntry struct {
	req       Request
	applied   Operation    // req.Operation translated to the state it was applied in
	appliedAt *StateVector // the Algorithm's vector at the moment of application
}

type memoKey struct {
	index  int
	vector string
}

// NewRequestLog returns an empty log starting at offset 0.
func NewRequestLog() *RequestLog {
	return &RequestLog{memo: make(map[memoKey]Operation)}
}

// Append adds req as the newest entry and returns the index it was stored
// at (End() before the call).
func (l *RequestLog) Append(req Request) int {
	idx := l.End()
	l.entries = append(l.entries, logEntry{req: req})
	return idx
}

// SetApplied caches the operation the Algorithm applied for the entry at
// index, together with the state vector it was applied against.
func (l *RequestLog) SetApplied(index int, op Operation, at *StateVector) {
	if index < l.begin || index >= l.End() {
		return
	}
	e := &l.entries[index-l.begin]
	e.applied = op
	e.appliedAt = at
}

// Begin returns the offset of the oldest retained entry.
func (l *RequestLog) Begin() int { return l.begin }

// End returns one past the newest entry's index; the index Append will
// use next.
func (l *RequestLog) End() int { return l.begin + len(l.entries) }

// Len returns the number of retained entries.
func (l *RequestLog) Len() int { return len(l.entries) }

// At returns the request stored at index, or ErrLogGap if index predates
// Begin or has not been appended yet.
func (l *RequestLog) At(index int) (Request, error) {
	if index < l.begin || index >= l.End() {
		return Request{}, fmt.Errorf("%w: index %d not in [%d,%d)", ErrLogGap, index, l.begin, l.End())
	}
	return l.entries[index-l.begin].req, nil
}

// Applied returns the cached applied form of the entry at index: the
// operation as it mutated the buffer and the vector it mutated it at.
// Entries appended without a cache fall back to the request's own
// operation and vector, which coincide for locally generated requests.
func (l *RequestLog) Applied(index int) (Operation, *StateVector, error) {
	if index < l.begin || index >= l.End() {
		return nil, nil, fmt.Errorf("%w: index %d not in [%d,%d)", ErrLogGap, index, l.begin, l.End())
	}
	e := l.entries[index-l.begin]
	if e.applied == nil {
		return e.req.Operation, e.req.Vector, nil
	}
	return e.applied, e.appliedAt, nil
}

// LookupAssociatedDo resolves the Do a request at index (eventually)
// affects: the entry itself when it is a Do, otherwise the entry its
// back-link names.
func (l *RequestLog) LookupAssociatedDo(index int) (Request, error) {
	req, err := l.At(index)
	if err != nil {
		return Request{}, err
	}
	if !req.IsUndoRedo() {
		return req, nil
	}
	return l.At(req.TargetIndex)
}

// ChainHead returns the newest entry in the undo/redo chain rooted at the
// Do at targetIndex: the Do itself if it was never undone, otherwise the
// latest Undo or Redo whose back-link names it. The head's Kind tells a
// caller whether the chain's effect is currently applied (Do, Redo) or
// reverted (Undo).
func (l *RequestLog) ChainHead(targetIndex int) (Request, int, error) {
	for i := l.End() - 1; i >= targetIndex; i-- {
		req, err := l.At(i)
		if err != nil {
			return Request{}, 0, err
		}
		if i == targetIndex || (req.IsUndoRedo() && req.TargetIndex == targetIndex) {
			return req, i, nil
		}
	}
	return Request{}, 0, fmt.Errorf("%w: no chain rooted at index %d", ErrLogGap, targetIndex)
}

// memoGet returns a previously computed translation of the request at
// index into the causal context identified by target, if cached.
func (l *RequestLog) memoGet(index int, target *StateVector) (Operation, bool) {
	op, ok := l.memo[memoKey{index: index, vector: target.String()}]
	return op, ok
}

// memoPut records the translation of the request at index into the causal
// context identified by target.
func (l *RequestLog) memoPut(index int, target *StateVector, op Operation) {
	l.memo[memoKey{index: index, vector: target.String()}] = op
}

// Advance discards every entry before newBegin, the Cleanup operation: once
// every peer's heartbeat vector has seen a request, nothing
// can ever need to translate against it again. Advancing below the
// current Begin, or past End, is a no-op-safe clamp rather than an error,
// since concurrently-computed horizons may lag.
func (l *RequestLog) Advance(newBegin int) {
	if newBegin <= l.begin {
		return
	}
	if newBegin > l.End() {
		newBegin = l.End()
	}
	drop := newBegin - l.begin
	l.entries = l.entries[drop:]
	l.begin = newBegin
	for k := range l.memo {
		if k.index < newBegin {
			delete(l.memo, k)
		}
	}
}
