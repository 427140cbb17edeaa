package adopted

import (
	"fmt"
	"sync"

	"infinote/pkg/logger"
)

// Algorithm is the site-wide OT controller (C5): it owns the buffer, the
// current state vector and every user's RequestLog, and is the only
// writer of the buffer for the session it backs (mirrors the teacher's
// single-writer-behind-a-mutex Kolabpad.state pattern).
type Algorithm struct {
	mu      sync.RWMutex
	buffer  Buffer
	current *StateVector
	logs    map[uint64]*RequestLog
}

// NewAlgorithm returns a controller over buffer, starting at the empty
// state vector (no requests from anyone yet).
func NewAlgorithm(buffer Buffer) *Algorithm {
	return &Algorithm{
		buffer:  buffer,
		current: NewStateVector(),
		logs:    make(map[uint64]*RequestLog),
	}
}

func (a *Algorithm) logFor(user uint64) *RequestLog {
	log, ok := a.logs[user]
	if !ok {
		log = NewRequestLog()
		a.logs[user] = log
	}
	return log
}

// CurrentVector returns a copy of the vector representing every request
// currently applied to the buffer.
func (a *Algorithm) CurrentVector() *StateVector {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current.Copy()
}

// LogLen reports how many requests from user are retained, for diagnostics
// and metrics.
func (a *Algorithm) LogLen(user uint64) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if log, ok := a.logs[user]; ok {
		return log.Len()
	}
	return 0
}

// LogEnd reports the index the next request from user will be appended at.
// Unlike LogLen it is stable under Cleanup, so it is the value to hold on
// to when naming a log entry (an undo target, say) across time.
func (a *Algorithm) LogEnd(user uint64) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if log, ok := a.logs[user]; ok {
		return log.End()
	}
	return 0
}

// GenerateLocal applies op, generated locally by user against the
// Algorithm's current state, and returns the Request to broadcast to
// other sites. Delete operations are made reversible against the
// pre-apply buffer before being recorded, so every logged request can
// later be undone.
func (a *Algorithm) GenerateLocal(user uint64, op Operation) (Request, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	reversible, err := op.MakeReversible(a.buffer)
	if err != nil {
		return Request{}, err
	}
	if err := reversible.Apply(a.buffer); err != nil {
		return Request{}, err
	}

	req := Request{UserID: user, Vector: a.current.Copy(), Operation: reversible, Kind: Do}
	log := a.logFor(user)
	log.SetApplied(log.Append(req), reversible, req.Vector)
	if err := a.current.Add(user, 1); err != nil {
		return Request{}, err
	}
	return req, nil
}

// ReceiveRemote validates and applies a request generated at another site.
// req.Vector must name the next expected index in its own user's log and
// must not reference any other user's request this Algorithm has not
// itself seen yet; either failure is
// ErrCausalityViolation. The operation actually applied — req.Operation
// translated into the Algorithm's current causal context — is returned so
// callers can, e.g., transform a cursor through it.
func (a *Algorithm) ReceiveRemote(req Request) (Operation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := a.logFor(req.UserID)
	expected := uint64(log.End())
	if req.Vector.Get(req.UserID) != expected {
		return nil, fmt.Errorf("%w: user %d log out of order (have %d, want %d)",
			ErrCausalityViolation, req.UserID, req.Vector.Get(req.UserID), expected)
	}
	for user, count := range req.Vector.components {
		if user == req.UserID {
			continue
		}
		seen := 0
		if otherLog, ok := a.logs[user]; ok {
			seen = otherLog.End()
		}
		if count > uint64(seen) {
			return nil, fmt.Errorf("%w: references unseen request from user %d",
				ErrCausalityViolation, user)
		}
	}

	translated, err := a.translate(req, a.current)
	if err != nil {
		return nil, err
	}
	// Capture the content a delete removes before it goes, so the applied
	// cache can always be inverted by a later undo.
	applied, err := translated.MakeReversible(a.buffer)
	if err != nil {
		return nil, err
	}
	if err := applied.Apply(a.buffer); err != nil {
		return nil, err
	}

	log.SetApplied(log.Append(req), applied, a.current.Copy())
	if err := a.current.Add(req.UserID, 1); err != nil {
		return nil, err
	}
	return applied, nil
}

// translate returns req.Operation re-expressed against to, by folding in
// every request between req.Vector and to. It is the Request-shaped
// entry point: req.Vector is taken as the "from" context req.Operation
// already accounts for. Results are memoized on the owning log, keyed by
// the request's own index and the target vector; only this entry point
// memoizes, since the Undo/Redo fold below starts mid-log and its results
// would collide with the translations of the requests actually stored at
// those indices.
func (a *Algorithm) translate(req Request, to *StateVector) (Operation, error) {
	if req.Vector.Equal(to) {
		return req.Operation, nil
	}

	log := a.logFor(req.UserID)
	index := int(req.Vector.Get(req.UserID))
	if cached, ok := log.memoGet(index, to); ok {
		return cached, nil
	}
	op, err := a.translateFrom(req.Operation, req.UserID, req.Vector, to)
	if err != nil {
		return nil, err
	}
	log.memoPut(index, to, op)
	return op, nil
}

// translateFrom folds every request between from and to into op one
// request at a time. Each step picks a request that is ready — its own
// vector already contained in the fold's intermediate state — so every
// intervening request is itself translated strictly forward before being
// transformed against; the fold never has to exclusion-transform history
// backward, and the recursion's distance to its base case (from == to)
// strictly decreases and always terminates.
//
// owner identifies whose operation op is, for concurrency-id hints; it
// need not be the author of every step folded in. Undo and Redo call this
// directly (rather than through translate) with from set to the target
// request's vector plus one, so the fold starts just after the target
// instead of trying to transform the target against itself.
func (a *Algorithm) translateFrom(op Operation, owner uint64, from, to *StateVector) (Operation, error) {
	cur := from.Copy()
	for !cur.Equal(to) {
		user, otherReq, err := a.nextReady(cur, to)
		if err != nil {
			return nil, err
		}

		otherOp, err := a.translate(otherReq, cur)
		if err != nil {
			return nil, err
		}

		hint := ConcurrencyHint{Self: owner, Other: user}
		if user == owner {
			// Folding the owner's own later request only happens on an
			// Undo/Redo walk. There is no cross-site tie to break, but a
			// positional tie is still possible; the logged request wins
			// the left position, which is deterministic at every site
			// because every site walks the same log.
			hint = ConcurrencyHint{Self: 1, Other: 0}
		}
		if op.NeedsConcurrencyID(otherOp) && !hint.valid() {
			logger.Error("adopted: concurrency id ambiguous for user %d against %d", owner, user)
			return nil, ErrConcurrencyAmbiguous
		}
		op, err = op.Transform(otherOp, hint)
		if err != nil {
			return nil, err
		}
		if err := cur.Add(user, 1); err != nil {
			return nil, err
		}
	}
	return op, nil
}

// nextReady returns the lowest-id user with a pending request between cur
// and to whose vector is already contained in cur — the next log entry the
// fold can legally account for. A request whose vector reaches beyond cur
// (an undo issued after concurrent remote activity, say) stays pending
// until the steps it depends on have been folded in first.
func (a *Algorithm) nextReady(cur, to *StateVector) (uint64, Request, error) {
	for _, u := range users(cur, to) {
		if to.Get(u) <= cur.Get(u) {
			continue
		}
		log, ok := a.logs[u]
		if !ok {
			return 0, Request{}, fmt.Errorf("%w: no log for user %d", ErrCausalityViolation, u)
		}
		req, err := log.At(int(cur.Get(u)))
		if err != nil {
			return 0, Request{}, err
		}
		if c := Compare(req.Vector, cur); c == Less || c == Equal {
			return u, req, nil
		}
	}
	return 0, Request{}, fmt.Errorf("%w: no foldable request between %s and %s",
		ErrCausalityViolation, cur, to)
}

// Undo reverses the effect of the Do at targetIndex in user's own log:
// the newest chain member still applying that effect (the Do
// itself, or its most recent Redo) is translated into the current context,
// inverted, applied, and recorded as a new Undo request so remote sites
// can replay it the same way as any other edit.
func (a *Algorithm) Undo(user uint64, targetIndex int) (Request, error) {
	return a.undoRedo(user, targetIndex, Undo)
}

// Redo re-applies the effect of the Do at targetIndex by inverting its
// most recent Undo; a Redo with no live Undo in the chain is a parity
// violation and is refused.
func (a *Algorithm) Redo(user uint64, targetIndex int) (Request, error) {
	return a.undoRedo(user, targetIndex, Redo)
}

func (a *Algorithm) undoRedo(user uint64, targetIndex int, kind Kind) (Request, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := a.logFor(user)
	head, headIndex, err := log.ChainHead(targetIndex)
	if err != nil {
		return Request{}, err
	}
	// Parity: an Undo must find the chain's effect applied, a Redo must
	// find it reverted. The chain alternates, so inverting the head's
	// applied form is always exactly one inversion regardless of depth.
	if kind == Undo && head.Kind == Undo {
		return Request{}, fmt.Errorf("%w: request %d of user %d is already undone", ErrIrreversible, targetIndex, user)
	}
	if kind == Redo && head.Kind != Undo {
		return Request{}, fmt.Errorf("%w: request %d of user %d has no undo to redo", ErrIrreversible, targetIndex, user)
	}

	headOp, headAt, err := log.Applied(headIndex)
	if err != nil {
		return Request{}, err
	}

	// Start the fold just after the head was applied, not at it, or the
	// first step would try to transform the head against itself.
	from := headAt.Copy()
	if err := from.Add(user, 1); err != nil {
		return Request{}, err
	}
	translated, err := a.translateFrom(headOp, user, from, a.current)
	if err != nil {
		return Request{}, err
	}
	effective, err := translated.Invert()
	if err != nil {
		return Request{}, err
	}
	if err := effective.Apply(a.buffer); err != nil {
		return Request{}, err
	}

	req := Request{
		UserID:      user,
		Vector:      a.current.Copy(),
		Operation:   effective,
		Kind:        kind,
		TargetIndex: targetIndex,
	}
	log.SetApplied(log.Append(req), effective, req.Vector)
	if err := a.current.Add(user, 1); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Cleanup folds the Algorithm's own vector together with every peer's most
// recently heartbeated vector (obtained from the transport layer)
// into a single minimum, then discards every log entry that minimum
// proves no live or future translation can ever reference again. It
// returns the total number of entries dropped across every user's log, for
// callers that want to surface cleanup activity (e.g. as a metric).
func (a *Algorithm) Cleanup(peerVectors map[uint64]*StateVector) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	min := a.current.Copy()
	for _, v := range peerVectors {
		min = Meet(min, v)
	}
	dropped := 0
	for user, log := range a.logs {
		before := log.Begin()
		log.Advance(cleanupLimit(log, int(min.Get(user))))
		if advanced := log.Begin() - before; advanced > 0 {
			dropped += advanced
			logger.Debug("adopted: cleanup advanced user %d log from %d to %d", user, before, log.Begin())
		}
	}
	return dropped
}

// cleanupLimit lowers the proposed cutoff until no surviving Undo/Redo
// entry's back-link reaches below it: a retained chain member pins its
// root, since a future redo has to find the chain head and its applied
// form. Entries whose whole chain falls below the cutoff go together.
func cleanupLimit(log *RequestLog, proposed int) int {
	limit := proposed
	if limit > log.End() {
		limit = log.End()
	}
	for {
		lowered := false
		for i := limit; i < log.End(); i++ {
			req, err := log.At(i)
			if err != nil {
				continue
			}
			if req.IsUndoRedo() && req.TargetIndex < limit {
				limit = req.TargetIndex
				lowered = true
			}
		}
		if !lowered {
			return limit
		}
	}
}
