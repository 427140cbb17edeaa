package server

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"infinote/internal/protocol"
	"infinote/pkg/adopted"
	"infinote/pkg/logger"
	"infinote/pkg/metrics"
	"infinote/pkg/textbuffer"
)

// DefaultUndoIdleTimeout and DefaultUndoSpanLimit are the fallback bounds on
// how aggressively consecutive keystrokes are folded into one undo step when
// a Server isn't configured with its own (see adopted.UndoGrouping).
const (
	DefaultUndoIdleTimeout = 1 * time.Second
	DefaultUndoSpanLimit   = 1024
)

// ErrSessionDiverged is returned once a session-fatal engine error has
// poisoned the document: the in-memory state can no longer be trusted to
// match any peer's, so the session is terminal and accepts no further
// edits, undos or redos from anyone.
var ErrSessionDiverged = errors.New("server: session diverged")

// Session is the collaborative editing session manager: it wraps the
// adopted OT engine (buffer, Algorithm, per-user UndoGrouping and the
// SessionRecord replay log) with the connection bookkeeping — user
// registry, cursors, subscriber fan-out — that the teacher's Kolabpad type
// kept alongside its own ot.OperationSeq-based state.
type Session struct {
	mu sync.RWMutex

	buf       *textbuffer.Buffer
	algorithm *adopted.Algorithm
	record    *adopted.SessionRecord
	undo      map[uint64]*adopted.UndoGrouping

	history  []adopted.Request // flat application order, for catch-up broadcasts
	language *string
	otp      *string
	users    map[uint64]protocol.UserInfo
	cursors  map[uint64]protocol.CursorData
	diverged bool // set on a session-fatal engine error; never cleared

	count                 atomic.Uint64
	killed                atomic.Bool
	lastEditTime          atomic.Int64
	lastPersistedSeq      atomic.Int32
	lastCriticalWrite     atomic.Int64
	subscribers           map[uint64]chan *protocol.ServerMsg
	notify                chan struct{}
	maxDocumentSize       int
	broadcastBufferSize   int
	undoIdleTimeout       time.Duration
	undoSpanLimit         int
}

// NewSession creates a new, empty collaborative editing session. A zero
// undoIdleTimeout or undoSpanLimit falls back to the package defaults.
func NewSession(maxDocumentSize, broadcastBufferSize int, undoIdleTimeout time.Duration, undoSpanLimit int) *Session {
	buf := textbuffer.New("")
	return &Session{
		buf:                 buf,
		algorithm:           adopted.NewAlgorithm(buf),
		record:              adopted.NewSessionRecord(),
		undo:                make(map[uint64]*adopted.UndoGrouping),
		users:               make(map[uint64]protocol.UserInfo),
		cursors:             make(map[uint64]protocol.CursorData),
		subscribers:         make(map[uint64]chan *protocol.ServerMsg),
		notify:              make(chan struct{}),
		maxDocumentSize:     maxDocumentSize,
		broadcastBufferSize: broadcastBufferSize,
		undoIdleTimeout:     orDefaultDuration(undoIdleTimeout, DefaultUndoIdleTimeout),
		undoSpanLimit:       orDefaultInt(undoSpanLimit, DefaultUndoSpanLimit),
	}
}

// FromPersistedDocument reconstructs a Session by replaying a previously
// recorded SessionRecord, the way the original implementation reloads a
// document from its undo-log rather than from a text snapshot.
func FromPersistedDocument(entries []string, language, otp *string, maxDocumentSize, broadcastBufferSize int, undoIdleTimeout time.Duration, undoSpanLimit int) (*Session, error) {
	buf := textbuffer.New("")
	s := &Session{
		buf:                 buf,
		algorithm:           adopted.NewAlgorithm(buf),
		record:              adopted.LoadEntries(entries),
		undo:                make(map[uint64]*adopted.UndoGrouping),
		language:            language,
		otp:                 otp,
		users:               make(map[uint64]protocol.UserInfo),
		cursors:             make(map[uint64]protocol.CursorData),
		subscribers:         make(map[uint64]chan *protocol.ServerMsg),
		notify:              make(chan struct{}),
		maxDocumentSize:     maxDocumentSize,
		broadcastBufferSize: broadcastBufferSize,
		undoIdleTimeout:     orDefaultDuration(undoIdleTimeout, DefaultUndoIdleTimeout),
		undoSpanLimit:       orDefaultInt(undoSpanLimit, DefaultUndoSpanLimit),
	}
	// Feed the recorded originals back through ReceiveRemote one at a time,
	// keeping the translated form each one resolved to; that is what the
	// history must hold so late-joining clients catch up against the
	// document as it actually evolved, not against each request's original
	// causal context.
	for i, line := range entries {
		req, err := adopted.DecodeEntry(line)
		if err != nil {
			return nil, fmt.Errorf("session record entry %d: %w", i, err)
		}
		translated, err := s.algorithm.ReceiveRemote(req)
		if err != nil {
			return nil, fmt.Errorf("session record entry %d: %w", i, err)
		}
		s.history = append(s.history, adopted.Request{
			UserID:      req.UserID,
			Vector:      req.Vector,
			Operation:   translated,
			Kind:        req.Kind,
			TargetIndex: req.TargetIndex,
		})
	}
	s.lastPersistedSeq.Store(int32(len(entries)))
	return s, nil
}

// NextUserID returns the next available user ID for this session.
func (s *Session) NextUserID() uint64 { return s.count.Add(1) - 1 }

// Text returns a copy of the current document text.
func (s *Session) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buf.String()
}

// Language returns the current syntax highlighting language.
func (s *Session) Language() *string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.language
}

// GetOTP returns the current OTP, or nil if the document is unprotected.
func (s *Session) GetOTP() *string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.otp
}

// UserName returns userID's display name, or "" if unknown.
func (s *Session) UserName(userID uint64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID].Name
}

// UserCount returns the number of connected users.
func (s *Session) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// LastEditTime returns the time of the last edit, or the zero time if the
// document was never edited.
func (s *Session) LastEditTime() time.Time {
	ts := s.lastEditTime.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// Kill marks the session as destroyed, closing every subscriber channel and
// the notify channel so blocked connections wake up and exit.
func (s *Session) Kill() {
	if s.killed.CompareAndSwap(false, true) {
		s.mu.Lock()
		for _, ch := range s.subscribers {
			close(ch)
		}
		s.subscribers = make(map[uint64]chan *protocol.ServerMsg)
		close(s.notify)
		s.mu.Unlock()
	}
}

// Killed reports whether Kill has been called.
func (s *Session) Killed() bool { return s.killed.Load() }

// Subscribe opens a channel for metadata broadcasts to userID.
func (s *Session) Subscribe(userID uint64) <-chan *protocol.ServerMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan *protocol.ServerMsg, s.broadcastBufferSize)
	s.subscribers[userID] = ch
	return ch
}

// Unsubscribe closes and removes userID's broadcast channel.
func (s *Session) Unsubscribe(userID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[userID]; ok {
		close(ch)
		delete(s.subscribers, userID)
	}
}

// NotifyChannel returns the current channel closed whenever new requests
// are applied, waking connections polling for history to send.
func (s *Session) NotifyChannel() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notify
}

func (s *Session) broadcast(msg *protocol.ServerMsg) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// GetInitialState returns the state a newly connecting client needs.
func (s *Session) GetInitialState() (lang *string, users map[uint64]protocol.UserInfo, cursors map[uint64]protocol.CursorData) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lang = s.language
	users = make(map[uint64]protocol.UserInfo, len(s.users))
	for k, v := range s.users {
		users[k] = v
	}
	cursors = make(map[uint64]protocol.CursorData, len(s.cursors))
	for k, v := range s.cursors {
		cursors[k] = v
	}
	return
}

// Revision returns how many requests have been applied so far, the offset
// new connections catch up from.
func (s *Session) Revision() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// GetHistory returns applied requests from a starting offset.
func (s *Session) GetHistory(start int) []adopted.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if start >= len(s.history) {
		return nil
	}
	out := make([]adopted.Request, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

// ApplyEdit receives a Do request from userID (its own StateVector and
// operation as generated client-side), translates and applies it through
// the Algorithm, folds it into that user's undo grouping, records it, and
// broadcasts the effective (translated) request to every connection. A
// session-fatal engine error marks the whole session diverged: every
// later call from any user is refused with ErrSessionDiverged.
func (s *Session) ApplyEdit(userID uint64, vector *adopted.StateVector, op adopted.Operation) error {
	s.mu.Lock()

	if s.diverged {
		s.mu.Unlock()
		metrics.EditsRejected.WithLabelValues("diverged").Inc()
		return ErrSessionDiverged
	}
	if s.buf.Length()+op.Length() > s.maxDocumentSize {
		s.mu.Unlock()
		metrics.EditsRejected.WithLabelValues("size_limit").Inc()
		return adopted.ErrOutOfRange
	}

	req := adopted.Request{UserID: userID, Vector: vector, Operation: op, Kind: adopted.Do}
	translated, err := s.algorithm.ReceiveRemote(req)
	if err != nil {
		if adopted.Fatal(err) {
			s.diverged = true
			logger.Error("session diverged on edit from user %d: %v", userID, err)
		}
		s.mu.Unlock()
		logger.Debug("ApplyEdit: user=%d rejected: %v", userID, err)
		metrics.EditsRejected.WithLabelValues(rejectReason(err)).Inc()
		return err
	}
	applied := adopted.Request{UserID: userID, Vector: vector, Operation: translated, Kind: adopted.Do}
	s.recordAndGroupLocked(req, applied, translated)
	s.closeOtherGroupsLocked(userID)
	metrics.EditsApplied.WithLabelValues(applied.Kind.String()).Inc()

	for id, c := range s.cursors {
		s.cursors[id] = transformCursor(translated, c)
	}

	s.lastEditTime.Store(time.Now().Unix())
	s.mu.Unlock()

	s.notifyWaiters()
	return nil
}

// Undo pops userID's most recent live undo group and inverts it, one
// request at a time, broadcasting the effective result.
func (s *Session) Undo(userID uint64) error {
	return s.undoRedo(userID, true)
}

// Redo re-applies userID's most recently undone group.
func (s *Session) Redo(userID uint64) error {
	return s.undoRedo(userID, false)
}

func (s *Session) undoRedo(userID uint64, undo bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.diverged {
		metrics.EditsRejected.WithLabelValues("diverged").Inc()
		return ErrSessionDiverged
	}

	grouping, ok := s.undo[userID]
	if !ok {
		return nil
	}
	var indices []int
	if undo {
		indices, ok = grouping.PopUndo()
	} else {
		indices, ok = grouping.PopRedo()
	}
	if !ok {
		return nil
	}

	for _, idx := range indices {
		var req adopted.Request
		var err error
		if undo {
			req, err = s.algorithm.Undo(userID, idx)
		} else {
			req, err = s.algorithm.Redo(userID, idx)
		}
		if err != nil {
			if adopted.Fatal(err) {
				s.diverged = true
				logger.Error("session diverged on undo/redo from user %d: %v", userID, err)
			}
			metrics.EditsRejected.WithLabelValues(rejectReason(err)).Inc()
			return err
		}
		s.history = append(s.history, req)
		s.record.Append(req)
		metrics.EditsApplied.WithLabelValues(req.Kind.String()).Inc()
		for id, c := range s.cursors {
			s.cursors[id] = transformCursor(req.Operation, c)
		}
	}
	s.closeOtherGroupsLocked(userID)

	s.lastEditTime.Store(time.Now().Unix())
	s.notifyWaitersLocked()
	return nil
}

// Diverged reports whether a session-fatal engine error has terminated
// this session.
func (s *Session) Diverged() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.diverged
}

// closeOtherGroupsLocked puts an undo boundary in every other user's
// grouping: a request from userID interleaving their streams means their
// next keystroke must start a fresh undo step rather than extend one that
// now has someone else's change threaded through it. Callers hold s.mu.
func (s *Session) closeOtherGroupsLocked(userID uint64) {
	for id, grouping := range s.undo {
		if id != userID {
			grouping.Boundary()
		}
	}
}

// rejectReason classifies a Do-request rejection for the edits-rejected
// metric, falling back to "other" for anything not specifically tracked.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, adopted.ErrCausalityViolation):
		return "causality_violation"
	case errors.Is(err, adopted.ErrConcurrencyAmbiguous):
		return "concurrency_ambiguous"
	case errors.Is(err, adopted.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, adopted.ErrLogGap):
		return "log_gap"
	case errors.Is(err, adopted.ErrBadVector):
		return "bad_vector"
	case errors.Is(err, adopted.ErrUnknownOperation):
		return "unknown_operation"
	default:
		return "other"
	}
}

// recordAndGroupLocked appends applied (the translated form clients can
// replay against the evolving document) to the flat history, appends
// original (the request exactly as the client generated it, which is what
// a from-scratch replay must re-translate) to the session record, and
// folds the edit into the user's undo grouping. Callers hold s.mu.
func (s *Session) recordAndGroupLocked(original, applied adopted.Request, translated adopted.Operation) {
	index := s.algorithm.LogEnd(applied.UserID) - 1
	s.history = append(s.history, applied)
	s.record.Append(original)

	grouping, ok := s.undo[applied.UserID]
	if !ok {
		grouping = adopted.NewUndoGrouping(s.undoIdleTimeout, s.undoSpanLimit)
		s.undo[applied.UserID] = grouping
	}
	pos, length, dir := undoShape(translated)
	grouping.Record(index, pos, length, dir, time.Now())
}

// undoShape classifies an operation for undo grouping: its position,
// length and Direction, or DirNone for anything that doesn't contiguously
// merge with a neighbor (Move, NoOp, Split, multi-part edits).
func undoShape(op adopted.Operation) (pos, length int, dir adopted.Direction) {
	switch o := op.(type) {
	case adopted.Insert:
		return o.Pos, o.Payload.RuneLen(), adopted.DirInsert
	case adopted.Delete:
		return o.Pos, o.Len, adopted.DirDelete
	case adopted.ReversibleDelete:
		return o.Pos, o.Payload.RuneLen(), adopted.DirDelete
	default:
		return 0, 0, adopted.DirNone
	}
}

// transformCursor shifts a cursor's positions and selections through op,
// the way the teacher's transformIndex ported rustpad-server's cursor
// tracking, generalized to the adopted operation algebra.
func transformCursor(op adopted.Operation, data protocol.CursorData) protocol.CursorData {
	cursors := make([]uint32, len(data.Cursors))
	for i, c := range data.Cursors {
		cursors[i] = uint32(transformIndex(op, int(c)))
	}
	selections := make([][2]uint32, len(data.Selections))
	for i, sel := range data.Selections {
		selections[i] = [2]uint32{
			uint32(transformIndex(op, int(sel[0]))),
			uint32(transformIndex(op, int(sel[1]))),
		}
	}
	return protocol.CursorData{Cursors: cursors, Selections: selections}
}

func transformIndex(op adopted.Operation, pos int) int {
	switch o := op.(type) {
	case adopted.Insert:
		if pos >= o.Pos {
			return pos + o.Payload.RuneLen()
		}
		return pos
	case adopted.Delete:
		return shiftDeleteIndex(pos, o.Pos, o.Len)
	case adopted.ReversibleDelete:
		return shiftDeleteIndex(pos, o.Pos, o.Payload.RuneLen())
	case adopted.Split:
		return transformIndex(o.Second, transformIndex(o.First, pos))
	default:
		return pos
	}
}

func orDefaultDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func orDefaultInt(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

func shiftDeleteIndex(pos, delPos, delLen int) int {
	switch {
	case pos <= delPos:
		return pos
	case pos >= delPos+delLen:
		return pos - delLen
	default:
		return delPos
	}
}

// SetLanguage sets the document's syntax highlighting language and
// broadcasts the change.
func (s *Session) SetLanguage(lang string, userID uint64, userName string) {
	s.mu.Lock()
	s.language = &lang
	s.mu.Unlock()
	s.lastEditTime.Store(time.Now().Unix())
	s.broadcast(protocol.NewLanguageMsg(lang, userID, userName))
}

// SetOTP updates the OTP gate and broadcasts the change.
func (s *Session) SetOTP(otp *string, userID uint64, userName string) {
	s.mu.Lock()
	s.otp = otp
	s.mu.Unlock()
	s.lastCriticalWrite.Store(time.Now().Unix())
	s.broadcast(protocol.NewOTPMsg(otp, userID, userName))
}

// SetUserInfo updates a user's display info and broadcasts it.
func (s *Session) SetUserInfo(userID uint64, info protocol.UserInfo) {
	s.mu.Lock()
	s.users[userID] = info
	s.mu.Unlock()
	s.broadcast(protocol.NewUserInfoMsg(userID, &info))
}

// SetCursorData updates a user's cursor positions and broadcasts them.
func (s *Session) SetCursorData(userID uint64, data protocol.CursorData) {
	s.mu.Lock()
	s.cursors[userID] = data
	s.mu.Unlock()
	s.broadcast(protocol.NewUserCursorMsg(userID, data))
}

// RemoveUser drops userID from the session's registry and broadcasts its
// departure.
func (s *Session) RemoveUser(userID uint64) {
	s.mu.Lock()
	delete(s.users, userID)
	delete(s.cursors, userID)
	s.mu.Unlock()
	s.Unsubscribe(userID)
	s.broadcast(protocol.NewUserInfoMsg(userID, nil))
}

// PendingEntries returns the session-record entries not yet flushed to
// storage and startSeq, the sequence number of the first of them; after
// flushing, the caller passes startSeq+len(entries) to MarkPersisted.
func (s *Session) PendingEntries() (startSeq int, entries []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.record.Entries()
	last := int(s.lastPersistedSeq.Load())
	if last >= len(all) {
		return len(all), nil
	}
	return last, append([]string(nil), all[last:]...)
}

// MarkPersisted records that entries up to seq have been durably flushed.
func (s *Session) MarkPersisted(seq int) { s.lastPersistedSeq.Store(int32(seq)) }

// Vector returns a copy of the Algorithm's current state vector, the value
// a heartbeat.Beater publishes for peers to fold into their own Cleanup.
func (s *Session) Vector() *adopted.StateVector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.algorithm.CurrentVector()
}

// Cleanup folds peerVectors into the Algorithm's own vector and discards
// any request-log entries the minimum proves are no longer reachable.
func (s *Session) Cleanup(peerVectors map[uint64]*adopted.StateVector) {
	if dropped := s.algorithm.Cleanup(peerVectors); dropped > 0 {
		metrics.CleanupLogEntriesDropped.Add(float64(dropped))
	}
}

func (s *Session) notifyWaiters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyWaitersLocked()
}

func (s *Session) notifyWaitersLocked() {
	if s.killed.Load() {
		return
	}
	close(s.notify)
	s.notify = make(chan struct{})
}
