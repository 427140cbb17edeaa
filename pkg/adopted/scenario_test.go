package adopted_test

import (
	"errors"
	"strings"
	"testing"

	"infinote/pkg/adopted"
	"infinote/pkg/textbuffer"
)

// site bundles one participant's buffer and algorithm for the two-site
// convergence scenarios below.
type site struct {
	buf  *textbuffer.Buffer
	algo *adopted.Algorithm
}

func newSite(t *testing.T, initial string) *site {
	t.Helper()
	buf := textbuffer.New(initial)
	return &site{buf: buf, algo: adopted.NewAlgorithm(buf)}
}

func (s *site) generate(t *testing.T, user uint64, op adopted.Operation) adopted.Request {
	t.Helper()
	req, err := s.algo.GenerateLocal(user, op)
	if err != nil {
		t.Fatalf("GenerateLocal(user %d): %v", user, err)
	}
	return req
}

func (s *site) receive(t *testing.T, req adopted.Request) {
	t.Helper()
	if _, err := s.algo.ReceiveRemote(req); err != nil {
		t.Fatalf("ReceiveRemote(user %d): %v", req.UserID, err)
	}
}

func ins(user uint64, pos int, text string) adopted.Operation {
	return adopted.Insert{Pos: pos, Payload: adopted.Segment{Author: user, Text: text}}
}

func TestScenarioConcurrentInsertSamePosition(t *testing.T) {
	// Two sites insert at the same position; the lower user id wins the
	// left slot at both.
	a := newSite(t, "hello")
	b := newSite(t, "hello")

	reqA := a.generate(t, 1, ins(1, 2, "X"))
	reqB := b.generate(t, 2, ins(2, 2, "Y"))
	a.receive(t, reqB)
	b.receive(t, reqA)

	const want = "heXYllo"
	if a.buf.String() != want || b.buf.String() != want {
		t.Fatalf("A=%q B=%q, want both %q", a.buf.String(), b.buf.String(), want)
	}
}

func TestScenarioInsertVersusBracketingDelete(t *testing.T) {
	// A inserts inside the range B concurrently deletes; the insert
	// survives at the collapse point.
	a := newSite(t, "abcdef")
	b := newSite(t, "abcdef")

	reqA := a.generate(t, 1, ins(1, 3, "Z"))
	reqB := b.generate(t, 2, adopted.Delete{Pos: 2, Len: 3})
	a.receive(t, reqB)
	b.receive(t, reqA)

	const want = "abZf"
	if a.buf.String() != want || b.buf.String() != want {
		t.Fatalf("A=%q B=%q, want both %q", a.buf.String(), b.buf.String(), want)
	}
}

func TestScenarioDeleteSplitByInsert(t *testing.T) {
	// B's insert lands inside the range A concurrently deletes, forcing
	// A's delete to split around the inserted text.
	a := newSite(t, "abcdef")
	b := newSite(t, "abcdef")

	reqA := a.generate(t, 1, adopted.Delete{Pos: 1, Len: 4})
	reqB := b.generate(t, 2, ins(2, 3, "X"))
	a.receive(t, reqB)
	b.receive(t, reqA)

	const want = "aXf"
	if a.buf.String() != want || b.buf.String() != want {
		t.Fatalf("A=%q B=%q, want both %q", a.buf.String(), b.buf.String(), want)
	}
}

func TestScenarioUndoAcrossRemoteActivity(t *testing.T) {
	// User 1 types "hi" as two inserts, user 2 concurrently types "!"
	// after having seen only the "h"; user 1 then undoes both of its own
	// edits. Only user 2's contribution survives.
	s := newSite(t, "")

	s.generate(t, 1, ins(1, 0, "h"))
	s.generate(t, 1, ins(1, 1, "i"))

	remoteVec, err := adopted.ParseVector("1:1")
	if err != nil {
		t.Fatal(err)
	}
	s.receive(t, adopted.Request{
		UserID:    2,
		Vector:    remoteVec,
		Operation: ins(2, 1, "!"),
		Kind:      adopted.Do,
	})

	if _, err := s.algo.Undo(1, 1); err != nil {
		t.Fatalf("first undo: %v", err)
	}
	if _, err := s.algo.Undo(1, 0); err != nil {
		t.Fatalf("second undo: %v", err)
	}

	if got := s.buf.String(); got != "!" {
		t.Fatalf("buffer = %q, want %q", got, "!")
	}
	if got := s.algo.CurrentVector().String(); got != "1:4;2:1" {
		t.Fatalf("vector = %q, want %q", got, "1:4;2:1")
	}
}

func TestScenarioCleanupKeepsTrailingPeerIntegratable(t *testing.T) {
	// Two users burst requests; cleanup trims to a horizon the peers'
	// heartbeats trail by. A third user whose view trails by less than
	// the horizon must still integrate; one far behind it must not.
	s := newSite(t, "")
	const rounds = 500

	for i := 0; i < rounds; i++ {
		s.generate(t, 1, ins(1, 0, "a"))
		s.generate(t, 2, ins(2, 0, "b"))
	}

	horizon, err := adopted.ParseVector("1:490;2:490")
	if err != nil {
		t.Fatal(err)
	}
	dropped := s.algo.Cleanup(map[uint64]*adopted.StateVector{7: horizon})
	if dropped != 980 {
		t.Fatalf("cleanup dropped %d entries, want 980", dropped)
	}

	nearVec, err := adopted.ParseVector("1:495;2:495")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.algo.ReceiveRemote(adopted.Request{
		UserID: 3, Vector: nearVec, Operation: ins(3, 0, "z"), Kind: adopted.Do,
	}); err != nil {
		t.Fatalf("peer within the cleanup horizon must integrate, got %v", err)
	}

	farVec, err := adopted.ParseVector("1:100;2:100")
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.algo.ReceiveRemote(adopted.Request{
		UserID: 4, Vector: farVec, Operation: ins(4, 0, "q"), Kind: adopted.Do,
	})
	if !errors.Is(err, adopted.ErrLogGap) {
		t.Fatalf("peer beyond the cleanup horizon: got %v, want ErrLogGap", err)
	}
}

func TestScenarioReplayEquivalence(t *testing.T) {
	// Recording a session and replaying its records into a fresh core
	// yields an identical buffer, vector, and byte-identical re-recording.
	s := newSite(t, "")
	record := adopted.NewSessionRecord()

	record.Append(s.generate(t, 1, ins(1, 0, "hello")))
	record.Append(s.generate(t, 1, ins(1, 5, " world")))

	remoteVec, err := adopted.ParseVector("1:1")
	if err != nil {
		t.Fatal(err)
	}
	remote := adopted.Request{UserID: 2, Vector: remoteVec, Operation: adopted.Delete{Pos: 0, Len: 1}, Kind: adopted.Do}
	s.receive(t, remote)
	record.Append(remote)

	undoReq, err := s.algo.Undo(1, 1)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	record.Append(undoReq)

	replay := newSite(t, "")
	if err := adopted.Replay(record.Entries(), replay.algo); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replay.buf.String() != s.buf.String() {
		t.Fatalf("replayed buffer %q, want %q", replay.buf.String(), s.buf.String())
	}
	if !replay.algo.CurrentVector().Equal(s.algo.CurrentVector()) {
		t.Fatalf("replayed vector %s, want %s", replay.algo.CurrentVector(), s.algo.CurrentVector())
	}

	rerecorded := adopted.NewSessionRecord()
	for _, line := range record.Entries() {
		req, err := adopted.DecodeEntry(line)
		if err != nil {
			t.Fatalf("DecodeEntry: %v", err)
		}
		rerecorded.Append(req)
	}
	original := strings.Join(record.Entries(), "\n")
	roundTripped := strings.Join(rerecorded.Entries(), "\n")
	if original != roundTripped {
		t.Fatal("re-recorded entries are not byte-identical to the originals")
	}
}

func TestScenarioUndoRedoUndoEqualsSingleUndo(t *testing.T) {
	// Undo, Redo, Undo of the same edit leaves the buffer exactly where a
	// single Undo would have.
	once := newSite(t, "")
	once.generate(t, 1, ins(1, 0, "abc"))
	once.generate(t, 1, ins(1, 3, "def"))
	if _, err := once.algo.Undo(1, 1); err != nil {
		t.Fatalf("undo: %v", err)
	}

	thrice := newSite(t, "")
	thrice.generate(t, 1, ins(1, 0, "abc"))
	thrice.generate(t, 1, ins(1, 3, "def"))
	if _, err := thrice.algo.Undo(1, 1); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if _, err := thrice.algo.Redo(1, 1); err != nil {
		t.Fatalf("redo: %v", err)
	}
	if _, err := thrice.algo.Undo(1, 1); err != nil {
		t.Fatalf("second undo: %v", err)
	}

	if once.buf.String() != thrice.buf.String() {
		t.Fatalf("undo-redo-undo = %q, single undo = %q", thrice.buf.String(), once.buf.String())
	}
	if got, want := thrice.buf.String(), "abc"; got != want {
		t.Fatalf("buffer = %q, want %q", got, want)
	}
}
