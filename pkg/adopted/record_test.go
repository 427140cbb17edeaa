package adopted_test

import (
	"testing"

	"infinote/pkg/adopted"
	"infinote/pkg/textbuffer"
)

func TestSessionRecordReplayReconstructsBuffer(t *testing.T) {
	buf := textbuffer.New("")
	algo := adopted.NewAlgorithm(buf)
	record := adopted.NewSessionRecord()

	req1, err := algo.GenerateLocal(1, adopted.Insert{Pos: 0, Payload: adopted.Segment{Author: 1, Text: "hello"}})
	if err != nil {
		t.Fatal(err)
	}
	record.Append(req1)

	req2, err := algo.GenerateLocal(1, adopted.Insert{Pos: 5, Payload: adopted.Segment{Author: 1, Text: " world"}})
	if err != nil {
		t.Fatal(err)
	}
	record.Append(req2)

	if buf.String() != "hello world" {
		t.Fatalf("got %q", buf.String())
	}

	replayBuf := textbuffer.New("")
	replayAlgo := adopted.NewAlgorithm(replayBuf)
	if err := adopted.Replay(record.Entries(), replayAlgo); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayBuf.String() != buf.String() {
		t.Fatalf("replay = %q, want %q", replayBuf.String(), buf.String())
	}
}

func TestSessionRecordRoundTripsSplitOperations(t *testing.T) {
	split := adopted.Split{
		First:  adopted.Delete{Pos: 0, Len: 2},
		Second: adopted.Insert{Pos: 0, Payload: adopted.Segment{Author: 3, Text: "x|y\"z"}},
	}
	req := adopted.Request{
		UserID:    3,
		Vector:    adopted.NewStateVector(),
		Operation: split,
		Kind:      adopted.Do,
	}

	record := adopted.NewSessionRecord()
	record.Append(req)

	buf := textbuffer.New("ab")
	algo := adopted.NewAlgorithm(buf)
	if err := adopted.Replay(record.Entries(), algo); err != nil {
		t.Fatalf("Replay: %v", err)
	}
}

func TestLoadEntriesRoundTrip(t *testing.T) {
	buf := textbuffer.New("")
	algo := adopted.NewAlgorithm(buf)
	record := adopted.NewSessionRecord()

	req, err := algo.GenerateLocal(9, adopted.Insert{Pos: 0, Payload: adopted.Segment{Author: 9, Text: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	record.Append(req)

	loaded := adopted.LoadEntries(record.Entries())
	if len(loaded.Entries()) != 1 {
		t.Fatalf("loaded %d entries, want 1", len(loaded.Entries()))
	}
}
