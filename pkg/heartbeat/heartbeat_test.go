package heartbeat

import (
	"context"
	"testing"
	"time"

	"infinote/pkg/adopted"
)

// memoryExchanger is an in-memory Exchanger fake, standing in for Redis the
// way the teacher's own tests substitute an in-memory database for sqlite.
type memoryExchanger struct {
	published map[string]map[uint64]*adopted.StateVector
}

func newMemoryExchanger() *memoryExchanger {
	return &memoryExchanger{published: make(map[string]map[uint64]*adopted.StateVector)}
}

func (m *memoryExchanger) Publish(_ context.Context, documentID string, nodeID uint64, vector *adopted.StateVector, _ time.Duration) error {
	doc, ok := m.published[documentID]
	if !ok {
		doc = make(map[uint64]*adopted.StateVector)
		m.published[documentID] = doc
	}
	doc[nodeID] = vector
	return nil
}

func (m *memoryExchanger) Gather(_ context.Context, documentID string) (map[uint64]*adopted.StateVector, error) {
	out := make(map[uint64]*adopted.StateVector, len(m.published[documentID]))
	for id, v := range m.published[documentID] {
		out[id] = v
	}
	return out, nil
}

func vec(t *testing.T, s string) *adopted.StateVector {
	t.Helper()
	v, err := adopted.ParseVector(s)
	if err != nil {
		t.Fatalf("ParseVector(%q): %v", s, err)
	}
	return v
}

func TestBeaterTickExcludesSelf(t *testing.T) {
	exchanger := newMemoryExchanger()
	beater := NewBeater(exchanger, 1, time.Second, 0)

	peers, err := beater.Tick(context.Background(), "doc-a", vec(t, "1:3"))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected no peers on a lone node, got %v", peers)
	}
}

func TestBeaterTickSeesOtherNodes(t *testing.T) {
	exchanger := newMemoryExchanger()
	beaterA := NewBeater(exchanger, 1, time.Second, 0)
	beaterB := NewBeater(exchanger, 2, time.Second, 0)

	if _, err := beaterA.Tick(context.Background(), "doc-a", vec(t, "1:5")); err != nil {
		t.Fatalf("Tick A: %v", err)
	}

	peers, err := beaterB.Tick(context.Background(), "doc-a", vec(t, "1:2;2:1"))
	if err != nil {
		t.Fatalf("Tick B: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	got, ok := peers[1]
	if !ok {
		t.Fatal("expected node 1's vector in peers")
	}
	if got.String() != "1:5" {
		t.Errorf("peer vector = %q, want %q", got.String(), "1:5")
	}
}

func TestLoggingExchangerIsNoOp(t *testing.T) {
	var e LoggingExchanger
	if err := e.Publish(context.Background(), "doc-a", 1, vec(t, "1:1"), time.Second); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	peers, err := e.Gather(context.Background(), "doc-a")
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected no peers from LoggingExchanger, got %v", peers)
	}
}
