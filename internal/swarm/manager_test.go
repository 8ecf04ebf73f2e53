package swarm

import (
	"testing"
	"time"

	"github.com/arannis/meshcast/internal/bitfield"
	"github.com/arannis/meshcast/internal/chunker"
	"github.com/arannis/meshcast/internal/config"
)

func allOnes(n int) bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func TestCreateSwarmSeederVsLeecher(t *testing.T) {
	m := NewManager()

	leech := m.CreateSwarm("a", Metadata{Total: 3}, nil)
	if leech.State() != Leeching {
		t.Fatalf("expected leecher state with no initial pieces")
	}

	pieces := []chunker.Piece{{ContentID: "b", Index: 0, Total: 1, Data: []byte("x")}}
	seed := m.CreateSwarm("b", Metadata{Total: 1}, pieces)
	if seed.State() != Seeding {
		t.Fatalf("expected seeder state with initial pieces supplied")
	}
}

func TestRequestMoreChunksRarestFirst(t *testing.T) {
	m := NewManager()
	m.CreateSwarm("x", Metadata{Total: 5}, nil)

	// A has {0,1,2,3,4}; B has {0,1}. Indices 2,3,4 are rarer (rarity 1).
	peers := PeerBitfields{
		"A": allOnes(5),
		"B": func() bitfield.Bitfield {
			bf := bitfield.New(5)
			bf.Set(0)
			bf.Set(1)
			return bf
		}(),
	}

	actions := m.RequestMoreChunks("x", peers)

	var firstTwoFromA []int
	for _, a := range actions {
		if a.PeerID == "A" && a.Kind == RequestChunk {
			firstTwoFromA = append(firstTwoFromA, a.Index)
		}
	}
	if len(firstTwoFromA) < 2 {
		t.Fatalf("expected at least 2 requests to A, got %v", firstTwoFromA)
	}
	if firstTwoFromA[0] != 2 || firstTwoFromA[1] != 3 {
		t.Fatalf("expected rarest indices 2,3 requested first from A, got %v", firstTwoFromA)
	}
}

func TestPipelineBudgetRespected(t *testing.T) {
	m := NewManager()
	m.CreateSwarm("x", Metadata{Total: 20}, nil)

	peers := PeerBitfields{"A": allOnes(20)}
	actions := m.RequestMoreChunks("x", peers)

	k := config.Load().PipelineBudgetK
	if len(actions) != k {
		t.Fatalf("len(actions) = %d, want pipeline budget %d", len(actions), k)
	}

	sw, _ := m.Swarm("x")
	if sw.countRequestedBy("A") != k {
		t.Fatalf("countRequestedBy(A) = %d, want %d", sw.countRequestedBy("A"), k)
	}
}

func TestHandlePieceVerifiesChecksum(t *testing.T) {
	m := NewManager()
	c := chunker.New(1024)
	_, pieces, _ := c.Prepare([]byte("hello world"), chunker.Transform{}, chunker.Provenance{})

	m.CreateSwarm(pieces[0].ContentID, Metadata{Total: 1, PieceSize: 1024}, nil)
	sw, _ := m.Swarm(pieces[0].ContentID)
	sw.requested[0] = request{peerID: "A", requestedAt: time.Now()}

	corrupt := pieces[0]
	corrupt.Data = append([]byte(nil), corrupt.Data...)
	corrupt.Data[0] ^= 0xFF

	actions, err := m.HandlePiece("A", pieces[0].ContentID, corrupt, nil)
	if err != nil {
		t.Fatalf("HandlePiece: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected no actions for a corrupted piece, got %v", actions)
	}
	if sw.Owns(0) {
		t.Fatalf("corrupted piece must not be marked owned")
	}
	if _, stillRequested := sw.requested[0]; stillRequested {
		t.Fatalf("expected the request slot to be released on checksum failure")
	}
}

func TestHandlePieceEmitsHaveProgressThenComplete(t *testing.T) {
	m := NewManager()
	c := chunker.New(1024)
	_, pieces, _ := c.Prepare([]byte("x"), chunker.Transform{}, chunker.Provenance{})

	m.CreateSwarm(pieces[0].ContentID, Metadata{Total: 1, PieceSize: 1024}, nil)

	actions, err := m.HandlePiece("A", pieces[0].ContentID, pieces[0], PeerBitfields{})
	if err != nil {
		t.Fatalf("HandlePiece: %v", err)
	}
	if len(actions) != 3 {
		t.Fatalf("actions = %+v, want 3 (have, progress, complete)", actions)
	}
	if actions[0].Kind != BroadcastHave || actions[1].Kind != DownloadProgress || actions[2].Kind != DownloadComplete {
		t.Fatalf("unexpected action order: %+v", actions)
	}
}

func TestOwnedAndRequestedNeverOverlap(t *testing.T) {
	m := NewManager()
	m.CreateSwarm("x", Metadata{Total: 3}, nil)
	peers := PeerBitfields{"A": allOnes(3)}

	m.RequestMoreChunks("x", peers)
	sw, _ := m.Swarm("x")

	p0 := chunker.Piece{ContentID: "x", Index: 0, Total: 3, Data: []byte("a")}
	sw.received[0] = p0 // simulate direct ownership without going through HandlePiece's checksum path
	sw.Owned.Set(0)
	delete(sw.requested, 0)

	for idx := range sw.requested {
		if sw.Owned.Has(idx) {
			t.Fatalf("index %d is both owned and requested", idx)
		}
	}
}

func TestZeroBitfieldPeerGetsNoRequests(t *testing.T) {
	m := NewManager()
	m.CreateSwarm("x", Metadata{Total: 3}, nil)

	peers := PeerBitfields{"A": bitfield.New(3)} // all zero
	actions := m.RequestMoreChunks("x", peers)
	if len(actions) != 0 {
		t.Fatalf("expected no actions for an all-zero peer bitfield, got %v", actions)
	}
}

func TestHandleRequestServesOwnedOnly(t *testing.T) {
	m := NewManager()
	c := chunker.New(1024)
	_, pieces, _ := c.Prepare([]byte("hello"), chunker.Transform{}, chunker.Provenance{})
	m.CreateSwarm(pieces[0].ContentID, Metadata{Total: 1, PieceSize: 1024}, pieces)

	actions := m.HandleRequest("B", pieces[0].ContentID, 0)
	if len(actions) != 1 || actions[0].Kind != SendPiece {
		t.Fatalf("expected a send_piece action for an owned index, got %+v", actions)
	}

	actions = m.HandleRequest("B", pieces[0].ContentID, 5)
	if len(actions) != 0 {
		t.Fatalf("expected no action for an unowned index, got %+v", actions)
	}
}

func TestCheckTimeoutsReleasesStaleRequests(t *testing.T) {
	m := NewManager()
	m.CreateSwarm("x", Metadata{Total: 1}, nil)
	fakeNow := time.Now()
	m.now = func() time.Time { return fakeNow }

	sw, _ := m.Swarm("x")
	sw.requested[0] = request{peerID: "A", requestedAt: fakeNow.Add(-2 * config.Load().RequestTimeout)}

	m.CheckTimeouts("x")
	if _, stillThere := sw.requested[0]; stillThere {
		t.Fatalf("expected stale request to be released")
	}
}

func TestReleasePeerClearsOnlyThatPeersRequests(t *testing.T) {
	m := NewManager()
	m.CreateSwarm("x", Metadata{Total: 2}, nil)
	sw, _ := m.Swarm("x")
	sw.requested[0] = request{peerID: "A", requestedAt: time.Now()}
	sw.requested[1] = request{peerID: "B", requestedAt: time.Now()}

	m.ReleasePeer("x", "A")

	if _, ok := sw.requested[0]; ok {
		t.Fatalf("expected A's request to be released")
	}
	if _, ok := sw.requested[1]; !ok {
		t.Fatalf("expected B's request to survive")
	}
}
