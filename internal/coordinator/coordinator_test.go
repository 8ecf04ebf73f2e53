package coordinator

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/arannis/meshcast/internal/bitfield"
	"github.com/arannis/meshcast/internal/chunker"
	"github.com/arannis/meshcast/internal/frame"
	"github.com/arannis/meshcast/internal/swarm"
	"github.com/arannis/meshcast/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// These tests exercise the Coordinator's internal bookkeeping and
// swarm/frame translation directly, without a live tracker or transport —
// the event loop goroutine is never started, so helper methods are called
// synchronously from the test goroutine itself (safe: nothing else is
// touching this Coordinator's state).

func newTestCoordinator() *Coordinator {
	return &Coordinator{
		log:            discardLogger(),
		swarms:         swarm.NewManager(),
		links:          transport.NewManager(discardLogger(), nil, transport.Callbacks{}),
		peerBitfields:  make(map[string]map[string]bitfield.Bitfield),
		informed:       make(map[string]map[string]bool),
		packages:       make(map[string]chunker.Package),
		connectedPeers: make(map[string]bool),
	}
}

func TestPushMetadataAndBitfieldIsIdempotent(t *testing.T) {
	c := newTestCoordinator()
	c.swarms.CreateSwarm("content-1", swarm.Metadata{Total: 4, PieceSize: 10}, []chunker.Piece{
		{ContentID: "content-1", Index: 0, Total: 4, Data: []byte("a")},
	})

	if c.informed["content-1"]["peer-a"] {
		t.Fatal("expected peer-a not informed yet")
	}

	// peer-a has no open channel in this Manager, so both sends fail and
	// are only logged; the informed set still records peer-a as handled.
	c.pushMetadataAndBitfield("content-1", "peer-a")

	if !c.informed["content-1"]["peer-a"] {
		t.Fatal("expected peer-a marked informed")
	}

	// A second push for the same peer is a no-op.
	c.pushMetadataAndBitfield("content-1", "peer-a")

	if !c.informed["content-1"]["peer-a"] || len(c.informed["content-1"]) != 1 {
		t.Fatalf("expected a repeated push to leave only peer-a informed, got %v", c.informed["content-1"])
	}
}

func TestHandleMetadataFrameRegistersLeecherSwarmOnce(t *testing.T) {
	c := newTestCoordinator()

	meta := chunkerMetadataFor(t, "content-2", 3, 8)
	c.handleMetadataFrame("peer-a", meta)

	sw, ok := c.swarms.Swarm("content-2")
	if !ok {
		t.Fatal("expected swarm registered after metadata frame")
	}
	if sw.State() != swarm.Leeching {
		t.Fatalf("expected fresh metadata swarm to be leeching, got %s", sw.State())
	}
	if sw.Metadata.Total != 3 {
		t.Fatalf("expected total 3, got %d", sw.Metadata.Total)
	}

	// A second metadata frame for the same content id must be a no-op:
	// capture the swarm pointer and confirm it's unchanged.
	before := sw
	c.handleMetadataFrame("peer-b", meta)
	after, _ := c.swarms.Swarm("content-2")
	if before != after {
		t.Fatal("duplicate metadata frame must not replace the existing swarm")
	}
}

func TestHandleBitfieldFrameStoresAndTriggersRequest(t *testing.T) {
	c := newTestCoordinator()
	c.swarms.CreateSwarm("content-3", swarm.Metadata{Total: 2, PieceSize: 8}, nil)

	bf := bitfield.New(2)
	bf.Set(0)
	bf.Set(1)

	raw := bitfieldFramePayload(t, "content-3", bf.Bytes())
	c.handleBitfieldFrame("peer-a", raw)

	stored := c.peerBitfieldFor("peer-a", "content-3")
	if !stored.Has(0) || !stored.Has(1) {
		t.Fatal("expected peer bitfield stored with both bits set")
	}

	// A bootstrap request should already be in flight for index 0: asking
	// the manager for a second bootstrap request from the same peer must
	// skip it and land on index 1 instead.
	again := c.swarms.RequestChunksFromPeer("peer-a", "content-3", stored)
	if len(again) != 1 || again[0].Index != 1 {
		t.Fatalf("expected the second bootstrap request to skip the in-flight index 0, got %+v", again)
	}
}

func TestHandlePieceFrameRoutesThroughSwarmManager(t *testing.T) {
	c := newTestCoordinator()
	ck := chunker.New(4)
	pkg, pieces, err := ck.Prepare([]byte("abcdefgh"), chunker.Transform{}, chunker.Provenance{ProducerID: "peer-a"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	c.packages[pkg.ContentID] = pkg
	c.swarms.CreateSwarm(pkg.ContentID, swarm.Metadata{Total: pieces[0].Total, PieceSize: 4}, nil)

	p := pieces[0]
	raw := pieceFramePayload(t, p)

	var progressSeen []int
	c.sink = fakeSink{onProgress: func(contentID string, percent int) {
		progressSeen = append(progressSeen, percent)
	}}

	c.handlePieceFrame("peer-a", raw)

	sw, _ := c.swarms.Swarm(pkg.ContentID)
	if !sw.Owns(0) {
		t.Fatal("expected piece 0 owned after a valid piece frame")
	}
	if len(progressSeen) != 1 {
		t.Fatalf("expected exactly one progress event, got %d", len(progressSeen))
	}
}

func TestHandlePeerGoneClearsStateAndNotifiesSink(t *testing.T) {
	c := newTestCoordinator()
	c.swarms.CreateSwarm("content-4", swarm.Metadata{Total: 2, PieceSize: 4}, nil)
	c.peerBitfields["peer-a"] = map[string]bitfield.Bitfield{"content-4": bitfield.New(2)}
	c.informed["content-4"] = map[string]bool{"peer-a": true}
	c.connectedPeers["peer-a"] = true

	var disconnected string
	c.sink = fakeSink{onDisconnected: func(peerID string) { disconnected = peerID }}

	c.handlePeerGone("peer-a")

	if _, ok := c.peerBitfields["peer-a"]; ok {
		t.Fatal("expected peer bitfields removed")
	}
	if c.informed["content-4"]["peer-a"] {
		t.Fatal("expected informed flag cleared")
	}
	if disconnected != "peer-a" {
		t.Fatalf("expected sink notified of peer-a, got %q", disconnected)
	}
}

func TestHandlePeerGoneIsIdempotent(t *testing.T) {
	c := newTestCoordinator()
	c.connectedPeers["peer-a"] = true

	var notifications int
	c.sink = fakeSink{onDisconnected: func(string) { notifications++ }}

	// Mirrors a transport that fires OnClosed then OnDisconnected for the
	// same drop: only the first call should reach the sink.
	c.handlePeerGone("peer-a")
	c.handlePeerGone("peer-a")

	if notifications != 1 {
		t.Fatalf("expected exactly one peerDisconnected notification, got %d", notifications)
	}
}

// --- test helpers -----------------------------------------------------

type fakeSink struct {
	onConnected    func(string)
	onDisconnected func(string)
	onModel        func(chunker.Package, []byte)
	onProgress     func(string, int)
}

func (f fakeSink) OnPeerConnected(peerID string) {
	if f.onConnected != nil {
		f.onConnected(peerID)
	}
}
func (f fakeSink) OnPeerDisconnected(peerID string) {
	if f.onDisconnected != nil {
		f.onDisconnected(peerID)
	}
}
func (f fakeSink) OnModelReceived(pkg chunker.Package, blob []byte) {
	if f.onModel != nil {
		f.onModel(pkg, blob)
	}
}
func (f fakeSink) OnDownloadProgress(contentID string, percent int) {
	if f.onProgress != nil {
		f.onProgress(contentID, percent)
	}
}

func chunkerMetadataFor(t *testing.T, contentID string, total, pieceSize int) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(frame.Metadata{ContentID: contentID, Total: total, PieceSize: pieceSize})
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	return raw
}

func bitfieldFramePayload(t *testing.T, contentID string, bits []byte) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(frame.Bitfield{ContentID: contentID, Bits: bits})
	if err != nil {
		t.Fatalf("marshal bitfield: %v", err)
	}
	return raw
}

func pieceFramePayload(t *testing.T, p chunker.Piece) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(frame.Piece{
		ContentID: p.ContentID, Index: p.Index, Total: p.Total, Data: p.Data, Checksum: p.Checksum,
	})
	if err != nil {
		t.Fatalf("marshal piece: %v", err)
	}
	return raw
}
