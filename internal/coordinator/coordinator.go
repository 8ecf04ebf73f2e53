// Package coordinator is the top-level glue binding the Tracker, Transport,
// and Swarm Manager: it maps tracker events to transport operations and
// transport frames to swarm actions, and publishes lifecycle events to an
// external scene sink.
//
// Every subsystem here reports upward through callbacks rather than
// holding a reference back to Coordinator, and all of Coordinator's own
// mutable state — peer bitfields, the informed-set, known packages — is
// touched from exactly one goroutine: the event loop started by Run.
// External callers reach it only through methods that round-trip through
// that loop.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/arannis/meshcast/internal/bitfield"
	"github.com/arannis/meshcast/internal/chunker"
	"github.com/arannis/meshcast/internal/frame"
	"github.com/arannis/meshcast/internal/scene"
	"github.com/arannis/meshcast/internal/signaling"
	"github.com/arannis/meshcast/internal/swarm"
	"github.com/arannis/meshcast/internal/tracker"
	"github.com/arannis/meshcast/internal/transport"
)

// Coordinator is one participant's session: one tracker connection, one
// transport manager, and one swarm registry.
type Coordinator struct {
	log     *slog.Logger
	chunker *chunker.Chunker
	swarms  *swarm.Manager
	tracker *tracker.Client
	links   *transport.Manager
	sink    scene.Sink

	events chan func()

	// Touched only from the event loop goroutine started by Run.
	peerBitfields  map[string]map[string]bitfield.Bitfield // peerId -> contentId -> bits
	informed       map[string]map[string]bool              // contentId -> peerId -> already sent metadata+bitfield
	packages       map[string]chunker.Package              // contentId -> package (transform+provenance)
	connectedPeers map[string]bool                         // peerId -> still open, guards against duplicate gone events
}

// New builds a Coordinator that will dial trackerURL once Run is called.
// iceServers configures the ICE/STUN/TURN endpoints (opaque to this
// module); sink is the external scene collaborator, or scene.NoopSink{}
// when running headless.
func New(log *slog.Logger, trackerURL string, iceServers []webrtc.ICEServer, sink scene.Sink) *Coordinator {
	c := &Coordinator{
		log:            log.With("component", "coordinator"),
		chunker:        chunker.New(0),
		swarms:         swarm.NewManager(),
		tracker:        tracker.NewClient(log, trackerURL),
		sink:           sink,
		events:         make(chan func(), 256),
		peerBitfields:  make(map[string]map[string]bitfield.Bitfield),
		informed:       make(map[string]map[string]bool),
		packages:       make(map[string]chunker.Package),
		connectedPeers: make(map[string]bool),
	}

	c.links = transport.NewManager(log, iceServers, transport.Callbacks{
		OnOpen:         c.enqueue1("channel open", c.handleChannelOpen),
		OnFrame:        c.enqueueFrame,
		OnDisconnected: c.enqueue1("peer disconnected", c.handlePeerGone),
		OnClosed:       c.enqueue1("peer closed", c.handlePeerGone),
		OnOffer:        c.forwardOffer,
		OnAnswer:       c.forwardAnswer,
		OnICECandidate: c.forwardICECandidate,
	})

	return c
}

func (c *Coordinator) enqueue1(label string, fn func(peerID string)) func(string) {
	return func(peerID string) {
		select {
		case c.events <- func() { fn(peerID) }:
		default:
			c.log.Warn("event queue full, dropping", "event", label, "peer", peerID)
		}
	}
}

func (c *Coordinator) enqueueFrame(peerID string, data []byte) {
	select {
	case c.events <- func() { c.handleFrame(peerID, data) }:
	default:
		c.log.Warn("event queue full, dropping inbound frame", "peer", peerID)
	}
}

func (c *Coordinator) forwardOffer(peerID, sdp string) {
	if err := c.tracker.SendOffer(peerID, sdp); err != nil {
		c.log.Warn("failed to forward offer", "peer", peerID, "error", err)
	}
}

func (c *Coordinator) forwardAnswer(peerID, sdp string) {
	if err := c.tracker.SendAnswer(peerID, sdp); err != nil {
		c.log.Warn("failed to forward answer", "peer", peerID, "error", err)
	}
}

func (c *Coordinator) forwardICECandidate(peerID, candidate string) {
	if err := c.tracker.SendICECandidate(peerID, candidate); err != nil {
		c.log.Warn("failed to forward ice candidate", "peer", peerID, "error", err)
	}
}

// Run drives the tracker connection and the single-threaded event loop
// until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.tracker.Run(gctx) })
	g.Go(func() error { return c.loop(gctx) })

	return g.Wait()
}

func (c *Coordinator) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.links.CloseAll()
			return ctx.Err()

		case fn := <-c.events:
			fn()

		case env, ok := <-c.tracker.Inbox():
			if !ok {
				continue
			}
			c.handleTrackerEnvelope(env)
		}
	}
}

// submit runs fn on the event loop goroutine and waits for it, letting
// external callers (e.g. ShareModel) safely touch Coordinator state that
// is otherwise only ever read or written by loop.
func (c *Coordinator) submit(fn func() error) error {
	done := make(chan error, 1)
	c.events <- func() { done <- fn() }
	return <-done
}

func (c *Coordinator) handleTrackerEnvelope(env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeWelcome:
		if err := c.tracker.RequestConnection(); err != nil {
			c.log.Warn("request-connection failed", "error", err)
		}

	case signaling.TypeRequestConnection:
		var rc signaling.RequestConnection
		if err := env.UnmarshalPayload(&rc); err != nil || rc.From == "" {
			return
		}
		if rc.From == c.tracker.ParticipantID() {
			return
		}
		sdp, err := c.links.Connect(rc.From)
		if err != nil {
			c.log.Info("declined to open toward peer", "peer", rc.From, "error", err)
			return
		}
		c.forwardOffer(rc.From, sdp)

	case signaling.TypeOffer:
		var sd signaling.SessionDescription
		if err := env.UnmarshalPayload(&sd); err != nil {
			return
		}
		answer, err := c.links.AcceptOffer(sd.From, sd.Payload)
		if err != nil {
			c.log.Info("declined inbound offer", "peer", sd.From, "error", err)
			return
		}
		c.forwardAnswer(sd.From, answer)

	case signaling.TypeAnswer:
		var sd signaling.SessionDescription
		if err := env.UnmarshalPayload(&sd); err != nil {
			return
		}
		if err := c.links.HandleAnswer(sd.From, sd.Payload); err != nil {
			c.log.Warn("failed to apply answer", "peer", sd.From, "error", err)
		}

	case signaling.TypeICECandidate:
		var ic signaling.ICECandidate
		if err := env.UnmarshalPayload(&ic); err != nil {
			return
		}
		if err := c.links.HandleICECandidate(ic.From, ic.Payload); err != nil {
			c.log.Debug("failed to apply ice candidate", "peer", ic.From, "error", err)
		}

	case signaling.TypePeerJoinedSwarm, signaling.TypePeerLeftSwarm, signaling.TypeAnnounceResponse:
		// Informational only: transport lifecycle (open/close) is driven
		// by request-connection and the transport's own state machine,
		// not by tracker membership snapshots.

	default:
		c.log.Debug("ignoring unhandled tracker envelope", "type", env.Type)
	}
}

func (c *Coordinator) handleChannelOpen(peerID string) {
	c.connectedPeers[peerID] = true

	for _, contentID := range c.swarms.ContentIDs() {
		sw, ok := c.swarms.Swarm(contentID)
		if ok && sw.State() == swarm.Seeding {
			c.pushMetadataAndBitfield(contentID, peerID)
		}
	}
	c.sink.OnPeerConnected(peerID)
}

func (c *Coordinator) pushMetadataAndBitfield(contentID, peerID string) {
	if c.informed[contentID][peerID] {
		return
	}

	sw, ok := c.swarms.Swarm(contentID)
	if !ok {
		return
	}
	pkg := c.packages[contentID]

	c.sendFrame(peerID, frame.KindMetadata, frame.Metadata{
		ContentID:  contentID,
		Total:      sw.Metadata.Total,
		PieceSize:  sw.Metadata.PieceSize,
		Transform:  pkg.Transform,
		Provenance: pkg.Provenance,
	})
	c.sendFrame(peerID, frame.KindBitfield, frame.Bitfield{
		ContentID: contentID,
		Bits:      sw.Owned.Bytes(),
	})

	if c.informed[contentID] == nil {
		c.informed[contentID] = make(map[string]bool)
	}
	c.informed[contentID][peerID] = true
}

// handlePeerGone is idempotent: the transport fires OnClosed and
// OnDisconnected for the same drop (a grace-window eviction closes the
// connection before reporting disconnected, and a dead ICE restart does
// the same), but the upward peerDisconnected notification must surface
// exactly once.
func (c *Coordinator) handlePeerGone(peerID string) {
	if !c.connectedPeers[peerID] {
		return
	}
	delete(c.connectedPeers, peerID)

	for contentID := range c.informed {
		delete(c.informed[contentID], peerID)
	}
	delete(c.peerBitfields, peerID)

	for _, contentID := range c.swarms.ContentIDs() {
		c.swarms.ReleasePeer(contentID, peerID)
	}
	for _, contentID := range c.swarms.ContentIDs() {
		sw, ok := c.swarms.Swarm(contentID)
		if !ok || sw.State() != swarm.Leeching {
			continue
		}
		c.dispatch(contentID, c.swarms.RequestMoreChunks(contentID, c.peerBitfieldsFor(contentID)))
	}

	c.sink.OnPeerDisconnected(peerID)
}

func (c *Coordinator) handleFrame(peerID string, data []byte) {
	kind, payload, err := frame.Decode(data)
	if err != nil {
		c.log.Debug("dropping malformed or unknown frame", "peer", peerID, "error", err)
		return
	}

	switch kind {
	case frame.KindMetadata:
		c.handleMetadataFrame(peerID, payload)
	case frame.KindBitfield:
		c.handleBitfieldFrame(peerID, payload)
	case frame.KindHave:
		c.handleHaveFrame(peerID, payload)
	case frame.KindRequest:
		c.handleRequestFrame(peerID, payload)
	case frame.KindPiece:
		c.handlePieceFrame(peerID, payload)
	}
}

func (c *Coordinator) handleMetadataFrame(peerID string, payload json.RawMessage) {
	var meta frame.Metadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		c.log.Debug("dropping malformed metadata frame", "peer", peerID, "error", err)
		return
	}

	if _, known := c.swarms.Swarm(meta.ContentID); known {
		return // duplicate metadata for already-known content is a no-op
	}

	c.packages[meta.ContentID] = chunker.Package{
		ContentID:  meta.ContentID,
		Transform:  meta.Transform,
		Provenance: meta.Provenance,
	}
	c.swarms.CreateSwarm(meta.ContentID, swarm.Metadata{
		Total:      meta.Total,
		PieceSize:  meta.PieceSize,
		Transform:  meta.Transform,
		Provenance: meta.Provenance,
	}, nil)

	c.log.Info("learned new content", "contentId", meta.ContentID, "from", peerID, "pieces", meta.Total)
}

func (c *Coordinator) handleBitfieldFrame(peerID string, payload json.RawMessage) {
	var bf frame.Bitfield
	if err := json.Unmarshal(payload, &bf); err != nil {
		return
	}

	c.storePeerBitfield(peerID, bf.ContentID, bitfield.FromBytes(bf.Bits))

	sw, ok := c.swarms.Swarm(bf.ContentID)
	if !ok || sw.State() != swarm.Leeching {
		return
	}
	c.dispatch(bf.ContentID, c.swarms.RequestChunksFromPeer(peerID, bf.ContentID, c.peerBitfieldFor(peerID, bf.ContentID)))
}

func (c *Coordinator) handleHaveFrame(peerID string, payload json.RawMessage) {
	var h frame.Have
	if err := json.Unmarshal(payload, &h); err != nil {
		return
	}

	c.setPeerBit(peerID, h.ContentID, h.Index)

	sw, ok := c.swarms.Swarm(h.ContentID)
	if !ok || sw.State() != swarm.Leeching {
		return
	}
	c.dispatch(h.ContentID, c.swarms.RequestChunksFromPeer(peerID, h.ContentID, c.peerBitfieldFor(peerID, h.ContentID)))
}

func (c *Coordinator) handleRequestFrame(peerID string, payload json.RawMessage) {
	var r frame.Request
	if err := json.Unmarshal(payload, &r); err != nil {
		return
	}
	c.dispatch(r.ContentID, c.swarms.HandleRequest(peerID, r.ContentID, r.Index))
}

func (c *Coordinator) handlePieceFrame(peerID string, payload json.RawMessage) {
	var pf frame.Piece
	if err := json.Unmarshal(payload, &pf); err != nil {
		return
	}

	c.swarms.CheckTimeouts(pf.ContentID)

	p := chunker.Piece{ContentID: pf.ContentID, Index: pf.Index, Total: pf.Total, Data: pf.Data, Checksum: pf.Checksum}
	actions, err := c.swarms.HandlePiece(peerID, pf.ContentID, p, c.peerBitfieldsFor(pf.ContentID))
	if err != nil {
		c.log.Debug("handlePiece failed", "contentId", pf.ContentID, "error", err)
		return
	}
	c.dispatch(pf.ContentID, actions)
}

// dispatch executes every action the Swarm Manager returned, translating
// each into a Transport send, a scene-sink event, or a tracker re-announce.
func (c *Coordinator) dispatch(contentID string, actions []swarm.Action) {
	for _, a := range actions {
		switch a.Kind {
		case swarm.RequestChunk:
			c.sendFrame(a.PeerID, frame.KindRequest, frame.Request{ContentID: a.ContentID, Index: a.Index})

		case swarm.SendPiece:
			c.sendFrame(a.PeerID, frame.KindPiece, frame.Piece{
				ContentID: a.ContentID, Index: a.Piece.Index, Total: a.Piece.Total,
				Data: a.Piece.Data, Checksum: a.Piece.Checksum,
			})

		case swarm.BroadcastHave:
			for _, peerID := range c.links.OpenPeers() {
				c.sendFrame(peerID, frame.KindHave, frame.Have{ContentID: a.ContentID, Index: a.Index})
			}

		case swarm.DownloadProgress:
			c.sink.OnDownloadProgress(a.ContentID, a.Percent)

		case swarm.DownloadComplete:
			c.completeDownload(contentID)
		}
	}
}

func (c *Coordinator) completeDownload(contentID string) {
	sw, ok := c.swarms.Swarm(contentID)
	if !ok {
		return
	}

	assembler := chunker.New(sw.Metadata.PieceSize)
	blob, err := assembler.Assemble(sw.Pieces())
	if err != nil {
		c.log.Error("assembly failed, dropping content", "contentId", contentID, "error", err)
		return
	}

	pkg := c.packages[contentID]
	c.sink.OnModelReceived(pkg, blob)

	if err := c.tracker.Announce(contentID, true); err != nil {
		c.log.Warn("re-announce as complete failed", "contentId", contentID, "error", err)
	}
}

func (c *Coordinator) sendFrame(peerID string, kind frame.Kind, payload any) {
	raw, err := frame.Encode(kind, payload)
	if err != nil {
		c.log.Warn("failed to encode frame", "kind", kind, "error", err)
		return
	}
	if err := c.links.Send(peerID, raw); err != nil {
		c.log.Debug("failed to send frame", "peer", peerID, "kind", kind, "error", err)
	}
}

func (c *Coordinator) storePeerBitfield(peerID, contentID string, bf bitfield.Bitfield) {
	if c.peerBitfields[peerID] == nil {
		c.peerBitfields[peerID] = make(map[string]bitfield.Bitfield)
	}
	c.peerBitfields[peerID][contentID] = bf
}

func (c *Coordinator) setPeerBit(peerID, contentID string, index int) {
	if c.peerBitfields[peerID] == nil {
		c.peerBitfields[peerID] = make(map[string]bitfield.Bitfield)
	}
	bf, ok := c.peerBitfields[peerID][contentID]
	if !ok {
		sw, known := c.swarms.Swarm(contentID)
		if !known {
			return
		}
		bf = bitfield.New(sw.Metadata.Total)
		c.peerBitfields[peerID][contentID] = bf
	}
	bf.Set(index)
}

func (c *Coordinator) peerBitfieldFor(peerID, contentID string) bitfield.Bitfield {
	return c.peerBitfields[peerID][contentID]
}

func (c *Coordinator) peerBitfieldsFor(contentID string) swarm.PeerBitfields {
	out := make(swarm.PeerBitfields)
	for peerID, byContent := range c.peerBitfields {
		if bf, ok := byContent[contentID]; ok {
			out[peerID] = bf
		}
	}
	return out
}

// ShareModel is the producer boundary: it slices data into pieces,
// registers a seeder swarm, announces completeness to the tracker, and
// pushes metadata+bitfield to every currently open peer.
func (c *Coordinator) ShareModel(data []byte, transform chunker.Transform, prov chunker.Provenance) (chunker.Package, error) {
	var pkg chunker.Package

	err := c.submit(func() error {
		p, pieces, err := c.chunker.Prepare(data, transform, prov)
		if err != nil {
			return err
		}
		pkg = p

		pieceSize := c.chunker.PieceSize()
		c.packages[pkg.ContentID] = pkg
		c.swarms.CreateSwarm(pkg.ContentID, swarm.Metadata{
			Total:      pieces[0].Total,
			PieceSize:  pieceSize,
			Transform:  transform,
			Provenance: pkg.Provenance,
		}, pieces)

		for _, peerID := range c.links.OpenPeers() {
			c.pushMetadataAndBitfield(pkg.ContentID, peerID)
		}

		return c.tracker.Announce(pkg.ContentID, true)
	})

	return pkg, err
}

// Stats reports download progress and piece ownership for contentID.
func (c *Coordinator) Stats(contentID string) (owned, total int, state swarm.State, err error) {
	err = c.submit(func() error {
		sw, ok := c.swarms.Swarm(contentID)
		if !ok {
			return fmt.Errorf("coordinator: unknown content %q", contentID)
		}
		owned, total, state = sw.Owned.Count(), sw.Metadata.Total, sw.State()
		return nil
	})
	return owned, total, state, err
}

// CloseReport summarizes what Leave tore down, for logging by the caller.
type CloseReport struct {
	PeersClosed  int
	SwarmsDropped int
}

// Leave tears down every transport and drops all swarm state on a best
// effort basis; nothing here is persisted. The tracker socket itself
// closes when the context passed to Run is canceled.
func (c *Coordinator) Leave() (CloseReport, error) {
	var report CloseReport

	err := c.submit(func() error {
		report.PeersClosed = len(c.links.OpenPeers())
		report.SwarmsDropped = len(c.swarms.ContentIDs())

		c.links.CloseAll()
		c.swarms.DropAll()
		c.peerBitfields = make(map[string]map[string]bitfield.Bitfield)
		c.informed = make(map[string]map[string]bool)
		c.packages = make(map[string]chunker.Package)
		c.connectedPeers = make(map[string]bool)
		return nil
	})

	return report, err
}
