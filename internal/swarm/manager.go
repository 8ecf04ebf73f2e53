package swarm

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/arannis/meshcast/internal/bitfield"
	"github.com/arannis/meshcast/internal/chunker"
	"github.com/arannis/meshcast/internal/config"
)

// ErrUnknownContent is returned by every operation that addresses a
// content id with no registered Swarm.
var ErrUnknownContent = errors.New("swarm: unknown content id")

// PeerBitfields is the coordinator's view of what every known peer has
// announced owning for one content id, keyed by peer id. The Manager
// never stores this itself — the coordinator keeps bitfields on its peer
// records, and every operation here that needs one takes it as an
// argument.
type PeerBitfields map[string]bitfield.Bitfield

// Manager is the registry of Swarms for one participant. It is a pure
// action-intent core: every method returns Actions instead of performing
// I/O.
type Manager struct {
	swarms map[string]*Swarm
	now    func() time.Time // overridable for deterministic tests
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	return &Manager{swarms: make(map[string]*Swarm), now: time.Now}
}

// Swarm returns the registered swarm for contentID, if any.
func (m *Manager) Swarm(contentID string) (*Swarm, bool) {
	sw, ok := m.swarms[contentID]
	return sw, ok
}

// ContentIDs returns every registered content id, order unspecified.
func (m *Manager) ContentIDs() []string {
	ids := make([]string, 0, len(m.swarms))
	for id := range m.swarms {
		ids = append(ids, id)
	}
	return ids
}

// DropAll clears the registry.
func (m *Manager) DropAll() {
	m.swarms = make(map[string]*Swarm)
}

// Stats is an aggregate snapshot across every registered swarm.
type Stats struct {
	Swarms      int
	Seeding     int
	Leeching    int
	PiecesOwned int
}

// Stats aggregates ownership counts across the whole registry.
func (m *Manager) Stats() Stats {
	s := Stats{Swarms: len(m.swarms)}
	for _, sw := range m.swarms {
		if sw.State() == Seeding {
			s.Seeding++
		} else {
			s.Leeching++
		}
		s.PiecesOwned += sw.Owned.Count()
	}
	return s
}

// CreateSwarm registers a new Swarm. If initialPieces is non-empty the
// swarm starts in seeder state with every listed piece marked owned;
// otherwise it starts as an empty leecher waiting on meta.Total pieces.
func (m *Manager) CreateSwarm(contentID string, meta Metadata, initialPieces []chunker.Piece) *Swarm {
	sw := newSwarm(contentID, meta)
	for _, p := range initialPieces {
		sw.Owned.Set(p.Index)
		sw.received[p.Index] = p
	}
	m.swarms[contentID] = sw
	return sw
}

// HandlePiece verifies an inbound piece and, on success, updates
// ownership and returns the follow-on actions in order: broadcast_have,
// download_progress, then either download_complete or a fresh batch of
// request_chunk actions. A checksum
// failure clears the request slot and returns no actions (the re-request
// happens on the next selection pass).
func (m *Manager) HandlePiece(peerID, contentID string, p chunker.Piece, peerBitfields PeerBitfields) ([]Action, error) {
	sw, ok := m.swarms[contentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContent, contentID)
	}

	c := chunker.New(sw.Metadata.PieceSize)
	if !c.Verify(p) {
		delete(sw.requested, p.Index)
		return nil, nil
	}

	sw.received[p.Index] = p
	sw.Owned.Set(p.Index)
	delete(sw.requested, p.Index)

	actions := []Action{
		broadcastHaveAction(contentID, p.Index),
		downloadProgressAction(contentID, sw.Progress()),
	}

	if sw.State() == Seeding {
		actions = append(actions, downloadCompleteAction(contentID))
		return actions, nil
	}

	actions = append(actions, m.RequestMoreChunks(contentID, peerBitfields)...)
	return actions, nil
}

// RequestMoreChunks implements rarest-first selection: it computes every
// needed index, ranks by ascending rarity (ties broken by
// ascending index), then walks peers in deterministic (sorted peer id)
// order, filling each peer's pipeline up to the configured budget K with
// indices that peer's bitfield has and nobody has claimed yet.
func (m *Manager) RequestMoreChunks(contentID string, peerBitfields PeerBitfields) []Action {
	sw, ok := m.swarms[contentID]
	if !ok {
		return nil
	}

	needed := m.neededIndices(sw, peerBitfields)
	if len(needed) == 0 {
		return nil
	}

	k := config.Load().PipelineBudgetK
	now := m.now()

	var actions []Action
	for _, peerID := range sortedKeys(peerBitfields) {
		bf := peerBitfields[peerID]
		if bf.Count() == 0 {
			continue
		}

		inFlight := sw.countRequestedBy(peerID)
		for _, idx := range needed {
			if inFlight >= k {
				break
			}
			if _, taken := sw.requested[idx]; taken {
				continue
			}
			if !bf.Has(idx) {
				continue
			}

			actions = append(actions, requestChunkAction(peerID, contentID, idx))
			sw.requested[idx] = request{peerID: peerID, requestedAt: now}
			inFlight++
		}
	}

	return actions
}

// RequestChunksFromPeer emits a single bootstrap request: the first index
// peerBitfield has that is neither owned nor already in flight. Used when
// a peer's bitfield first arrives.
func (m *Manager) RequestChunksFromPeer(peerID, contentID string, peerBitfield bitfield.Bitfield) []Action {
	sw, ok := m.swarms[contentID]
	if !ok {
		return nil
	}

	for i := 0; i < sw.Metadata.Total; i++ {
		if sw.Owned.Has(i) {
			continue
		}
		if _, taken := sw.requested[i]; taken {
			continue
		}
		if !peerBitfield.Has(i) {
			continue
		}

		sw.requested[i] = request{peerID: peerID, requestedAt: m.now()}
		return []Action{requestChunkAction(peerID, contentID, i)}
	}

	return nil
}

// HandleRequest answers an inbound request frame: a send_piece action if
// the index is owned, nothing otherwise. The coordinator logs the miss.
func (m *Manager) HandleRequest(peerID, contentID string, index int) []Action {
	sw, ok := m.swarms[contentID]
	if !ok {
		return nil
	}

	p, ok := sw.Piece(index)
	if !ok {
		return nil
	}
	return []Action{sendPieceAction(peerID, contentID, p)}
}

// CheckTimeouts releases every in-flight request older than the
// configured threshold back into the pool. It returns no actions; the
// freed indices are picked up by the next
// RequestMoreChunks call.
func (m *Manager) CheckTimeouts(contentID string) {
	sw, ok := m.swarms[contentID]
	if !ok {
		return
	}

	cutoff := m.now().Add(-config.Load().RequestTimeout)
	for idx, req := range sw.requested {
		if req.requestedAt.Before(cutoff) {
			delete(sw.requested, idx)
		}
	}
}

// ReleasePeer drops every in-flight request attributed to peerID, e.g. on
// a peer disconnect: any requested[i] pointing at that peer is cleared
// so the next selection pass can re-request it from someone else.
func (m *Manager) ReleasePeer(contentID, peerID string) {
	sw, ok := m.swarms[contentID]
	if !ok {
		return
	}
	for idx, req := range sw.requested {
		if req.peerID == peerID {
			delete(sw.requested, idx)
		}
	}
}

func (sw *Swarm) countRequestedBy(peerID string) int {
	n := 0
	for _, req := range sw.requested {
		if req.peerID == peerID {
			n++
		}
	}
	return n
}

func sortedKeys(m PeerBitfields) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
