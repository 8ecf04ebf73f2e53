// Package transport establishes one reliable, ordered, bidirectional data
// channel per peer pair over WebRTC, relaying session descriptions and
// ICE candidates through whatever signaling channel the caller wires up.
// It surfaces four upward events — peerConnected, peerDisconnected,
// channelOpen, frame — as callbacks, and never stores a reference back to
// its caller.
package transport

import (
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/arannis/meshcast/internal/config"
	"github.com/arannis/meshcast/internal/container/syncmap"
)

// Callbacks are the Manager's only channel back to its owner.
type Callbacks struct {
	// OnOpen fires once a peer's data channel is ready to send/receive.
	OnOpen func(peerID string)
	// OnFrame delivers one inbound message verbatim.
	OnFrame func(peerID string, data []byte)
	// OnDisconnected fires once a transient disconnect survives its grace
	// window, or a failed ICE restart is exhausted.
	OnDisconnected func(peerID string)
	// OnClosed fires when a peer connection is torn down for good.
	OnClosed func(peerID string)
	// OnOffer/OnAnswer/OnICECandidate are the outbound signaling side:
	// the caller forwards these through its tracker client.
	OnOffer        func(peerID string, sdp string)
	OnAnswer       func(peerID string, sdp string)
	OnICECandidate func(peerID string, candidate string)
	// OnICEConnectionState is optional observability.
	OnICEConnectionState func(peerID string, state webrtc.ICEConnectionState)
}

// ErrPeerCapReached is returned by Connect/AcceptOffer when the
// configured peer cap would be exceeded: new introductions past the cap
// are refused with a log and no side effects.
var ErrPeerCapReached = fmt.Errorf("transport: peer cap reached")

// Manager owns every active peer connection for one participant.
type Manager struct {
	log        *slog.Logger
	cb         Callbacks
	iceServers []webrtc.ICEServer
	peers      *syncmap.Map[string, *peer]
}

// NewManager builds a Manager. iceServers configures the ICE/STUN/TURN
// endpoints the caller resolved; cb is how every upward event reaches the
// caller.
func NewManager(log *slog.Logger, iceServers []webrtc.ICEServer, cb Callbacks) *Manager {
	return &Manager{
		log:        log.With("component", "transport"),
		cb:         cb,
		iceServers: iceServers,
		peers:      syncmap.New[string, *peer](),
	}
}

// Connect opens a new connection toward peerID as the initiator: existing
// members initiate, the joiner responds. It returns the SDP offer for the
// caller to forward via signaling.
func (m *Manager) Connect(peerID string) (sdp string, err error) {
	if m.peers.Len() >= config.Load().PeerCap {
		m.log.Warn("refusing new peer: cap reached", "peer", peerID, "cap", config.Load().PeerCap)
		return "", ErrPeerCapReached
	}

	p := newPeer(peerID, m.log, m.cb, true)
	m.peers.Put(peerID, p)

	sdp, err = p.open(m.iceServers)
	if err != nil {
		m.peers.Delete(peerID)
		return "", err
	}
	return sdp, nil
}

// AcceptOffer handles an inbound SDP offer from peerID, creating the
// responder-side connection if one doesn't already exist, and returns the
// SDP answer to forward back.
func (m *Manager) AcceptOffer(peerID, offerSDP string) (sdp string, err error) {
	if _, exists := m.peers.Get(peerID); !exists && m.peers.Len() >= config.Load().PeerCap {
		m.log.Warn("refusing new peer: cap reached", "peer", peerID, "cap", config.Load().PeerCap)
		return "", ErrPeerCapReached
	}

	p := newPeer(peerID, m.log, m.cb, false)
	m.peers.Put(peerID, p)

	return p.acceptOffer(m.iceServers, offerSDP)
}

// HandleAnswer completes the initiator side of peerID's handshake.
func (m *Manager) HandleAnswer(peerID, answerSDP string) error {
	p, ok := m.peers.Get(peerID)
	if !ok {
		return fmt.Errorf("transport: unknown peer %q", peerID)
	}
	return p.handleAnswer(answerSDP)
}

// HandleICECandidate adds one inbound ICE candidate for peerID.
func (m *Manager) HandleICECandidate(peerID, candidate string) error {
	p, ok := m.peers.Get(peerID)
	if !ok {
		return fmt.Errorf("transport: unknown peer %q", peerID)
	}
	return p.handleICECandidate(candidate)
}

// Send writes data to peerID's data channel. Returns ErrNotOpen if the
// channel hasn't opened yet; the coordinator never calls this before
// receiving channelOpen for that peer.
func (m *Manager) Send(peerID string, data []byte) error {
	p, ok := m.peers.Get(peerID)
	if !ok {
		return fmt.Errorf("transport: unknown peer %q", peerID)
	}
	return p.send(data)
}

// Close tears down a single peer connection.
func (m *Manager) Close(peerID string) {
	if p, ok := m.peers.Get(peerID); ok {
		p.close()
	}
	m.peers.Delete(peerID)
}

// CloseAll tears down every peer connection.
func (m *Manager) CloseAll() {
	for _, id := range m.peers.Keys() {
		m.Close(id)
	}
}

// OpenPeers returns the ids of every peer currently in the Open state.
func (m *Manager) OpenPeers() []string {
	var open []string
	for _, id := range m.peers.Keys() {
		if p, ok := m.peers.Get(id); ok && p.Stats().State == StateOpen {
			open = append(open, id)
		}
	}
	return open
}

// Stats returns a snapshot for every known peer.
func (m *Manager) Stats() []Stats {
	out := make([]Stats, 0, m.peers.Len())
	for _, id := range m.peers.Keys() {
		if p, ok := m.peers.Get(id); ok {
			out = append(out, p.Stats())
		}
	}
	return out
}
