package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/arannis/meshcast/internal/config"
)

// Stats is a point-in-time snapshot of one peer connection.
type Stats struct {
	PeerID       string
	State        State
	Initiator    bool
	FramesSent   uint64
	FramesRecv   uint64
	LastActivity time.Time
	ICERestarted bool
}

// ErrNotOpen is returned by Send when the data channel isn't ready yet:
// sends before the channel opens must fail fast rather than block or
// silently queue.
var ErrNotOpen = errors.New("transport: data channel is not open")

// peer is the per-neighbor connection lifecycle state machine. It reports
// upward exclusively through the Callbacks it was built with — it never
// holds a reference back to the coordinator.
type peer struct {
	id        string
	log       *slog.Logger
	cb        Callbacks
	initiator bool

	mu sync.Mutex

	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	state State

	disconnectedAt time.Time
	disconnectTimer *time.Timer
	iceRestarted    bool

	stats Stats
}

func newPeer(id string, log *slog.Logger, cb Callbacks, initiator bool) *peer {
	return &peer{
		id:        id,
		log:       log.With("peer", id),
		cb:        cb,
		initiator: initiator,
		state:     StateNew,
		stats:     Stats{PeerID: id, Initiator: initiator, State: StateNew},
	}
}

func (p *peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.stats.State = s
	p.mu.Unlock()
}

func (p *peer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func newPeerConnection(iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
}

// open is the initiator path: create the connection, the named data
// channel, and an offer, moving state from NEW to OFFERING.
func (p *peer) open(iceServers []webrtc.ICEServer) (sdp string, err error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return "", fmt.Errorf("transport: new peer connection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel("meshcast", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("transport: create data channel: %w", err)
	}

	p.mu.Lock()
	p.pc = pc
	p.dc = dc
	p.mu.Unlock()

	p.wireDataChannel(dc)
	p.wireConnectionState(pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("transport: set local description: %w", err)
	}

	p.setState(StateOffering)
	return offer.SDP, nil
}

// acceptOffer is the responder path: create the connection, wait for the
// initiator's data channel via OnDataChannel, and answer.
func (p *peer) acceptOffer(iceServers []webrtc.ICEServer, offerSDP string) (answerSDP string, err error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return "", fmt.Errorf("transport: new peer connection: %w", err)
	}

	p.mu.Lock()
	p.pc = pc
	p.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.mu.Lock()
		p.dc = dc
		p.mu.Unlock()
		p.wireDataChannel(dc)
	})
	p.wireConnectionState(pc)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return "", fmt.Errorf("transport: set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("transport: set local description: %w", err)
	}

	p.setState(StateConnecting)
	return answer.SDP, nil
}

// handleAnswer completes the initiator side once the responder's answer
// arrives.
func (p *peer) handleAnswer(answerSDP string) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("transport: handleAnswer before open")
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return fmt.Errorf("transport: set remote description: %w", err)
	}
	p.setState(StateConnecting)
	return nil
}

func (p *peer) handleICECandidate(candidate string) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("transport: ice candidate before open")
	}
	return pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

func (p *peer) wireDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		p.setState(StateOpen)
		p.touchActivity()
		if p.cb.OnOpen != nil {
			p.cb.OnOpen(p.id)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.touchActivity()
		p.mu.Lock()
		p.stats.FramesRecv++
		p.mu.Unlock()
		if p.cb.OnFrame != nil {
			p.cb.OnFrame(p.id, msg.Data)
		}
	})

	dc.OnClose(func() {
		p.evictAfterGrace()
	})
}

func (p *peer) touchActivity() {
	p.mu.Lock()
	p.stats.LastActivity = time.Now()
	p.mu.Unlock()
}

func (p *peer) wireConnectionState(pc *webrtc.PeerConnection) {
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		switch s {
		case webrtc.ICEConnectionStateDisconnected:
			p.evictAfterGrace()
		case webrtc.ICEConnectionStateFailed:
			p.onFailed(pc)
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			p.cancelGrace()
		}

		if p.cb.OnICEConnectionState != nil {
			p.cb.OnICEConnectionState(p.id, s)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.cb.OnICECandidate == nil {
			return
		}
		p.cb.OnICECandidate(p.id, c.ToJSON().Candidate)
	})
}

// evictAfterGrace masks a transient disconnect for DisconnectGrace before
// declaring the peer gone.
func (p *peer) evictAfterGrace() {
	p.mu.Lock()
	if p.state == StateDisconnected || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateDisconnected
	p.stats.State = StateDisconnected
	p.disconnectedAt = time.Now()
	if p.disconnectTimer != nil {
		p.disconnectTimer.Stop()
	}
	p.disconnectTimer = time.AfterFunc(config.Load().DisconnectGrace, func() {
		p.close()
		if p.cb.OnDisconnected != nil {
			p.cb.OnDisconnected(p.id)
		}
	})
	p.mu.Unlock()
}

func (p *peer) cancelGrace() {
	p.mu.Lock()
	if p.disconnectTimer != nil {
		p.disconnectTimer.Stop()
		p.disconnectTimer = nil
	}
	if p.state == StateDisconnected {
		p.state = StateOpen
		p.stats.State = StateOpen
	}
	p.mu.Unlock()
}

// onFailed attempts one ICE restart if this peer is the initiator;
// otherwise it waits out ICERestartGrace before declaring the peer dead.
func (p *peer) onFailed(pc *webrtc.PeerConnection) {
	p.mu.Lock()
	alreadyRestarted := p.iceRestarted
	initiator := p.initiator
	p.mu.Unlock()

	if initiator && !alreadyRestarted {
		p.mu.Lock()
		p.iceRestarted = true
		p.stats.ICERestarted = true
		p.mu.Unlock()

		offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
		if err != nil {
			p.log.Warn("ice restart: create offer failed", "error", err)
			p.declareDead()
			return
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			p.log.Warn("ice restart: set local description failed", "error", err)
			p.declareDead()
			return
		}
		p.setState(StateOffering)
		if p.cb.OnOffer != nil {
			p.cb.OnOffer(p.id, offer.SDP)
		}
		return
	}

	time.AfterFunc(config.Load().ICERestartGrace, func() {
		p.mu.Lock()
		stillFailed := p.state != StateOpen
		p.mu.Unlock()
		if stillFailed {
			p.declareDead()
		}
	})
}

func (p *peer) declareDead() {
	p.close()
	if p.cb.OnDisconnected != nil {
		p.cb.OnDisconnected(p.id)
	}
}

func (p *peer) close() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	p.stats.State = StateClosed
	if p.disconnectTimer != nil {
		p.disconnectTimer.Stop()
	}
	pc := p.pc
	p.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
	if p.cb.OnClosed != nil {
		p.cb.OnClosed(p.id)
	}
}

// send writes raw bytes to the peer's data channel. Frames must already
// be encoded (see package frame); transport treats them opaquely.
func (p *peer) send(data []byte) error {
	p.mu.Lock()
	dc := p.dc
	state := p.state
	p.mu.Unlock()

	if dc == nil || state != StateOpen {
		return ErrNotOpen
	}

	if err := dc.Send(data); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}

	p.mu.Lock()
	p.stats.FramesSent++
	p.mu.Unlock()
	return nil
}
