// Package tracker implements the centralized signaling/tracker coordinator:
// it groups peers by content id, notifies joiners/leavers, and relays
// session-description and candidate envelopes between peers. It never
// inspects the renderer-facing payloads it relays, and it is the single
// authority on room membership for a given deployment — there is no
// global content discovery across deployments.
package tracker

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/arannis/meshcast/internal/config"
	"github.com/arannis/meshcast/internal/container/syncmap"
	"github.com/arannis/meshcast/internal/signaling"
)

// Metrics is a point-in-time snapshot of server activity.
type Metrics struct {
	ConnectedParticipants int
	Rooms                 int
	EnvelopesForwarded    uint64
	EnvelopesDropped      uint64
	StaleSwept            uint64
}

// Server is the Tracker: it accepts many concurrent participant
// connections, one goroutine per connection, as long as mutations to
// shared room state stay serialized, and owns the room table.
type Server struct {
	log   *slog.Logger
	echo  *echo.Echo
	rooms *syncmap.Map[string, *room]
	conns *syncmap.Map[string, *participantConn]

	mu                 sync.Mutex
	envelopesForwarded uint64
	envelopesDropped   uint64
	staleSwept         uint64
}

type participantConn struct {
	id string
	ws *websocket.Conn

	mu sync.Mutex // serializes writes to ws

	roomsMu sync.Mutex
	rooms   map[string]bool // content ids this participant has announced to
}

func (c *participantConn) writeEnvelope(env signaling.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// NewServer builds a Tracker bound to no address yet; call Run to serve.
func NewServer(log *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		log:   log.With("component", "tracker"),
		echo:  e,
		rooms: syncmap.New[string, *room](),
		conns: syncmap.New[string, *participantConn](),
	}

	e.GET("/ws", s.handleWebsocket)
	e.GET("/peers", s.handleDebugPeers)

	return s
}

// Run serves the tracker on addr until ctx is canceled, also driving the
// stale-membership sweep loop under the same errgroup.
func (s *Server) Run(ctx context.Context, addr string) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.sweepLoop(gctx) })
	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- s.echo.Start(addr) }()

		select {
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.echo.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	})

	return g.Wait()
}

// Metrics returns a snapshot of server-wide counters.
func (s *Server) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := 0
	s.rooms.Range(func(_ string, _ *room) bool { rooms++; return true })

	return Metrics{
		ConnectedParticipants: s.conns.Len(),
		Rooms:                 rooms,
		EnvelopesForwarded:    s.envelopesForwarded,
		EnvelopesDropped:      s.envelopesDropped,
		StaleSwept:            s.staleSwept,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWebsocket(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return err
	}

	participantID := uuid.NewString()
	pc := &participantConn{id: participantID, ws: ws, rooms: make(map[string]bool)}
	s.conns.Put(participantID, pc)

	log := s.log.With("participant", participantID)
	log.Info("participant connected")

	welcome, _ := signaling.Encode(signaling.TypeWelcome, signaling.Welcome{ParticipantID: participantID})
	if err := pc.writeEnvelope(welcome); err != nil {
		log.Warn("failed to send welcome", "error", err)
	}

	s.readLoop(pc, log)
	return nil
}

func (s *Server) readLoop(pc *participantConn, log *slog.Logger) {
	defer s.handleDisconnect(pc, log)

	for {
		_, raw, err := pc.ws.ReadMessage()
		if err != nil {
			return
		}

		env, err := signaling.Decode(raw)
		if err != nil {
			log.Debug("dropping malformed or unknown envelope", "error", err)
			s.mu.Lock()
			s.envelopesDropped++
			s.mu.Unlock()
			continue
		}

		s.dispatch(pc, env, log)
	}
}

func (s *Server) dispatch(pc *participantConn, env signaling.Envelope, log *slog.Logger) {
	switch env.Type {
	case signaling.TypeAnnounce:
		var ann signaling.Announce
		if err := env.UnmarshalPayload(&ann); err != nil {
			log.Debug("dropping malformed announce", "error", err)
			return
		}
		s.handleAnnounce(pc, ann, log)

	case signaling.TypeRequestConnection:
		s.handleRequestConnection(pc, log)

	case signaling.TypeOffer, signaling.TypeAnswer:
		var sd signaling.SessionDescription
		if err := env.UnmarshalPayload(&sd); err != nil {
			log.Debug("dropping malformed session description", "error", err)
			return
		}
		if sd.To == "" {
			log.Warn("protocol error: session description missing `to`", "type", env.Type)
			return
		}
		s.forward(env.Type, sd.To, env, log)

	case signaling.TypeICECandidate:
		var ic signaling.ICECandidate
		if err := env.UnmarshalPayload(&ic); err != nil {
			log.Debug("dropping malformed ice candidate", "error", err)
			return
		}
		if ic.To == "" {
			log.Debug("dropping ice candidate with no `to`")
			return
		}
		s.forward(env.Type, ic.To, env, log)

	default:
		log.Debug("dropping unhandled envelope type", "type", env.Type)
	}
}

func (s *Server) handleAnnounce(pc *participantConn, ann signaling.Announce, log *slog.Logger) {
	rm := s.rooms.GetOrCreate(ann.ContentID, func() *room { return newRoom(ann.ContentID) })

	joined := rm.upsert(pc.id, ann.Complete, time.Now())

	pc.roomsMu.Lock()
	pc.rooms[ann.ContentID] = true
	pc.roomsMu.Unlock()

	resp, _ := signaling.Encode(signaling.TypeAnnounceResponse, signaling.AnnounceResponse{
		ContentID: ann.ContentID,
		Peers:     toSignalingPeers(rm.snapshot(pc.id)),
	})
	if err := pc.writeEnvelope(resp); err != nil {
		log.Warn("failed to send announce-response", "error", err)
	}

	if joined {
		joinedEnv, _ := signaling.Encode(signaling.TypePeerJoinedSwarm, signaling.PeerJoinedSwarm{
			ContentID: ann.ContentID,
			PeerID:    pc.id,
			Complete:  ann.Complete,
			Peers:     toSignalingPeers(rm.snapshot(pc.id)),
		})
		s.broadcastToRoom(rm, pc.id, joinedEnv, log)
	}
}

// toSignalingPeers projects the tracker's internal room membership view onto
// the wire-level Peer shape.
func toSignalingPeers(members []Peer) []signaling.Peer {
	out := make([]signaling.Peer, len(members))
	for i, m := range members {
		out[i] = signaling.Peer{ParticipantID: m.ID, Complete: m.Complete}
	}
	return out
}

func (s *Server) handleRequestConnection(pc *participantConn, log *slog.Logger) {
	env, _ := signaling.Encode(signaling.TypeRequestConnection, signaling.RequestConnection{From: pc.id})

	s.conns.Range(func(id string, other *participantConn) bool {
		if id == pc.id {
			return true
		}
		if err := other.writeEnvelope(env); err != nil {
			log.Debug("failed to forward request-connection", "to", id, "error", err)
		}
		return true
	})
}

func (s *Server) forward(typ signaling.Type, to string, env signaling.Envelope, log *slog.Logger) {
	target, ok := s.conns.Get(to)
	if !ok {
		log.Debug("dropping envelope for unknown/disconnected participant", "type", typ, "to", to)
		s.mu.Lock()
		s.envelopesDropped++
		s.mu.Unlock()
		return
	}

	if err := target.writeEnvelope(env); err != nil {
		log.Debug("forward failed", "type", typ, "to", to, "error", err)
		return
	}

	s.mu.Lock()
	s.envelopesForwarded++
	s.mu.Unlock()
}

func (s *Server) broadcastToRoom(rm *room, exclude string, env signaling.Envelope, log *slog.Logger) {
	for _, p := range rm.snapshot(exclude) {
		conn, ok := s.conns.Get(p.ID)
		if !ok {
			continue
		}
		if err := conn.writeEnvelope(env); err != nil {
			log.Debug("broadcast failed", "to", p.ID, "error", err)
		}
	}
}

func (s *Server) handleDisconnect(pc *participantConn, log *slog.Logger) {
	pc.ws.Close()
	s.conns.Delete(pc.id)

	pc.roomsMu.Lock()
	contentIDs := make([]string, 0, len(pc.rooms))
	for id := range pc.rooms {
		contentIDs = append(contentIDs, id)
	}
	pc.roomsMu.Unlock()

	for _, contentID := range contentIDs {
		s.leaveRoom(contentID, pc.id, log)
	}

	log.Info("participant disconnected")
}

func (s *Server) leaveRoom(contentID, participantID string, log *slog.Logger) {
	rm, ok := s.rooms.Get(contentID)
	if !ok {
		return
	}
	if !rm.remove(participantID) {
		return
	}

	left, _ := signaling.Encode(signaling.TypePeerLeftSwarm, signaling.PeerLeftSwarm{
		ContentID: contentID,
		PeerID:    participantID,
	})
	s.broadcastToRoom(rm, participantID, left, log)

	if rm.isEmpty() {
		s.rooms.Delete(contentID)
	}
}

// sweepLoop periodically removes stale memberships: abrupt disconnects
// may not surface as transport closes.
func (s *Server) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.Load().TrackerSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	cutoff := time.Now().Add(-config.Load().TrackerStaleThreshold)

	for _, contentID := range s.rooms.Keys() {
		rm, ok := s.rooms.Get(contentID)
		if !ok {
			continue
		}

		stale := rm.sweepStale(cutoff)
		for _, participantID := range stale {
			left, _ := signaling.Encode(signaling.TypePeerLeftSwarm, signaling.PeerLeftSwarm{
				ContentID: contentID,
				PeerID:    participantID,
			})
			s.broadcastToRoom(rm, participantID, left, s.log)

			s.mu.Lock()
			s.staleSwept++
			s.mu.Unlock()
		}

		if rm.isEmpty() {
			s.rooms.Delete(contentID)
		}
	}
}
