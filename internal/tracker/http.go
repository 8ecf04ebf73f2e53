package tracker

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// debugPeer is one entry in the GET /peers response.
type debugPeer struct {
	PeerID   string `json:"peerId"`
	Complete bool   `json:"complete"`
	LastSeen string `json:"lastSeen"`
}

type debugPeersResponse struct {
	InfoHash string      `json:"infoHash"`
	Peers    []debugPeer `json:"peers"`
}

// handleDebugPeers serves GET /peers?infoHash=<contentId>, an operator
// diagnostic with no bearing on swarm behavior.
func (s *Server) handleDebugPeers(c echo.Context) error {
	contentID := c.QueryParam("infoHash")
	if contentID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing infoHash query parameter"})
	}

	rm, ok := s.rooms.Get(contentID)
	if !ok {
		return c.JSON(http.StatusOK, debugPeersResponse{InfoHash: contentID, Peers: []debugPeer{}})
	}

	members := rm.snapshot("")
	peers := make([]debugPeer, len(members))
	for i, m := range members {
		peers[i] = debugPeer{
			PeerID:   m.ID,
			Complete: m.Complete,
			LastSeen: m.LastSeen.Format(http.TimeFormat),
		}
	}

	return c.JSON(http.StatusOK, debugPeersResponse{InfoHash: contentID, Peers: peers})
}
