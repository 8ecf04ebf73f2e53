package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arannis/meshcast/internal/config"
	"github.com/arannis/meshcast/internal/retry"
	"github.com/arannis/meshcast/internal/signaling"
)

// Client is the Coordinator-facing side of the signaling relationship: it
// holds the single websocket connection a participant keeps open to the
// Tracker, re-announcing active swarms across reconnects with a
// backoff-driven reconnect loop.
type Client struct {
	log *slog.Logger
	url string

	inbox chan signaling.Envelope

	mu            sync.Mutex
	ws            *websocket.Conn
	participantID string
	announced     map[string]bool // contentID -> complete, for re-announce on reconnect
}

// NewClient builds a Client that will dial url (e.g. "ws://tracker/ws")
// once Run is called.
func NewClient(log *slog.Logger, url string) *Client {
	return &Client{
		log:       log.With("component", "tracker-client"),
		url:       url,
		inbox:     make(chan signaling.Envelope, 64),
		announced: make(map[string]bool),
	}
}

// Inbox delivers every envelope the tracker sends this participant,
// including the initial welcome and subsequent peer-joined/left/offer/
// answer/ice-candidate/request-connection traffic.
func (c *Client) Inbox() <-chan signaling.Envelope { return c.inbox }

// ParticipantID returns this session's tracker-assigned id, or "" before
// the first welcome arrives.
func (c *Client) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// Run dials the tracker and reconnects with a fixed backoff on every
// disconnect until ctx is canceled. A tracker disconnect is recoverable:
// in-flight peer transports are left untouched while this reconnects.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("tracker connection lost, reconnecting", "error", err)

		timer := time.NewTimer(config.Load().TrackerReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	var ws *websocket.Conn
	dial := func(ctx context.Context) error {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			return err
		}
		ws = conn
		return nil
	}

	// A handful of fast exponential-backoff attempts absorbs a tracker
	// that's mid-restart; the outer Run loop still reconnects at the fixed
	// TrackerReconnectDelay if this whole cycle gives up.
	opts := retry.WithExponentialBackoff(4, 200*time.Millisecond, 2*time.Second)
	if err := retry.Do(ctx, dial, opts...); err != nil {
		return fmt.Errorf("tracker: dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	defer func() {
		ws.Close()
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	go c.reannounceOnConnect()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		env, err := signaling.Decode(raw)
		if err != nil {
			c.log.Debug("dropping malformed or unknown envelope from tracker", "error", err)
			continue
		}

		if env.Type == signaling.TypeWelcome {
			var w signaling.Welcome
			if err := env.UnmarshalPayload(&w); err == nil {
				c.mu.Lock()
				c.participantID = w.ParticipantID
				c.mu.Unlock()
			}
		}

		select {
		case c.inbox <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reannounceOnConnect re-sends Announce for every swarm this participant
// was already a member of, so a reconnect doesn't silently drop the
// participant out of rooms it was mid-download in.
func (c *Client) reannounceOnConnect() {
	c.mu.Lock()
	snapshot := make(map[string]bool, len(c.announced))
	for k, v := range c.announced {
		snapshot[k] = v
	}
	c.mu.Unlock()

	for contentID, complete := range snapshot {
		if err := c.Announce(contentID, complete); err != nil {
			c.log.Warn("re-announce failed", "contentId", contentID, "error", err)
		}
	}
}

func (c *Client) send(env signaling.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return fmt.Errorf("tracker: not connected")
	}
	return ws.WriteMessage(websocket.TextMessage, raw)
}

// Announce joins or refreshes membership in contentID's room.
func (c *Client) Announce(contentID string, complete bool) error {
	env, err := signaling.Encode(signaling.TypeAnnounce, signaling.Announce{ContentID: contentID, Complete: complete})
	if err != nil {
		return err
	}
	if err := c.send(env); err != nil {
		return err
	}

	c.mu.Lock()
	c.announced[contentID] = complete
	c.mu.Unlock()
	return nil
}

// Leave stops tracking contentID locally so it is not re-announced on a
// future reconnect. The wire protocol has no per-swarm leave message
// (only transport close removes a participant from every room it was
// in); callers that want to leave a single swarm while staying connected
// simply stop re-announcing it here.
func (c *Client) Leave(contentID string) {
	c.mu.Lock()
	delete(c.announced, contentID)
	c.mu.Unlock()
}

// RequestConnection asks the tracker to prompt every other connected
// participant to initiate a transport toward this one.
func (c *Client) RequestConnection() error {
	env, err := signaling.Encode(signaling.TypeRequestConnection, signaling.RequestConnection{})
	if err != nil {
		return err
	}
	return c.send(env)
}

// SendOffer forwards an SDP offer to participant `to`.
func (c *Client) SendOffer(to, sdp string) error {
	return c.sendSessionDescription(signaling.TypeOffer, to, sdp)
}

// SendAnswer forwards an SDP answer to participant `to`.
func (c *Client) SendAnswer(to, sdp string) error {
	return c.sendSessionDescription(signaling.TypeAnswer, to, sdp)
}

func (c *Client) sendSessionDescription(typ signaling.Type, to, sdp string) error {
	env, err := signaling.Encode(typ, signaling.SessionDescription{From: c.ParticipantID(), To: to, Payload: sdp})
	if err != nil {
		return err
	}
	return c.send(env)
}

// SendICECandidate forwards one ICE candidate to participant `to`.
func (c *Client) SendICECandidate(to, candidate string) error {
	env, err := signaling.Encode(signaling.TypeICECandidate, signaling.ICECandidate{From: c.ParticipantID(), To: to, Payload: candidate})
	if err != nil {
		return err
	}
	return c.send(env)
}
