// Package signaling defines the tagged-union Envelope exchanged between a
// participant and the Tracker. Envelopes are strictly JSON-shaped
// records; unknown types are logged and dropped rather than causing a
// protocol violation.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates an Envelope's payload. The `-swarm`-suffixed variant
// paired with `ice-candidate` is the canonical, authoritative naming;
// anything outside the known set is rejected at decode time.
type Type string

const (
	TypeWelcome           Type = "welcome"
	TypeAnnounce          Type = "announce"
	TypeAnnounceResponse  Type = "announce-response"
	TypePeerJoinedSwarm   Type = "peer-joined-swarm"
	TypePeerLeftSwarm     Type = "peer-left-swarm"
	TypeRequestConnection Type = "request-connection"
	TypeOffer             Type = "offer"
	TypeAnswer            Type = "answer"
	TypeICECandidate      Type = "ice-candidate"
)

// ErrUnknownType is returned by Decode for an envelope whose Type is not
// one of the constants above; callers log and drop on this error.
var ErrUnknownType = errors.New("signaling: unknown envelope type")

var knownTypes = map[Type]bool{
	TypeWelcome: true, TypeAnnounce: true, TypeAnnounceResponse: true,
	TypePeerJoinedSwarm: true, TypePeerLeftSwarm: true, TypeRequestConnection: true,
	TypeOffer: true, TypeAnswer: true, TypeICECandidate: true,
}

// Envelope is the wire-level frame: a type tag plus its raw payload, decoded
// into one of the typed payload structs below via Decode.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Welcome is sent by the tracker to a participant immediately on accept.
type Welcome struct {
	ParticipantID string `json:"participantId"`
}

// Announce is sent by a participant to join or refresh its membership in a
// content's room.
type Announce struct {
	ContentID string `json:"contentId"`
	Complete  bool   `json:"complete"`
}

// Peer describes one room member as returned in an AnnounceResponse.
type Peer struct {
	ParticipantID string `json:"participantId"`
	Complete      bool   `json:"complete"`
}

// AnnounceResponse answers the announcing participant with the current
// membership snapshot.
type AnnounceResponse struct {
	ContentID string `json:"contentId"`
	Peers     []Peer `json:"peers"`
}

// PeerJoinedSwarm is broadcast to the rest of a room when a new member
// announces.
type PeerJoinedSwarm struct {
	ContentID string `json:"contentId"`
	PeerID    string `json:"peerId"`
	Complete  bool   `json:"complete"`
	Peers     []Peer `json:"peers"`
}

// PeerLeftSwarm is broadcast when a member leaves, disconnects, or is swept.
type PeerLeftSwarm struct {
	ContentID string `json:"contentId"`
	PeerID    string `json:"peerId"`
}

// RequestConnection asks the tracker to prompt every other connected
// participant to initiate toward the sender. This designates the joiner
// as the responder, avoiding simultaneous-initiation races.
type RequestConnection struct {
	From string `json:"from"`
}

// SessionDescription carries an `offer` or `answer` payload between two
// participants, opaque to the tracker.
type SessionDescription struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Payload string `json:"payload"`
}

// ICECandidate carries one ICE candidate between two participants, opaque
// to the tracker.
type ICECandidate struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Payload string `json:"payload"`
}

// Encode marshals typ and payload into a wire Envelope.
func Encode(typ Type, payload any) (Envelope, error) {
	if !knownTypes[typ] {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("signaling: encode %q: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// Decode unmarshals raw bytes into an Envelope and reports ErrUnknownType
// for any type outside the canonical set, so the caller can log-and-drop
// without inspecting the payload.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("signaling: decode: %w", err)
	}
	if !knownTypes[env.Type] {
		return env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

// Marshal serializes e back to wire bytes.
func (e Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

// UnmarshalPayload decodes e.Payload into dst (a pointer to one of the
// typed payload structs above).
func (e Envelope) UnmarshalPayload(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}
