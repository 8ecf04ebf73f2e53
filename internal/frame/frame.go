// Package frame defines the tagged-union frame carried over one peer data
// channel: a one-byte kind tag followed by a JSON payload. JSON is used for
// the payload body since it needs no separate schema and piece bytes
// travel as a []byte field (json.Marshal base64-encodes it for us, at the
// cost of the base64 overhead on every piece).
package frame

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arannis/meshcast/internal/chunker"
)

// Kind discriminates a Frame's payload.
type Kind byte

const (
	KindMetadata Kind = iota
	KindBitfield
	KindHave
	KindRequest
	KindPiece
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindBitfield:
		return "bitfield"
	case KindHave:
		return "have"
	case KindRequest:
		return "request"
	case KindPiece:
		return "piece"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// ErrShortFrame means the raw bytes are too short to carry a kind tag.
var ErrShortFrame = errors.New("frame: message shorter than the kind tag")

// ErrUnknownKind is returned for a kind tag outside the canonical set; the
// caller logs and ignores it rather than treating it as fatal.
var ErrUnknownKind = errors.New("frame: unknown kind")

// Metadata announces an artifact's package to a newly opened peer.
type Metadata struct {
	ContentID  string             `json:"contentId"`
	Total      int                `json:"total"`
	PieceSize  int                `json:"pieceSize"`
	Transform  chunker.Transform  `json:"transform"`
	Provenance chunker.Provenance `json:"provenance"`
}

// Bitfield carries a peer's full ownership map for one content id.
type Bitfield struct {
	ContentID string `json:"contentId"`
	Bits      []byte `json:"bits"`
}

// Have announces a single newly-owned piece index.
type Have struct {
	ContentID string `json:"contentId"`
	Index     int    `json:"index"`
}

// Request asks a peer to send one piece.
type Request struct {
	ContentID string `json:"contentId"`
	Index     int    `json:"index"`
}

// Piece carries one verified piece's bytes.
type Piece struct {
	ContentID string `json:"contentId"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
	Data      []byte `json:"data"`
	Checksum  uint32 `json:"checksum"`
}

// Encode marshals kind and payload into one wire message: a kind byte
// followed by the JSON payload.
func Encode(kind Kind, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("frame: encode %s: %w", kind, err)
	}

	out := make([]byte, 1+len(body))
	out[0] = byte(kind)
	copy(out[1:], body)
	return out, nil
}

// Decode splits raw into a Kind and its still-encoded JSON payload. The
// caller unmarshals the payload into the struct matching Kind.
func Decode(raw []byte) (Kind, json.RawMessage, error) {
	if len(raw) < 1 {
		return 0, nil, ErrShortFrame
	}

	kind := Kind(raw[0])
	switch kind {
	case KindMetadata, KindBitfield, KindHave, KindRequest, KindPiece:
		return kind, json.RawMessage(raw[1:]), nil
	default:
		return kind, nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}
