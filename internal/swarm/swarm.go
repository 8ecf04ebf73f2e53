// Package swarm is the pure, I/O-free policy core of the replication
// engine: it tracks per-content piece ownership and in-flight requests
// and returns action intents for the coordinator to execute. No method
// here sends a frame, dials a peer, or touches a clock beyond reading it
// for request timestamps, which keeps rarest-first selection and the
// pipelining invariants unit-testable in isolation.
//
// Callers are assumed to invoke a Manager from a single logical event
// loop per participant; Manager does not lock internally.
package swarm

import (
	"time"

	"github.com/arannis/meshcast/internal/bitfield"
	"github.com/arannis/meshcast/internal/chunker"
)

// State is the coarse seeder/leecher classification of a Swarm.
type State int

const (
	Leeching State = iota
	Seeding
)

func (s State) String() string {
	if s == Seeding {
		return "seeding"
	}
	return "leeching"
}

// Metadata is what a swarm's membership agrees on before any piece data
// changes hands: piece count, transform, and provenance.
type Metadata struct {
	Total      int
	PieceSize  int
	Transform  chunker.Transform
	Provenance chunker.Provenance
}

// request is one in-flight chunk request, tracked with its own timestamp
// rather than approximated from swarm start, so timeout detection stays
// accurate under staggered requests.
type request struct {
	peerID      string
	requestedAt time.Time
}

// Swarm is the per-content replication state: which pieces this
// participant owns, which are in flight, and to whom.
type Swarm struct {
	ContentID string
	Metadata  Metadata

	Owned     bitfield.Bitfield
	received  map[int]chunker.Piece
	requested map[int]request
}

// State reports Seeding once every piece is owned.
func (sw *Swarm) State() State {
	if sw.Owned.Count() >= sw.Metadata.Total {
		return Seeding
	}
	return Leeching
}

// Owns reports whether piece index has arrived and verified.
func (sw *Swarm) Owns(index int) bool { return sw.Owned.Has(index) }

// Piece returns the verified piece at index, for serving a send_piece
// action. ok is false if the piece is not owned.
func (sw *Swarm) Piece(index int) (chunker.Piece, bool) {
	p, ok := sw.received[index]
	return p, ok
}

// Pieces returns every received piece, order unspecified (the caller
// sorts on reassembly — see chunker.Assemble).
func (sw *Swarm) Pieces() []chunker.Piece {
	out := make([]chunker.Piece, 0, len(sw.received))
	for _, p := range sw.received {
		out = append(out, p)
	}
	return out
}

// Progress returns ownership percentage, 0-100.
func (sw *Swarm) Progress() int {
	if sw.Metadata.Total == 0 {
		return 100
	}
	return sw.Owned.Count() * 100 / sw.Metadata.Total
}

func newSwarm(contentID string, meta Metadata) *Swarm {
	return &Swarm{
		ContentID: contentID,
		Metadata:  meta,
		Owned:     bitfield.New(meta.Total),
		received:  make(map[int]chunker.Piece),
		requested: make(map[int]request),
	}
}
