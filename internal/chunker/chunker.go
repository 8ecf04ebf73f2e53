// Package chunker slices an artifact into fixed-size, checksummed pieces
// keyed by content id, and reconstructs an artifact from its pieces.
package chunker

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/arannis/meshcast/internal/config"
)

// Transform is the placement transform stamped onto a Package: three
// triples of finite floats.
type Transform struct {
	Position [3]float64
	Rotation [3]float64
	Scale    [3]float64
}

// Provenance records who produced a Package and when.
type Provenance struct {
	ProducerID string
	Prompt     string // optional human-readable generation prompt
	CreatedAt  time.Time
	TotalSize  int64
	PieceCount int
}

// Package is the immutable content artifact: a GLB mesh blob's identity,
// placement, and provenance. It never carries the raw bytes — those live
// in the pieces until reassembled.
type Package struct {
	ContentID  string
	Transform  Transform
	Provenance Provenance
}

// Piece is a byte range of an artifact.
type Piece struct {
	ContentID string
	Index     int
	Total     int
	Data      []byte
	Checksum  uint32
}

var (
	// ErrEmptyArtifact is returned by Prepare for zero-length input.
	ErrEmptyArtifact = errors.New("chunker: artifact must not be empty")
	// ErrChecksumMismatch means a piece failed integrity verification.
	ErrChecksumMismatch = errors.New("chunker: checksum mismatch")
	// ErrMissingPiece means Assemble was called without a full piece set.
	ErrMissingPiece = errors.New("chunker: missing piece index")
	// ErrShortPiece means a piece's byte length doesn't match its expected
	// position (only the last piece may be shorter than PieceSize).
	ErrShortPiece = errors.New("chunker: piece has wrong length for its position")
)

// Chunker slices and reassembles artifacts using a fixed piece size. The
// zero value is not usable; construct with New.
type Chunker struct {
	pieceSize int
	stats     Stats
}

// Stats is an observability snapshot, in the same vein as the tracker
// and peer metrics structs elsewhere in this module.
type Stats struct {
	PiecesProduced int
	BytesChunked   int64
}

// New returns a Chunker using the configured piece size. pieceSize <= 0
// falls back to config.Load().PieceSize.
func New(pieceSize int) *Chunker {
	if pieceSize <= 0 {
		pieceSize = config.Load().PieceSize
	}
	return &Chunker{pieceSize: pieceSize}
}

// Stats returns a snapshot of this Chunker's cumulative activity.
func (c *Chunker) Stats() Stats { return c.stats }

// PieceSize returns the configured piece size this Chunker slices with.
func (c *Chunker) PieceSize() int { return c.pieceSize }

// Prepare deterministically partitions data into ceil(len/P) pieces of size
// P (the last piece may be shorter), assigns a fresh content id, stamps
// prov, and returns both the Package and its Pieces.
func (c *Chunker) Prepare(data []byte, transform Transform, prov Provenance) (Package, []Piece, error) {
	if len(data) == 0 {
		return Package{}, nil, ErrEmptyArtifact
	}

	contentID := NewContentID()
	total := (len(data) + c.pieceSize - 1) / c.pieceSize

	pieces := make([]Piece, total)
	for i := 0; i < total; i++ {
		start := i * c.pieceSize
		end := start + c.pieceSize
		if end > len(data) {
			end = len(data)
		}

		chunk := append([]byte(nil), data[start:end]...)
		pieces[i] = Piece{
			ContentID: contentID,
			Index:     i,
			Total:     total,
			Data:      chunk,
			Checksum:  checksum(chunk),
		}
	}

	prov.TotalSize = int64(len(data))
	prov.PieceCount = total
	if prov.CreatedAt.IsZero() {
		prov.CreatedAt = time.Now()
	}

	pkg := Package{
		ContentID:  contentID,
		Transform:  transform,
		Provenance: prov,
	}

	c.stats.PiecesProduced += total
	c.stats.BytesChunked += int64(len(data))

	return pkg, pieces, nil
}

// Verify recomputes p's checksum and reports whether it matches.
func (c *Chunker) Verify(p Piece) bool {
	return checksum(p.Data) == p.Checksum
}

// Assemble sorts pieces by index ascending and concatenates their data. It
// fails if any index in [0, total) is missing, or if a piece other than
// the last is not exactly PieceSize long. When an index appears more than
// once, the last occurrence in pieces is used.
func (c *Chunker) Assemble(pieces []Piece) ([]byte, error) {
	if len(pieces) == 0 {
		return nil, ErrMissingPiece
	}

	total := pieces[0].Total
	byIndex := make(map[int]Piece, len(pieces))
	for _, p := range pieces {
		byIndex[p.Index] = p
	}

	sorted := make([]Piece, 0, total)
	for i := 0; i < total; i++ {
		p, ok := byIndex[i]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrMissingPiece, i)
		}

		isLast := i == total-1
		if !isLast && len(p.Data) != c.pieceSize {
			return nil, fmt.Errorf("%w: piece %d has length %d, want %d", ErrShortPiece, i, len(p.Data), c.pieceSize)
		}

		sorted = append(sorted, p)
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	out := make([]byte, 0, total*c.pieceSize)
	for _, p := range sorted {
		out = append(out, p.Data...)
	}
	return out, nil
}

// NewContentID mints a collision-resistant-within-a-session id: a
// timestamp prefix plus a random UUID suffix. This is deliberately not
// cryptographic; producer authenticity is out of scope.
func NewContentID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString())
}
