package chunker

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestPrepareRejectsEmpty(t *testing.T) {
	c := New(1024)
	if _, _, err := c.Prepare(nil, Transform{}, Provenance{}); err != ErrEmptyArtifact {
		t.Fatalf("Prepare(nil) err = %v, want ErrEmptyArtifact", err)
	}
}

func TestPrepareSinglePieceIndexZero(t *testing.T) {
	c := New(1024)
	pkg, pieces, err := c.Prepare([]byte("x"), Transform{}, Provenance{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(pieces) != 1 || pieces[0].Index != 0 {
		t.Fatalf("expected a single piece at index 0, got %+v", pieces)
	}
	if pkg.Provenance.PieceCount != 1 {
		t.Fatalf("Provenance.PieceCount = %d, want 1", pkg.Provenance.PieceCount)
	}
}

func TestPieceSizeExactlyDivides(t *testing.T) {
	c := New(4)
	data := []byte("abcdefgh") // exactly two 4-byte pieces
	_, pieces, err := c.Prepare(data, Transform{}, Provenance{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(pieces) != 2 {
		t.Fatalf("len(pieces) = %d, want 2", len(pieces))
	}
	for _, p := range pieces {
		if len(p.Data) != 4 {
			t.Fatalf("piece %d has length %d, want 4 (no under-filled pieces)", p.Index, len(p.Data))
		}
	}
}

func TestLastPieceShorter(t *testing.T) {
	c := New(4)
	data := []byte("abcdefghi") // 2 full pieces + 1 byte
	_, pieces, err := c.Prepare(data, Transform{}, Provenance{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(pieces) != 3 {
		t.Fatalf("len(pieces) = %d, want 3", len(pieces))
	}
	if len(pieces[2].Data) != 1 {
		t.Fatalf("last piece length = %d, want 1", len(pieces[2].Data))
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	c := New(1024)
	_, pieces, _ := c.Prepare([]byte("hello world"), Transform{}, Provenance{})

	p := pieces[0]
	if !c.Verify(p) {
		t.Fatalf("expected intact piece to verify")
	}

	p.Data = append([]byte(nil), p.Data...)
	p.Data[0] ^= 0xFF
	if c.Verify(p) {
		t.Fatalf("expected corrupted piece to fail verification")
	}
}

func TestAssembleRoundTrip(t *testing.T) {
	c := New(7)

	r := rand.New(rand.NewSource(42))
	data := make([]byte, 503)
	r.Read(data)

	_, pieces, err := c.Prepare(data, Transform{}, Provenance{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	got, err := c.Assemble(pieces)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("assembled bytes do not match original")
	}
}

func TestAssembleMissingPiece(t *testing.T) {
	c := New(4)
	_, pieces, _ := c.Prepare([]byte("abcdefgh"), Transform{}, Provenance{})

	_, err := c.Assemble(pieces[:1])
	if err == nil {
		t.Fatalf("expected Assemble to fail with a missing piece")
	}
}

func TestAssembleOrderIndependent(t *testing.T) {
	c := New(4)
	_, pieces, _ := c.Prepare([]byte("abcdefgh"), Transform{}, Provenance{})

	shuffled := []Piece{pieces[1], pieces[0]}
	got, err := c.Assemble(shuffled)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if string(got) != "abcdefgh" {
		t.Fatalf("Assemble(shuffled) = %q, want %q", got, "abcdefgh")
	}
}

func TestContentIDsAreUnique(t *testing.T) {
	a := NewContentID()
	b := NewContentID()
	if a == b {
		t.Fatalf("expected distinct content ids, got %q twice", a)
	}
}
