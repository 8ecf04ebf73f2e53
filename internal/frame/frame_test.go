package frame

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw, err := Encode(KindHave, Have{ContentID: "abc", Index: 3})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	kind, payload, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if kind != KindHave {
		t.Fatalf("Kind = %v, want %v", kind, KindHave)
	}

	var h Have
	if err := json.Unmarshal(payload, &h); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if h.ContentID != "abc" || h.Index != 3 {
		t.Fatalf("got %+v", h)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	raw := []byte{0xFF, '{', '}'}
	if _, _, err := Decode(raw); err == nil {
		t.Fatalf("expected an unknown kind to be rejected")
	}
}

func TestDecodeRejectsEmptyMessage(t *testing.T) {
	if _, _, err := Decode(nil); err != ErrShortFrame {
		t.Fatalf("Decode(nil) err = %v, want ErrShortFrame", err)
	}
}
