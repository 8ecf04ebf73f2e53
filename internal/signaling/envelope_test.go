package signaling

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := Encode(TypeAnnounce, Announce{ContentID: "abc", Complete: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != TypeAnnounce {
		t.Fatalf("Type = %q, want %q", decoded.Type, TypeAnnounce)
	}

	var ann Announce
	if err := decoded.UnmarshalPayload(&ann); err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	if ann.ContentID != "abc" || !ann.Complete {
		t.Fatalf("got %+v", ann)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	raw := []byte(`{"type":"ice","payload":{}}`)
	if _, err := Decode(raw); err == nil {
		t.Fatalf("expected the legacy `ice` type to be rejected")
	}

	raw = []byte(`{"type":"leave","payload":{}}`)
	if _, err := Decode(raw); err == nil {
		t.Fatalf("expected the legacy `leave` type to be rejected")
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	if _, err := Encode(Type("bogus"), nil); err == nil {
		t.Fatalf("expected Encode to reject an unknown type")
	}
}
