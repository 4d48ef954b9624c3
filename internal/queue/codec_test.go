package queue

import (
	"encoding/json"
	"errors"
	"testing"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		JobID:           "7f6f1c1e-8a2b-4de1-9c8f-2f64a1f0b111",
		DocID:           "doc-1",
		OwnerEmail:      "user@example.com",
		CreatedAt:       "2026-08-30T10:00:00Z",
		Attempt:         0,
		RequestedFormat: "pdf",
	}
}

func TestDecodeEncodedRoundTrip(t *testing.T) {
	original := sampleEnvelope()

	encoded, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if *decoded != *original {
		t.Fatalf("round trip mismatch: got %#v, want %#v", decoded, original)
	}
}

func TestDecodePlainJSONString(t *testing.T) {
	original := sampleEnvelope()
	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}

	decoded, err := Decode(string(raw))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if *decoded != *original {
		t.Fatalf("plain JSON mismatch: got %#v, want %#v", decoded, original)
	}
}

func TestDecodeAlreadyDecodedObject(t *testing.T) {
	original := sampleEnvelope()

	decoded, err := Decode(original)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if decoded != original {
		t.Fatalf("expected passthrough of the same envelope, got %#v", decoded)
	}

	fromMap, err := Decode(map[string]any{
		"jobId":      original.JobID,
		"docId":      original.DocID,
		"ownerEmail": original.OwnerEmail,
		"createdAt":  original.CreatedAt,
		"attempt":    0,
	})
	if err != nil {
		t.Fatalf("Decode map returned error: %v", err)
	}
	if fromMap.JobID != original.JobID || fromMap.DocID != original.DocID {
		t.Fatalf("map decode mismatch: %#v", fromMap)
	}
}

func TestDecodeGarbageFails(t *testing.T) {
	for _, raw := range []any{"not json at all", []byte{0xff, 0xfe}, 42} {
		_, err := Decode(raw)
		if err == nil {
			t.Fatalf("expected error for %#v", raw)
		}
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("expected *DecodeError for %#v, got %T", raw, err)
		}
	}
}

func TestDecodeNil(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatal("expected error for nil message")
	}
}
