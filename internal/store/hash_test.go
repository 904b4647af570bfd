package store

import (
	"testing"
)

func TestSerializeRecordDeterministic(t *testing.T) {
	headers := []string{"order_id", "sku", "qty"}
	a := Record{"order_id": "1001", "sku": "A-17", "qty": "3"}
	b := Record{"qty": "3", "order_id": "1001", "sku": "A-17"}

	pa, err := serializeRecord(headers, a)
	if err != nil {
		t.Fatalf("serialize a: %s", err)
	}
	pb, err := serializeRecord(headers, b)
	if err != nil {
		t.Fatalf("serialize b: %s", err)
	}
	if string(pa) != string(pb) {
		t.Errorf("same record content serialized differently:\n%s\n%s", pa, pb)
	}
	if contentHash(pa) != contentHash(pb) {
		t.Error("content hash differs for identical record content")
	}
}

func TestSerializeRecordDistinguishesContent(t *testing.T) {
	headers := []string{"order_id"}
	pa, err := serializeRecord(headers, Record{"order_id": "1001"})
	if err != nil {
		t.Fatalf("serialize: %s", err)
	}
	pb, err := serializeRecord(headers, Record{"order_id": "1002"})
	if err != nil {
		t.Fatalf("serialize: %s", err)
	}
	if contentHash(pa) == contentHash(pb) {
		t.Error("different records produced the same content hash")
	}

	// Headers are part of the hashed envelope.
	pc, err := serializeRecord([]string{"order_ref"}, Record{"order_id": "1001"})
	if err != nil {
		t.Fatalf("serialize: %s", err)
	}
	if contentHash(pa) == contentHash(pc) {
		t.Error("different headers produced the same content hash")
	}
}

func TestContentHashStable(t *testing.T) {
	payload := []byte(`{"headers":["a"],"record":{"a":"1"}}`)
	if contentHash(payload) != contentHash(payload) {
		t.Error("hash of identical bytes differs")
	}
	if len(contentHash(payload)) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(contentHash(payload)))
	}
}
