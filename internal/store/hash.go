package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type envelope struct {
	Headers []string `json:"headers"`
	Record  Record   `json:"record"`
}

// serializeRecord produces the canonical payload for one record:
// {headers, record} as JSON. encoding/json sorts map keys, so the same
// record content always yields the same bytes regardless of map order.
func serializeRecord(headers []string, record Record) ([]byte, error) {
	data, err := json.Marshal(envelope{Headers: headers, Record: record})
	if err != nil {
		return nil, fmt.Errorf("serialize record: %w", err)
	}
	return data, nil
}

// contentHash is the idempotency key component derived from the payload.
func contentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
