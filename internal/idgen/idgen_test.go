package idgen

import (
	"testing"

	"github.com/google/uuid"
)

func TestEnvelopeIDIsValidUUID(t *testing.T) {
	id := EnvelopeID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("EnvelopeID() = %q, not a valid UUID: %v", id, err)
	}
}

func TestReceiptIsValidUUID(t *testing.T) {
	id := Receipt()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Receipt() = %q, not a valid UUID: %v", id, err)
	}
}

func TestEnvelopeIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := EnvelopeID()
		if seen[id] {
			t.Fatalf("EnvelopeID() produced a duplicate: %s", id)
		}
		seen[id] = true
	}
}
