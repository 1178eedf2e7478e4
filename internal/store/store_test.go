package store

import (
	"testing"
)

func TestTransactionExternalKey(t *testing.T) {
	key := TransactionExternalKey("openbank", "conn-1", "tx-42")
	want := "openbank_conn-1_tx-42"
	if key != want {
		t.Errorf("Expected key %s, got %s", want, key)
	}
}

func TestTransactionExternalKeyScopedByConnection(t *testing.T) {
	// Two connections reporting the same provider transaction id must never
	// collide on the key.
	a := TransactionExternalKey("openbank", "conn-1", "tx-42")
	b := TransactionExternalKey("openbank", "conn-2", "tx-42")
	if a == b {
		t.Errorf("Expected distinct keys per connection, both were %s", a)
	}
}
