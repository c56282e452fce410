package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/bucketmail/internal/crypto"
)

// TestEncryptionKey is a deterministic base64 key for tests.
func TestEncryptionKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// NewTestSealer creates a Sealer with the deterministic test key.
func NewTestSealer(t *testing.T) *crypto.Sealer {
	t.Helper()

	sealer, err := crypto.NewSealer(TestEncryptionKey())
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}
	return sealer
}
