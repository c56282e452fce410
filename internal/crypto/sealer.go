package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// sealVersion prefixes every sealed value so the format can change later.
const sealVersion byte = 1

var (
	// ErrMalformed is returned for input that is not a sealed value.
	ErrMalformed = errors.New("sealed value is malformed")
	// ErrUnsupportedVersion is returned for values sealed by a newer format.
	ErrUnsupportedVersion = errors.New("sealed value has unsupported version")
)

// Sealer encrypts secrets at rest with AES-256-GCM.
//
// A sealed value is laid out as [version][nonce][ciphertext+tag]. The
// purpose string is passed as additional authenticated data, so a value
// sealed for one column cannot be opened as another.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a base64-encoded 32-byte key.
func NewSealer(base64Key string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext for the given purpose. Every call uses a fresh
// random nonce.
func (s *Sealer) Seal(plaintext, purpose string) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+s.aead.Overhead())
	out[0] = sealVersion

	nonce := out[1 : 1+nonceSize]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return s.aead.Seal(out, nonce, []byte(plaintext), []byte(purpose)), nil
}

// Open decrypts a value produced by Seal with the same purpose.
func (s *Sealer) Open(sealed []byte, purpose string) (string, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < 1+nonceSize+s.aead.Overhead() {
		return "", ErrMalformed
	}
	if sealed[0] != sealVersion {
		return "", fmt.Errorf("%w: %d", ErrUnsupportedVersion, sealed[0])
	}

	nonce := sealed[1 : 1+nonceSize]
	plaintext, err := s.aead.Open(nil, nonce, sealed[1+nonceSize:], []byte(purpose))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
