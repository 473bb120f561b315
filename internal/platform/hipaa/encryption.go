package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// ErrIntegrity is returned when a ciphertext fails authentication: it was
// tampered with, truncated, or sealed under a different key.
var ErrIntegrity = errors.New("phi decrypt: integrity check failed")

// BlobEncryptor is the contract the study store depends on. Both PHIEncryptor
// and RotatingEncryptor satisfy it.
type BlobEncryptor interface {
	EncryptBytes(data []byte) ([]byte, error)
	DecryptBytes(token []byte) ([]byte, error)
}

// PHIEncryptor provides AES-256-GCM encryption of opaque PHI blobs.
type PHIEncryptor struct {
	aead cipher.AEAD
}

// NewPHIEncryptor creates a new PHIEncryptor with the given 32-byte AES-256 key.
func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}

	return &PHIEncryptor{aead: aead}, nil
}

// EncryptBytes seals data and returns nonce || ciphertext. Empty input is
// valid and yields a token that decrypts back to an empty slice.
func (e *PHIEncryptor) EncryptBytes(data []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	return e.aead.Seal(nonce, nonce, data, nil), nil
}

// DecryptBytes extracts the nonce from the front of token and opens the
// remainder. Any authentication failure is reported as ErrIntegrity.
func (e *PHIEncryptor) DecryptBytes(token []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(token) < nonceSize+e.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}

	nonce, ciphertext := token[:nonceSize], token[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
