package hipaa

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func TestNewPHIEncryptor(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		enc, err := NewPHIEncryptor(generateTestKey(t))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if enc == nil {
			t.Fatal("expected non-nil encryptor")
		}
	})

	t.Run("key too short", func(t *testing.T) {
		if _, err := NewPHIEncryptor(make([]byte, 16)); err == nil {
			t.Fatal("expected error for 16-byte key")
		}
	})

	t.Run("key too long", func(t *testing.T) {
		if _, err := NewPHIEncryptor(make([]byte, 64)); err == nil {
			t.Fatal("expected error for 64-byte key")
		}
	})

	t.Run("empty key", func(t *testing.T) {
		if _, err := NewPHIEncryptor([]byte{}); err == nil {
			t.Fatal("expected error for empty key")
		}
	})
}

func TestEncryptDecryptBytes_RoundTrip(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	cases := map[string][]byte{
		"empty":    {},
		"text":     []byte("Patient has a history of hypertension."),
		"binary":   {0x00, 0x01, 0x02, 0xff, 0xfe},
		"json":     []byte(`{"patient_id":"12345","age":45}`),
		"large":    bytes.Repeat([]byte{0xab}, 1<<16),
		"one byte": {0x7f},
	}

	for name, plaintext := range cases {
		t.Run(name, func(t *testing.T) {
			token, err := enc.EncryptBytes(plaintext)
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			if len(plaintext) > 0 && bytes.Contains(token, plaintext) {
				t.Fatal("token should not contain the plaintext")
			}

			got, err := enc.DecryptBytes(token)
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Errorf("roundtrip failed: got %d bytes, want %d", len(got), len(plaintext))
			}
		})
	}
}

func TestEncryptBytes_UniqueNonces(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	plaintext := []byte("same plaintext")
	t1, _ := enc.EncryptBytes(plaintext)
	t2, _ := enc.EncryptBytes(plaintext)
	if bytes.Equal(t1, t2) {
		t.Error("encrypting the same plaintext twice should produce different tokens")
	}
}

func TestDecryptBytes_Integrity(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	token, err := enc.EncryptBytes([]byte("sensitive study metadata"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	t.Run("corrupted byte", func(t *testing.T) {
		corrupted := append([]byte(nil), token...)
		corrupted[len(corrupted)-1] ^= 0xff
		_, err := enc.DecryptBytes(corrupted)
		if !errors.Is(err, ErrIntegrity) {
			t.Fatalf("expected ErrIntegrity, got %v", err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := enc.DecryptBytes(token[:8])
		if !errors.Is(err, ErrIntegrity) {
			t.Fatalf("expected ErrIntegrity, got %v", err)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewPHIEncryptor(generateTestKey(t))
		if err != nil {
			t.Fatalf("create other encryptor: %v", err)
		}
		_, err = other.DecryptBytes(token)
		if !errors.Is(err, ErrIntegrity) {
			t.Fatalf("expected ErrIntegrity, got %v", err)
		}
	})
}
