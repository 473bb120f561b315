package hipaa

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// validHexKey returns a 64-char hex string encoding 32 random bytes.
func validHexKey(t *testing.T) string {
	t.Helper()
	return hex.EncodeToString(generateTestKey(t))
}

func TestNewEncryptionService_ValidKey(t *testing.T) {
	svc, err := NewEncryptionService(KeyConfig{CurrentKey: validHexKey(t), CurrentVersion: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.CurrentVersion() != 1 {
		t.Errorf("expected key version 1, got %d", svc.CurrentVersion())
	}

	token, err := svc.EncryptBytes([]byte("pixel data"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := svc.DecryptBytes(token)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != "pixel data" {
		t.Errorf("expected 'pixel data', got %q", got)
	}
}

func TestNewEncryptionService_MissingKey(t *testing.T) {
	t.Run("production refuses", func(t *testing.T) {
		_, err := NewEncryptionService(KeyConfig{Production: true, CurrentVersion: 1}, zerolog.Nop())
		if err == nil {
			t.Fatal("expected error for missing key in production")
		}
		if !strings.Contains(err.Error(), "HIPAA_ENCRYPTION_KEY") {
			t.Errorf("expected error to name HIPAA_ENCRYPTION_KEY, got %v", err)
		}
	})

	t.Run("development uses ephemeral key", func(t *testing.T) {
		svc, err := NewEncryptionService(KeyConfig{CurrentVersion: 1}, zerolog.Nop())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		token, err := svc.EncryptBytes([]byte("x"))
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if _, err := svc.DecryptBytes(token); err != nil {
			t.Fatalf("decrypt: %v", err)
		}
	})
}

func TestNewEncryptionService_InvalidKeys(t *testing.T) {
	tests := []struct {
		name string
		cfg  KeyConfig
	}{
		{"not hex", KeyConfig{CurrentKey: strings.Repeat("zz", 32)}},
		{"too short", KeyConfig{CurrentKey: "abcd"}},
		{"previous without version", KeyConfig{CurrentKey: validHexKey(t), CurrentVersion: 2, PreviousKeys: []string{validHexKey(t)}}},
		{"previous bad version", KeyConfig{CurrentKey: validHexKey(t), CurrentVersion: 2, PreviousKeys: []string{"one:" + validHexKey(t)}}},
		{"previous bad key", KeyConfig{CurrentKey: validHexKey(t), CurrentVersion: 2, PreviousKeys: []string{"1:abcd"}}},
		{"previous reuses current version", KeyConfig{CurrentKey: validHexKey(t), CurrentVersion: 2, PreviousKeys: []string{"2:" + validHexKey(t)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEncryptionService(tt.cfg, zerolog.Nop()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewEncryptionService_PreviousKeys(t *testing.T) {
	oldHex := validHexKey(t)
	oldKey, _ := hex.DecodeString(oldHex)

	old, err := NewRotatingEncryptor(oldKey, 1)
	if err != nil {
		t.Fatalf("create old encryptor: %v", err)
	}
	token, err := old.EncryptBytes([]byte("archived study"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	svc, err := NewEncryptionService(KeyConfig{
		CurrentKey:     validHexKey(t),
		CurrentVersion: 2,
		PreviousKeys:   []string{" 1:" + oldHex, ""},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := svc.DecryptBytes(token)
	if err != nil {
		t.Fatalf("decrypt with previous key: %v", err)
	}
	if string(got) != "archived study" {
		t.Errorf("expected 'archived study', got %q", got)
	}
}
