package hipaa

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// KeyConfig describes the encryption keys handed to NewEncryptionService.
type KeyConfig struct {
	// CurrentKey is a 64-character hex string (32 bytes). Empty means
	// "generate an ephemeral key", which is only allowed outside production.
	CurrentKey string
	// CurrentVersion tags blobs sealed with CurrentKey.
	CurrentVersion int
	// PreviousKeys lists retired keys as "version:hexkey" entries.
	PreviousKeys []string
	// Production forbids the ephemeral-key fallback.
	Production bool
}

// NewEncryptionService builds the process-wide blob encryptor from config.
//
// In development an absent key is replaced by a random one and a warning is
// logged: anything encrypted under it becomes unreadable after a restart. In
// production an absent or malformed key is a startup error.
func NewEncryptionService(cfg KeyConfig, logger zerolog.Logger) (*RotatingEncryptor, error) {
	var keyBytes []byte
	if cfg.CurrentKey == "" {
		if cfg.Production {
			return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
		}
		keyBytes = make([]byte, 32)
		if _, err := rand.Read(keyBytes); err != nil {
			return nil, fmt.Errorf("generate ephemeral encryption key: %w", err)
		}
		logger.Warn().Msg("HIPAA_ENCRYPTION_KEY is not set: using an ephemeral key, encrypted studies will not survive a restart")
	} else {
		var err error
		keyBytes, err = decodeHexKey(cfg.CurrentKey)
		if err != nil {
			return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY: %w", err)
		}
	}

	enc, err := NewRotatingEncryptor(keyBytes, cfg.CurrentVersion)
	if err != nil {
		return nil, err
	}

	for _, entry := range cfg.PreviousKeys {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		verStr, hexKey, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS: entry must be version:hexkey")
		}
		version, err := strconv.Atoi(verStr)
		if err != nil {
			return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS: invalid version %q: %w", verStr, err)
		}
		prev, err := decodeHexKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS v%d: %w", version, err)
		}
		if err := enc.AddPreviousKey(prev, version); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Int("key_version", cfg.CurrentVersion).
		Int("previous_keys", len(enc.previous)).
		Msg("PHI blob encryption enabled")
	return enc, nil
}

func decodeHexKey(s string) ([]byte, error) {
	keyBytes, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}
	return keyBytes, nil
}
