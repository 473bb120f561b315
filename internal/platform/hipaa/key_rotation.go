package hipaa

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
)

// KeyVersion prefix format: "v{version}:" prepended to the sealed blob.
const keyVersionPrefix = "v"
const keyVersionSeparator = ':'

// maxVersionDigits bounds the prefix scan so binary payloads that happen to
// start with 'v' are not mistaken for a long version header.
const maxVersionDigits = 6

// RotatingEncryptor supports encryption key rotation with versioned keys.
// New blobs are always sealed with the current key; blobs sealed under a
// registered previous key remain readable until they are re-encrypted.
type RotatingEncryptor struct {
	mu         sync.RWMutex
	current    *PHIEncryptor
	currentVer int
	previous   map[int]*PHIEncryptor
}

// NewRotatingEncryptor creates a new rotating encryptor with the current key.
func NewRotatingEncryptor(currentKey []byte, currentVersion int) (*RotatingEncryptor, error) {
	enc, err := NewPHIEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("rotating encryptor: current key: %w", err)
	}
	return &RotatingEncryptor{
		current:    enc,
		currentVer: currentVersion,
		previous:   make(map[int]*PHIEncryptor),
	}, nil
}

// AddPreviousKey registers a retired key so blobs sealed with it can still be opened.
func (r *RotatingEncryptor) AddPreviousKey(key []byte, version int) error {
	if version == r.CurrentVersion() {
		return fmt.Errorf("rotating encryptor: version %d is the current key", version)
	}
	enc, err := NewPHIEncryptor(key)
	if err != nil {
		return fmt.Errorf("rotating encryptor: previous key v%d: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous[version] = enc
	return nil
}

// EncryptBytes seals with the current key and prepends the version header.
func (r *RotatingEncryptor) EncryptBytes(data []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sealed, err := r.current.EncryptBytes(data)
	if err != nil {
		return nil, err
	}
	header := keyVersionPrefix + strconv.Itoa(r.currentVer) + string(keyVersionSeparator)
	out := make([]byte, 0, len(header)+len(sealed))
	out = append(out, header...)
	return append(out, sealed...), nil
}

// DecryptBytes detects the key version and opens the blob with the matching key.
// Blobs without a version header are treated as legacy and opened with the
// current key.
func (r *RotatingEncryptor) DecryptBytes(token []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, sealed, ok := parseVersionHeader(token)
	if !ok {
		return r.current.DecryptBytes(token)
	}

	if version == r.currentVer {
		return r.current.DecryptBytes(sealed)
	}

	enc, found := r.previous[version]
	if !found {
		return nil, fmt.Errorf("%w: no key available for version %d", ErrIntegrity, version)
	}
	return enc.DecryptBytes(sealed)
}

// NeedsReEncryption reports whether a blob was sealed under a key other than the current one.
func (r *RotatingEncryptor) NeedsReEncryption(token []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, _, ok := parseVersionHeader(token)
	if !ok {
		return true
	}
	return version != r.currentVer
}

// ReEncrypt opens a blob with whichever key sealed it and reseals it with the current key.
func (r *RotatingEncryptor) ReEncrypt(token []byte) ([]byte, error) {
	plaintext, err := r.DecryptBytes(token)
	if err != nil {
		return nil, fmt.Errorf("re-encrypt: decrypt: %w", err)
	}
	return r.EncryptBytes(plaintext)
}

// CurrentVersion returns the current key version.
func (r *RotatingEncryptor) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentVer
}

func parseVersionHeader(token []byte) (int, []byte, bool) {
	if !bytes.HasPrefix(token, []byte(keyVersionPrefix)) {
		return 0, nil, false
	}
	limit := len(keyVersionPrefix) + maxVersionDigits + 1
	if limit > len(token) {
		limit = len(token)
	}
	idx := bytes.IndexByte(token[:limit], keyVersionSeparator)
	if idx <= len(keyVersionPrefix) {
		return 0, nil, false
	}

	version, err := strconv.Atoi(string(token[len(keyVersionPrefix):idx]))
	if err != nil || version < 0 {
		return 0, nil, false
	}
	return version, token[idx+1:], true
}
