package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 parameters for newly hashed passwords. The encoded form is
// compatible with passlib's pbkdf2_sha256 handler.
const (
	pbkdf2Scheme  = "pbkdf2-sha256"
	pbkdf2Rounds  = 29000
	pbkdf2SaltLen = 16
	pbkdf2KeyLen  = sha256.Size
)

// ErrEmptyPassword is returned by HashPassword for an empty input.
var ErrEmptyPassword = errors.New("auth: password is empty")

// ab64 is passlib's "adapted base64": standard alphabet with '.' in place of
// '+' and no padding.
var ab64 = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789./").WithPadding(base64.NoPadding)

// HashPassword hashes a plaintext password with PBKDF2-SHA256.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	salt := make([]byte, pbkdf2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	sum := pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, pbkdf2KeyLen, sha256.New)
	return fmt.Sprintf("$%s$%d$%s$%s", pbkdf2Scheme, pbkdf2Rounds, ab64.EncodeToString(salt), ab64.EncodeToString(sum)), nil
}

// VerifyPassword compares a plaintext password with a stored hash. Both
// pbkdf2-sha256 and bcrypt hashes are accepted; needsRehash is true when the
// password matched but the hash is not in the preferred scheme and strength.
// Unknown or malformed hashes never verify.
func VerifyPassword(password, hash string) (ok bool, needsRehash bool) {
	switch {
	case strings.HasPrefix(hash, "$"+pbkdf2Scheme+"$"):
		rounds, matched := verifyPBKDF2(password, hash)
		return matched, matched && rounds < pbkdf2Rounds
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
			return false, false
		}
		return true, true
	default:
		return false, false
	}
}

func verifyPBKDF2(password, hash string) (int, bool) {
	// "", scheme, rounds, salt, checksum
	parts := strings.Split(hash, "$")
	if len(parts) != 5 {
		return 0, false
	}
	rounds, err := strconv.Atoi(parts[2])
	if err != nil || rounds <= 0 {
		return 0, false
	}
	salt, err := ab64.DecodeString(parts[3])
	if err != nil {
		return 0, false
	}
	want, err := ab64.DecodeString(parts[4])
	if err != nil || len(want) == 0 {
		return 0, false
	}
	got := pbkdf2.Key([]byte(password), salt, rounds, len(want), sha256.New)
	return rounds, subtle.ConstantTimeCompare(got, want) == 1
}
