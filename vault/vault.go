// Package vault implements password-derived encryption for a single secret
// string per user. Secrets are stored as "salt:iv:ciphertext" (all hex) and
// protected with AES-256-GCM under a PBKDF2-stretched key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// saltLen is the random salt length in bytes.
	saltLen = 16

	// ivLen is the GCM nonce length in bytes.
	ivLen = 12

	// keyLen is the derived key length in bytes (AES-256).
	keyLen = 32

	// iterations is the PBKDF2-SHA256 iteration count. High enough to make
	// offline brute force expensive; treat DeriveKey as a blocking-class call.
	iterations = 210_000
)

// ErrInvalidFormat indicates a serialized secret that is not three
// colon-joined hex segments. Detected before any key derivation.
var ErrInvalidFormat = errors.New("vault: invalid secret format")

// ErrDecryptionFailed indicates the key did not open the ciphertext. It does
// not distinguish a wrong password from corrupt ciphertext.
var ErrDecryptionFailed = errors.New("vault: decryption failed")

// GenerateSalt returns a fresh hex-encoded random salt.
func GenerateSalt() (string, error) {
	buf := make([]byte, saltLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// DeriveKey stretches password and salt into a 32-byte key using
// PBKDF2-SHA256. Deterministic for a given input pair.
func DeriveKey(password, salt string) []byte {
	return pbkdf2.Key([]byte(password), []byte(salt), iterations, keyLen, sha256.New)
}

// ZeroKey overwrites key material in place. Call once the key has been
// handed to the cipher, on success and failure paths alike.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Encrypt seals plaintext under a key derived from (password, salt) and
// returns the "salt:iv:ciphertext" serialization. A fresh random IV is
// generated per call, so two encryptions of the same plaintext differ.
func Encrypt(plaintext, password, salt string) (string, error) {
	key := DeriveKey(password, salt)
	defer ZeroKey(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	ct := gcm.Seal(nil, iv, []byte(plaintext), nil)
	return salt + ":" + hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens a "salt:iv:ciphertext" serialization. saltOverride, when
// non-empty, takes precedence over the embedded salt (key-rotation support).
// Malformed input yields ErrInvalidFormat before the expensive key
// derivation; any integrity failure yields ErrDecryptionFailed.
func Decrypt(serialized, password, saltOverride string) (string, error) {
	parts := strings.Split(serialized, ":")
	if len(parts) != 3 {
		return "", ErrInvalidFormat
	}

	salt := parts[0]
	if saltOverride != "" {
		salt = saltOverride
	}

	iv, err := hex.DecodeString(parts[1])
	if err != nil || len(iv) != ivLen {
		return "", ErrInvalidFormat
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrInvalidFormat
	}

	key := DeriveKey(password, salt)
	defer ZeroKey(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plain, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		// Deliberately collapse the cipher error: callers must not learn
		// whether the password or the ciphertext was at fault.
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
