// Package crypto implements the engine's authenticated-encryption
// envelope and key derivation. The envelope shape (random nonce
// prepended to the AEAD ciphertext, whole thing hex-encoded) follows
// the encrypt/decrypt pair used for at-rest secrets elsewhere in the
// retrieved corpus; HKDF-based key derivation is added on top so every
// ciphertext is tied to a specific root-key version.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DEKSize is the size in bytes of a derived data-encryption key.
const DEKSize = 32

// RootKeySize is the required size in bytes of the team root key.
const RootKeySize = 32

var (
	// ErrCryptoKey is returned by DeriveDEK for an invalid root key or
	// key version.
	ErrCryptoKey = errors.New("crypto: invalid key material")
	// ErrCryptoAuth is returned by Decrypt on tag mismatch or a
	// malformed envelope.
	ErrCryptoAuth = errors.New("crypto: authentication failed")
)

// DeriveDEK deterministically derives a 32-byte data-encryption key from
// the team root key and a key version, using HKDF-SHA256 with the
// version as derivation context. The same (rootKey, keyVersion) pair
// always yields the same DEK, which is what lets every trusted device
// decrypt payloads encrypted at a given key version without any
// additional coordination.
func DeriveDEK(rootKey []byte, keyVersion int) ([]byte, error) {
	if keyVersion < 1 {
		return nil, fmt.Errorf("%w: key_version must be >= 1, got %d", ErrCryptoKey, keyVersion)
	}
	if len(rootKey) != RootKeySize {
		return nil, fmt.Errorf("%w: root key must be %d bytes, got %d", ErrCryptoKey, RootKeySize, len(rootKey))
	}
	info := []byte(fmt.Sprintf("wealthfolio-sync-dek-v%d", keyVersion))
	r := hkdf.New(sha256.New, rootKey, nil, info)
	dek := make([]byte, DEKSize)
	if _, err := io.ReadFull(r, dek); err != nil {
		return nil, fmt.Errorf("%w: hkdf expand failed: %v", ErrCryptoKey, err)
	}
	return dek, nil
}

// Encrypt authenticated-encrypts UTF-8 plaintext under dek, returning a
// self-describing ASCII-safe envelope: hex(nonce || ciphertext || tag).
// Binary payloads (e.g. a snapshot image) must be base64-encoded by the
// caller before being passed in here, to keep the envelope UTF-8 safe —
// this keeps row payloads and snapshot blobs on the same code path.
func Encrypt(dek []byte, plaintextUTF8 string) (string, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: generating nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintextUTF8), nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails with ErrCryptoAuth on tag mismatch
// or a malformed envelope (wrong encoding, too short to contain a
// nonce).
func Decrypt(dek []byte, ciphertextEnvelope string) (string, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return "", err
	}
	raw, err := hex.DecodeString(ciphertextEnvelope)
	if err != nil {
		return "", fmt.Errorf("%w: envelope is not valid hex: %v", ErrCryptoAuth, err)
	}
	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: envelope too short", ErrCryptoAuth)
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoAuth, err)
	}
	return string(plain), nil
}

func newGCM(dek []byte) (cipher.AEAD, error) {
	if len(dek) != DEKSize {
		return nil, fmt.Errorf("%w: dek must be %d bytes, got %d", ErrCryptoKey, DEKSize, len(dek))
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("crypto: building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: building GCM: %w", err)
	}
	return gcm, nil
}

// SHA256Checksum returns the "sha256:<hex>" checksum string used
// throughout the relay wire protocol for snapshot and payload
// integrity. Comparisons against it must be case-insensitive per the
// spec's boundary behavior (uppercase hex headers are accepted).
func SHA256Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
