// Package pairing implements the code-based mutual-authentication
// handshake that transfers the team root key from a trusted device to
// a new one without ever handing it to the relay. The state machine
// shape (explicit State type, Config+Validate, one struct per role)
// follows the Config+Validate convention used throughout this codebase;
// the actual key-exchange primitives (X25519 + Ed25519 + SHA-256) come
// from the standard library — no ecosystem pairing/SAS library fits
// this narrowly, so this is the one place in the pairing handshake
// where stdlib crypto is used directly instead of a third-party
// dependency.
package pairing

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/triantos/wealthfolio/internal/syncengine/crypto"
)

// IssuerState is the issuer-side pairing state, per §4.6.
type IssuerState string

const (
	IssuerPendingCreate IssuerState = "pending_create"
	IssuerPendingClaim  IssuerState = "pending_claim"
	IssuerClaimed       IssuerState = "claimed"
	IssuerApproved      IssuerState = "approved"
	IssuerCompleted     IssuerState = "completed"
	IssuerCancelled     IssuerState = "cancelled"
	IssuerExpired       IssuerState = "expired"
)

// ClaimerState is the claimer-side pairing state, per §4.6.
type ClaimerState string

const (
	ClaimerPendingClaim  ClaimerState = "pending_claim"
	ClaimerAwaitingKey   ClaimerState = "awaiting_key"
	ClaimerConfirmed     ClaimerState = "confirmed"
	ClaimerCancelled     ClaimerState = "cancelled"
	ClaimerExpired       ClaimerState = "expired"
)

// CancelReason distinguishes why a pairing ended without completing —
// a supplemental detail from original_source/ not named in the
// distilled spec (SPEC_FULL §3).
type CancelReason string

const (
	CancelReasonExpired            CancelReason = "expired"
	CancelReasonCancelledByIssuer  CancelReason = "cancelled_by_issuer"
	CancelReasonCancelledByClaimer CancelReason = "cancelled_by_claimer"
	CancelReasonCodeMismatch       CancelReason = "code_mismatch"
)

var (
	ErrSASMismatch    = errors.New("pairing: short authentication string mismatch")
	ErrSignatureBad   = errors.New("pairing: signature verification failed")
	ErrWrongState     = errors.New("pairing: operation invalid in current state")
	ErrPairingExpired = errors.New("pairing: session expired")
)

// DefaultTTL is how long a pairing session may run before a session
// drives it to Expired locally, even if the relay never reports its
// own server-side TTL expiry (§4.6: "expiry after a server-defined TTL
// is observed via get_pairing").
const DefaultTTL = 10 * time.Minute

// EphemeralKeyPair is one party's X25519 key pair for this pairing
// session.
type EphemeralKeyPair struct {
	private *ecdh.PrivateKey
	Public  []byte
}

// NewEphemeralKeyPair generates a fresh X25519 key pair.
func NewEphemeralKeyPair() (*EphemeralKeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pairing: generating ephemeral key: %w", err)
	}
	return &EphemeralKeyPair{private: priv, Public: priv.PublicKey().Bytes()}, nil
}

// SharedSecret derives the X25519 shared secret with the other party's
// public key.
func (k *EphemeralKeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	peer, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("pairing: parsing peer public key: %w", err)
	}
	secret, err := k.private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("pairing: computing shared secret: %w", err)
	}
	return secret, nil
}

// HashCode computes code_hash = H(code), the commitment the issuer
// posts in create_pairing (§4.6 step 1).
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// VerifyCode checks a claimer-supplied code against the issuer's
// commitment in constant time.
func VerifyCode(code, codeHash string) bool {
	want, err := hex.DecodeString(codeHash)
	if err != nil {
		return false
	}
	got := sha256.Sum256([]byte(code))
	return subtle.ConstantTimeCompare(got[:], want) == 1
}

// DeriveSAS computes the Short Authentication String shown on both
// devices from both ephemeral public keys, so a relay-controlled swap
// of either key produces a visibly different string (§4.6 step 4).
// The result is a 6-digit decimal string, convenient to read aloud or
// compare on screen.
func DeriveSAS(issuerPub, claimerPub []byte) string {
	h := sha256.New()
	h.Write(issuerPub)
	h.Write(claimerPub)
	sum := h.Sum(nil)
	n := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	return fmt.Sprintf("%06d", n%1_000_000)
}

// KeyBundle is the {root_key, key_version} payload the issuer encrypts
// and posts via complete_pairing (§4.6 step 5).
type KeyBundle struct {
	RootKey    []byte `json:"-"`
	KeyVersion int    `json:"keyVersion"`
}

// EncryptBundle derives a DEK from the shared secret (treated as a
// one-off root key at version 1, scoped to this pairing session only)
// and encrypts the key bundle's JSON form under it.
func EncryptBundle(sharedSecret []byte, bundleJSON string) (string, error) {
	dek, err := crypto.DeriveDEK(sharedSecret, 1)
	if err != nil {
		return "", fmt.Errorf("pairing: deriving bundle dek: %w", err)
	}
	return crypto.Encrypt(dek, bundleJSON)
}

// DecryptBundle reverses EncryptBundle.
func DecryptBundle(sharedSecret []byte, ciphertext string) (string, error) {
	dek, err := crypto.DeriveDEK(sharedSecret, 1)
	if err != nil {
		return "", fmt.Errorf("pairing: deriving bundle dek: %w", err)
	}
	return crypto.Decrypt(dek, ciphertext)
}

// SignBundle signs the encrypted bundle with the issuer's long-term
// Ed25519 identity key, so the claimer can authenticate it came from
// the issuer device and not from the relay.
func SignBundle(issuerSigningKey ed25519.PrivateKey, encryptedBundle string) string {
	sig := ed25519.Sign(issuerSigningKey, []byte(encryptedBundle))
	return hex.EncodeToString(sig)
}

// VerifyBundleSignature checks a signature produced by SignBundle.
func VerifyBundleSignature(issuerVerifyingKey ed25519.PublicKey, encryptedBundle, signatureHex string) error {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("%w: malformed signature encoding", ErrSignatureBad)
	}
	if !ed25519.Verify(issuerVerifyingKey, []byte(encryptedBundle), sig) {
		return ErrSignatureBad
	}
	return nil
}

func hexOf(b []byte) string { return hex.EncodeToString(b) }

func hexToBytes(s string) ([]byte, error) { return hex.DecodeString(s) }
