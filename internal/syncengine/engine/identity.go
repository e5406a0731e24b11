// Package engine composes the sync engine's components into the single entry point the
// embedding application drives: open a store, open a secret-backed
// identity, and run cycles in the background. The composition-root
// shape (one struct holding every collaborator, built by a single
// constructor) follows controlplane/funder/internal/funder/funder.go's
// Config+New convention, generalized from a single disbursement loop
// to the full set of sync collaborators.
package engine

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/triantos/wealthfolio/internal/secretstore"
	"github.com/triantos/wealthfolio/internal/syncengine/crypto"
)

// DeviceDescriptor is a device's self-description, posted on
// enrollment — a supplemental value type named in SPEC_FULL §3 but
// left out of the distilled spec's entity list.
type DeviceDescriptor struct {
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName"`
	Platform    string `json:"platform"`
	OSVersion   string `json:"osVersion"`
	AppVersion  string `json:"appVersion"`
}

// Identity is the local device's persisted sync identity: its stable
// id, its long-term Ed25519 signing key (used during pairing to prove
// provenance of a key bundle), and — once paired or bootstrapped — the
// team root key. Identity is sealed as JSON under
// secretstore.KeyIdentity; RootKey is absent until pairing completes.
type Identity struct {
	DeviceID       string `json:"deviceId"`
	SigningPrivKey []byte `json:"signingPrivKey"`
	SigningPubKey  []byte `json:"signingPubKey"`
	RootKey        []byte `json:"rootKey,omitempty"`
	KeyVersion     int    `json:"keyVersion,omitempty"`
}

// SigningKey returns the device's long-term Ed25519 private key, used
// to sign pairing key bundles it issues.
func (id Identity) SigningKey() ed25519.PrivateKey { return ed25519.PrivateKey(id.SigningPrivKey) }

var ErrIdentityNotConfigured = errors.New("engine: no local sync identity configured")

// LoadIdentity reads and unmarshals the identity sealed under
// secretstore.KeyIdentity, mapping secretstore.ErrNotFound onto
// ErrIdentityNotConfigured so callers (notably cycle.IdentityLoader)
// can treat "never configured" as a single, tested error.
func LoadIdentity(secrets secretstore.Store) (Identity, error) {
	raw, err := secrets.Get(secretstore.KeyIdentity)
	if err != nil {
		if errors.Is(err, secretstore.ErrNotFound) {
			return Identity{}, ErrIdentityNotConfigured
		}
		return Identity{}, fmt.Errorf("engine: loading identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, fmt.Errorf("engine: decoding identity: %w", err)
	}
	return id, nil
}

// SaveIdentity seals id's JSON form under secretstore.KeyIdentity.
func SaveIdentity(secrets secretstore.Store, id Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("engine: encoding identity: %w", err)
	}
	return secrets.Set(secretstore.KeyIdentity, raw)
}

// NewLocalIdentity generates a fresh device identity with a stable id
// and a new Ed25519 signing key pair, with no root key yet — the state
// that precedes either bootstrapping a new team or claiming a pairing
// from an existing one.
func NewLocalIdentity(deviceID string) (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return Identity{}, fmt.Errorf("engine: generating signing key: %w", err)
	}
	return Identity{DeviceID: deviceID, SigningPrivKey: priv, SigningPubKey: pub}, nil
}

// ResolveDEK adapts an Identity's root key into the
// cycle.DEKResolver/snapshot.DEKResolver/replay.DEKResolver function
// shape shared by every component that needs to derive a payload key.
func ResolveDEK(id Identity) func(keyVersion int) ([]byte, error) {
	return func(keyVersion int) ([]byte, error) {
		if len(id.RootKey) == 0 {
			return nil, fmt.Errorf("engine: no root key available (device not yet paired or bootstrapped)")
		}
		return crypto.DeriveDEK(id.RootKey, keyVersion)
	}
}
