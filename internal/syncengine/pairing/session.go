package pairing

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/triantos/wealthfolio/internal/syncengine/relayclient"
)

var ErrRelayRequired = errors.New("pairing: relay client is required")
var ErrClockRequired = errors.New("pairing: clock is required")

// IssuerConfig configures an IssuerSession.
type IssuerConfig struct {
	Relay *relayclient.Client
	Clock clockwork.Clock
	// SigningKey signs the encrypted key bundle so the claimer can
	// authenticate it (§4.6 step 5).
	SigningKey ed25519.PrivateKey
	// TTL bounds how long a session may run before it is treated as
	// expired locally, independent of whatever the relay reports.
	// Defaults to DefaultTTL.
	TTL time.Duration
}

func (c IssuerConfig) Validate() error {
	if c.Relay == nil {
		return ErrRelayRequired
	}
	if c.Clock == nil {
		return ErrClockRequired
	}
	return nil
}

// IssuerSession drives the issuer side of one pairing handshake.
type IssuerSession struct {
	cfg       IssuerConfig
	keys      *EphemeralKeyPair
	pairingID string
	state     IssuerState
	cancelWhy CancelReason
	createdAt time.Time
}

func NewIssuerSession(cfg IssuerConfig) (*IssuerSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &IssuerSession{cfg: cfg, state: IssuerPendingCreate}, nil
}

// expire transitions the session to IssuerExpired and records why.
func (s *IssuerSession) expire() {
	s.state = IssuerExpired
	s.cancelWhy = CancelReasonExpired
}

// checkExpiry drives the local TTL side of §4.6's "expiry after a
// server-defined TTL is observed via get_pairing": relayState is
// whatever the relay's own session.State reported on the same call, so
// a server-reported expiry takes effect immediately even if the local
// clock hasn't yet exceeded TTL.
func (s *IssuerSession) checkExpiry(relayState string) bool {
	if relayState == string(IssuerExpired) || s.cfg.Clock.Since(s.createdAt) > s.cfg.TTL {
		s.expire()
		return true
	}
	return false
}

// Create posts the code commitment and this device's ephemeral public
// key, starting the handshake (§4.6 step 1).
func (s *IssuerSession) Create(ctx context.Context, code string) error {
	if s.state != IssuerPendingCreate {
		return fmt.Errorf("%w: create called in state %s", ErrWrongState, s.state)
	}
	keys, err := NewEphemeralKeyPair()
	if err != nil {
		return err
	}
	session, err := s.cfg.Relay.CreatePairing(ctx, HashCode(code), hexOf(keys.Public))
	if err != nil {
		return fmt.Errorf("pairing: create_pairing: %w", err)
	}
	s.keys = keys
	s.pairingID = session.PairingID
	s.state = IssuerPendingClaim
	s.createdAt = s.cfg.Clock.Now()
	return nil
}

// PollForClaim checks whether a claimer has claimed this session,
// per §4.6 step 4. Returns the derived SAS once a claim appears, for
// the user to confirm out-of-band against the claimer's screen.
func (s *IssuerSession) PollForClaim(ctx context.Context) (sas string, claimed bool, err error) {
	if s.state != IssuerPendingClaim {
		return "", false, fmt.Errorf("%w: poll called in state %s", ErrWrongState, s.state)
	}
	session, err := s.cfg.Relay.GetPairing(ctx, s.pairingID)
	if err != nil {
		return "", false, fmt.Errorf("pairing: get_pairing: %w", err)
	}
	if s.checkExpiry(session.State) {
		return "", false, ErrPairingExpired
	}
	if session.ClaimerPubKey == "" {
		return "", false, nil
	}
	claimerPub, err := hexToBytes(session.ClaimerPubKey)
	if err != nil {
		return "", false, fmt.Errorf("pairing: decoding claimer pub key: %w", err)
	}
	s.state = IssuerClaimed
	return DeriveSAS(s.keys.Public, claimerPub), true, nil
}

// ApproveAndComplete is called once the user has confirmed the SAS
// matches on both screens. It derives the shared secret, encrypts the
// root key bundle, signs it, and posts it (§4.6 step 5).
func (s *IssuerSession) ApproveAndComplete(ctx context.Context, claimerPub []byte, sas string, rootKey []byte, keyVersion int) error {
	if s.state != IssuerClaimed {
		return fmt.Errorf("%w: approve called in state %s", ErrWrongState, s.state)
	}
	if err := s.cfg.Relay.ApprovePairing(ctx, s.pairingID, sas); err != nil {
		return fmt.Errorf("pairing: approve_pairing: %w", err)
	}
	s.state = IssuerApproved

	secret, err := s.keys.SharedSecret(claimerPub)
	if err != nil {
		return err
	}
	// KeyBundle.RootKey is tagged json:"-" so it's never marshaled by
	// accident elsewhere; the wire payload is built explicitly here,
	// the one place it's meant to cross a process boundary (encrypted).
	wireJSON, err := json.Marshal(map[string]any{"rootKey": hexOf(rootKey), "keyVersion": keyVersion})
	if err != nil {
		return fmt.Errorf("pairing: marshaling wire bundle: %w", err)
	}

	encrypted, err := EncryptBundle(secret, string(wireJSON))
	if err != nil {
		return err
	}
	signature := ""
	if s.cfg.SigningKey != nil {
		signature = SignBundle(s.cfg.SigningKey, encrypted)
	}

	if err := s.cfg.Relay.CompletePairing(ctx, s.pairingID, encrypted, signature, sas); err != nil {
		return fmt.Errorf("pairing: complete_pairing: %w", err)
	}
	s.state = IssuerCompleted
	return nil
}

func (s *IssuerSession) Cancel(ctx context.Context) error {
	if err := s.cfg.Relay.CancelPairing(ctx, s.pairingID, string(CancelReasonCancelledByIssuer)); err != nil {
		return fmt.Errorf("pairing: cancel_pairing: %w", err)
	}
	s.state = IssuerCancelled
	s.cancelWhy = CancelReasonCancelledByIssuer
	return nil
}

func (s *IssuerSession) State() IssuerState { return s.state }

// CancelReason reports why the session ended without completing, once
// it has (zero value otherwise).
func (s *IssuerSession) CancelReason() CancelReason { return s.cancelWhy }

// ClaimerConfig configures a ClaimerSession.
type ClaimerConfig struct {
	Relay           *relayclient.Client
	Clock           clockwork.Clock
	IssuerVerifyKey ed25519.PublicKey
	// TTL bounds how long a session may run before it is treated as
	// expired locally. Defaults to DefaultTTL.
	TTL time.Duration
}

func (c ClaimerConfig) Validate() error {
	if c.Relay == nil {
		return ErrRelayRequired
	}
	if c.Clock == nil {
		return ErrClockRequired
	}
	return nil
}

// ClaimerSession drives the claimer (new device) side of the handshake.
type ClaimerSession struct {
	cfg       ClaimerConfig
	keys      *EphemeralKeyPair
	pairingID string
	issuerPub []byte
	state     ClaimerState
	cancelWhy CancelReason
	createdAt time.Time
}

func NewClaimerSession(cfg ClaimerConfig) (*ClaimerSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &ClaimerSession{cfg: cfg, state: ClaimerPendingClaim}, nil
}

// expired reports whether this session has run past its TTL. The
// claimer has no endpoint that surfaces the relay's own session state
// directly (GetPairingMessages returns only messages), so the claimer
// side of expiry observation is local-clock only.
func (s *ClaimerSession) expired() bool {
	return s.cfg.Clock.Since(s.createdAt) > s.cfg.TTL
}

// Claim submits the user-entered code plus this device's ephemeral
// public key (§4.6 step 3).
func (s *ClaimerSession) Claim(ctx context.Context, code string) error {
	if s.state != ClaimerPendingClaim {
		return fmt.Errorf("%w: claim called in state %s", ErrWrongState, s.state)
	}
	keys, err := NewEphemeralKeyPair()
	if err != nil {
		return err
	}
	session, err := s.cfg.Relay.ClaimPairing(ctx, code, hexOf(keys.Public))
	if err != nil {
		s.cancelWhy = CancelReasonCodeMismatch
		return fmt.Errorf("pairing: claim_pairing: %w", err)
	}
	issuerPub, err := hexToBytes(session.IssuerPubKey)
	if err != nil {
		return fmt.Errorf("pairing: decoding issuer pub key: %w", err)
	}
	s.keys = keys
	s.pairingID = session.PairingID
	s.issuerPub = issuerPub
	s.state = ClaimerAwaitingKey
	s.createdAt = s.cfg.Clock.Now()
	return nil
}

// SAS returns the Short Authentication String for the user to compare
// against the issuer's screen.
func (s *ClaimerSession) SAS() string {
	return DeriveSAS(s.issuerPub, s.keys.Public)
}

// PollAndConfirm polls for the encrypted key bundle, decrypts and
// verifies it, and confirms completion (§4.6 step 6). On success it
// returns the decrypted root key (hex) and its key version for the
// caller to persist as the device's sync identity.
func (s *ClaimerSession) PollAndConfirm(ctx context.Context, sas string) (rootKeyHex string, keyVersion int, err error) {
	if s.state != ClaimerAwaitingKey {
		return "", 0, fmt.Errorf("%w: confirm called in state %s", ErrWrongState, s.state)
	}
	if s.expired() {
		s.state = ClaimerExpired
		s.cancelWhy = CancelReasonExpired
		return "", 0, ErrPairingExpired
	}
	messages, err := s.cfg.Relay.GetPairingMessages(ctx, s.pairingID)
	if err != nil {
		return "", 0, fmt.Errorf("pairing: get_pairing_messages: %w", err)
	}
	if len(messages) == 0 {
		return "", 0, nil
	}
	msg := messages[len(messages)-1]

	if s.cfg.IssuerVerifyKey != nil {
		if err := VerifyBundleSignature(s.cfg.IssuerVerifyKey, msg.EncryptedBundle, msg.Signature); err != nil {
			return "", 0, err
		}
	}
	if msg.SASProof != sas {
		return "", 0, ErrSASMismatch
	}

	secret, err := s.keys.SharedSecret(s.issuerPub)
	if err != nil {
		return "", 0, err
	}
	plaintext, err := DecryptBundle(secret, msg.EncryptedBundle)
	if err != nil {
		return "", 0, fmt.Errorf("pairing: decrypting key bundle: %w", err)
	}

	var wire struct {
		RootKey    string `json:"rootKey"`
		KeyVersion int    `json:"keyVersion"`
	}
	if err := json.Unmarshal([]byte(plaintext), &wire); err != nil {
		return "", 0, fmt.Errorf("pairing: decoding key bundle: %w", err)
	}

	if err := s.cfg.Relay.ConfirmPairing(ctx, s.pairingID, sas); err != nil {
		return "", 0, fmt.Errorf("pairing: confirm_pairing: %w", err)
	}
	s.state = ClaimerConfirmed
	return wire.RootKey, wire.KeyVersion, nil
}

func (s *ClaimerSession) Cancel(ctx context.Context) error {
	if err := s.cfg.Relay.CancelPairing(ctx, s.pairingID, string(CancelReasonCancelledByClaimer)); err != nil {
		return fmt.Errorf("pairing: cancel_pairing: %w", err)
	}
	s.state = ClaimerCancelled
	s.cancelWhy = CancelReasonCancelledByClaimer
	return nil
}

func (s *ClaimerSession) State() ClaimerState { return s.state }

// CancelReason reports why the session ended without completing, once
// it has (zero value otherwise).
func (s *ClaimerSession) CancelReason() CancelReason { return s.cancelWhy }
