package pairing_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triantos/wealthfolio/internal/syncengine/pairing"
)

func TestHashCodeAndVerifyCode(t *testing.T) {
	t.Parallel()
	hash := pairing.HashCode("ABC-123")
	require.True(t, pairing.VerifyCode("ABC-123", hash))
	require.False(t, pairing.VerifyCode("WRONG-CODE", hash))
}

func TestEphemeralKeyExchange_SharedSecretMatches(t *testing.T) {
	t.Parallel()
	issuer, err := pairing.NewEphemeralKeyPair()
	require.NoError(t, err)
	claimer, err := pairing.NewEphemeralKeyPair()
	require.NoError(t, err)

	issuerSecret, err := issuer.SharedSecret(claimer.Public)
	require.NoError(t, err)
	claimerSecret, err := claimer.SharedSecret(issuer.Public)
	require.NoError(t, err)

	require.Equal(t, issuerSecret, claimerSecret)
}

func TestDeriveSAS_LengthAndSensitiveToKeySwap(t *testing.T) {
	t.Parallel()
	issuer, err := pairing.NewEphemeralKeyPair()
	require.NoError(t, err)
	claimer, err := pairing.NewEphemeralKeyPair()
	require.NoError(t, err)
	attacker, err := pairing.NewEphemeralKeyPair()
	require.NoError(t, err)

	sasA := pairing.DeriveSAS(issuer.Public, claimer.Public)
	require.Len(t, sasA, 6)

	sasSwapped := pairing.DeriveSAS(issuer.Public, attacker.Public)
	require.NotEqual(t, sasA, sasSwapped, "a relay-substituted key must change the SAS")
}

func TestEncryptDecryptBundle_RoundTrip(t *testing.T) {
	t.Parallel()
	issuer, err := pairing.NewEphemeralKeyPair()
	require.NoError(t, err)
	claimer, err := pairing.NewEphemeralKeyPair()
	require.NoError(t, err)
	secret, err := issuer.SharedSecret(claimer.Public)
	require.NoError(t, err)

	ct, err := pairing.EncryptBundle(secret, `{"rootKey":"aabbcc","keyVersion":1}`)
	require.NoError(t, err)

	other, err := claimer.SharedSecret(issuer.Public)
	require.NoError(t, err)
	pt, err := pairing.DecryptBundle(other, ct)
	require.NoError(t, err)
	require.JSONEq(t, `{"rootKey":"aabbcc","keyVersion":1}`, pt)
}

func TestSignAndVerifyBundle(t *testing.T) {
	t.Parallel()
	pub, priv, err := generateEd25519(t)
	require.NoError(t, err)

	sig := pairing.SignBundle(priv, "ciphertext-blob")
	require.NoError(t, pairing.VerifyBundleSignature(pub, "ciphertext-blob", sig))
	require.Error(t, pairing.VerifyBundleSignature(pub, "tampered-blob", sig))
}
