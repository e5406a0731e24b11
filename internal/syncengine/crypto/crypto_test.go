package crypto_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triantos/wealthfolio/internal/syncengine/crypto"
)

func fixedRootKey() []byte {
	rk := make([]byte, crypto.RootKeySize)
	for i := range rk {
		rk[i] = byte(i)
	}
	return rk
}

func TestDeriveDEK_Deterministic(t *testing.T) {
	t.Parallel()
	rk := fixedRootKey()

	a, err := crypto.DeriveDEK(rk, 3)
	require.NoError(t, err)
	b, err := crypto.DeriveDEK(rk, 3)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := crypto.DeriveDEK(rk, 4)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestDeriveDEK_RejectsBadInputs(t *testing.T) {
	t.Parallel()
	rk := fixedRootKey()

	_, err := crypto.DeriveDEK(rk, 0)
	require.ErrorIs(t, err, crypto.ErrCryptoKey)

	_, err = crypto.DeriveDEK(rk[:10], 1)
	require.ErrorIs(t, err, crypto.ErrCryptoKey)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	t.Parallel()
	rk := fixedRootKey()
	dek, err := crypto.DeriveDEK(rk, 1)
	require.NoError(t, err)

	plaintext := `{"id":"a1","amount":100}`
	ct, err := crypto.Encrypt(dek, plaintext)
	require.NoError(t, err)
	require.NotEmpty(t, ct)

	got, err := crypto.Decrypt(dek, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestEncrypt_ProducesDistinctCiphertextsPerCall(t *testing.T) {
	t.Parallel()
	rk := fixedRootKey()
	dek, err := crypto.DeriveDEK(rk, 1)
	require.NoError(t, err)

	a, err := crypto.Encrypt(dek, "same plaintext")
	require.NoError(t, err)
	b, err := crypto.Encrypt(dek, "same plaintext")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "random nonce must vary ciphertext across calls")
}

func TestDecrypt_FailsOnTagMismatch(t *testing.T) {
	t.Parallel()
	rk := fixedRootKey()
	dek, err := crypto.DeriveDEK(rk, 1)
	require.NoError(t, err)

	ct, err := crypto.Encrypt(dek, "hello")
	require.NoError(t, err)

	// Flip a byte somewhere in the envelope without breaking hex
	// decoding.
	tampered := []byte(ct)
	mid := len(tampered) / 2
	if tampered[mid] == '0' {
		tampered[mid] = '1'
	} else {
		tampered[mid] = '0'
	}

	_, err = crypto.Decrypt(dek, string(tampered))
	require.ErrorIs(t, err, crypto.ErrCryptoAuth)
}

func TestDecrypt_FailsOnMalformedEnvelope(t *testing.T) {
	t.Parallel()
	rk := fixedRootKey()
	dek, err := crypto.DeriveDEK(rk, 1)
	require.NoError(t, err)

	_, err = crypto.Decrypt(dek, "not-hex!!")
	require.ErrorIs(t, err, crypto.ErrCryptoAuth)

	_, err = crypto.Decrypt(dek, "ab")
	require.ErrorIs(t, err, crypto.ErrCryptoAuth)
}

func TestDecrypt_DifferentKeyVersionFails(t *testing.T) {
	t.Parallel()
	rk := fixedRootKey()
	dekV1, err := crypto.DeriveDEK(rk, 1)
	require.NoError(t, err)
	dekV2, err := crypto.DeriveDEK(rk, 2)
	require.NoError(t, err)

	ct, err := crypto.Encrypt(dekV1, "secret")
	require.NoError(t, err)

	_, err = crypto.Decrypt(dekV2, ct)
	require.ErrorIs(t, err, crypto.ErrCryptoAuth)
}

func TestSHA256Checksum_FormatAndCaseInsensitiveCompare(t *testing.T) {
	t.Parallel()
	sum := crypto.SHA256Checksum([]byte("hello world"))
	require.True(t, strings.HasPrefix(sum, "sha256:"))
	require.Len(t, strings.TrimPrefix(sum, "sha256:"), 64)

	upper := strings.ToUpper(sum)
	require.True(t, strings.EqualFold(sum, upper))
}
