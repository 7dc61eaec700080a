package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAsymEncryptDecryptRoundTrip(t *testing.T) {
	id, err := GenerateIdentity(SchemeSignEd25519, "", SchemeCryptX25519Box, "")
	require.NoError(t, err)

	plain := []byte("a wrapped account key")
	ct, err := AsymEncrypt(id.CryptPub, plain)
	require.NoError(t, err)
	require.NotEqual(t, plain, ct)

	got, err := id.AsymDecrypt(ct)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestAsymDecryptWrongIdentityFails(t *testing.T) {
	id1, err := GenerateIdentity(SchemeSignEd25519, "", SchemeCryptX25519Box, "")
	require.NoError(t, err)
	id2, err := GenerateIdentity(SchemeSignEd25519, "", SchemeCryptX25519Box, "")
	require.NoError(t, err)

	ct, err := AsymEncrypt(id1.CryptPub, []byte("for id1 only"))
	require.NoError(t, err)

	_, err = id2.AsymDecrypt(ct)
	require.ErrorIs(t, err, ErrVerifyFailed)
}

func TestAsymDecryptWithExplicitKeys(t *testing.T) {
	id, err := GenerateIdentity(SchemeSignEd25519, "", SchemeCryptX25519Box, "")
	require.NoError(t, err)

	ct, err := AsymEncrypt(id.CryptPub, []byte("explicit key path"))
	require.NoError(t, err)

	got, err := AsymDecryptWith(id.CryptPub, id.CryptPriv, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("explicit key path"), got)
}
