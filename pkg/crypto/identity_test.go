package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateIdentityRejectsUnknownScheme(t *testing.T) {
	_, err := GenerateIdentity("rsa-4096", "", SchemeCryptX25519Box, "")
	require.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = GenerateIdentity(SchemeSignEd25519, "", "p384", "")
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestGenerateIdentitySignVerifyRoundTrip(t *testing.T) {
	id, err := GenerateIdentity(SchemeSignEd25519, "", SchemeCryptX25519Box, "")
	require.NoError(t, err)

	msg := []byte("hello from a sibling device")
	sig := id.Sign(msg)
	require.NoError(t, VerifyWith(id.SignScheme, id.SignPub, msg, sig))

	corrupted := append([]byte{}, sig...)
	corrupted[0] ^= 0xff
	require.ErrorIs(t, VerifyWith(id.SignScheme, id.SignPub, msg, corrupted), ErrVerifyFailed)
}

func TestFingerprintIsStableAndOrderSensitive(t *testing.T) {
	id1, err := GenerateIdentity(SchemeSignEd25519, "", SchemeCryptX25519Box, "")
	require.NoError(t, err)
	id2, err := GenerateIdentity(SchemeSignEd25519, "", SchemeCryptX25519Box, "")
	require.NoError(t, err)

	require.Equal(t, id1.Fingerprint(), id1.Fingerprint())
	require.NotEqual(t, id1.Fingerprint(), id2.Fingerprint())

	require.Equal(t,
		Fingerprint(id1.SignPub, id1.CryptPub[:]),
		id1.Fingerprint(),
	)
}
