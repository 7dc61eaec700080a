package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveExportKeyWithoutPasswordIsRandomAndUnsalted(t *testing.T) {
	scheme, salt, key, err := DeriveExportKey(nil)
	require.NoError(t, err)
	require.Equal(t, SchemeSymAES256GCM, scheme)
	require.Nil(t, salt)
	require.Len(t, key, exportKeyLen)

	_, _, key2, err := DeriveExportKey(nil)
	require.NoError(t, err)
	require.NotEqual(t, key, key2)
}

func TestDeriveExportKeyWithPasswordIsReproducible(t *testing.T) {
	password := "correct horse battery staple"
	scheme, salt, key, err := DeriveExportKey(&password)
	require.NoError(t, err)
	require.Equal(t, SchemeExportPBKDF2SHA256, scheme)
	require.Len(t, salt, exportSaltLen)
	require.Len(t, key, exportKeyLen)

	rederived := RederiveExportKey(password, salt)
	require.Equal(t, key, rederived)

	wrongPassword := RederiveExportKey("wrong password", salt)
	require.NotEqual(t, key, wrongPassword)
}

func TestDeriveExportKeyDifferentCallsUseDifferentSalts(t *testing.T) {
	password := "reused password"
	_, salt1, key1, err := DeriveExportKey(&password)
	require.NoError(t, err)
	_, salt2, key2, err := DeriveExportKey(&password)
	require.NoError(t, err)

	require.NotEqual(t, salt1, salt2)
	require.NotEqual(t, key1, key2)
}
