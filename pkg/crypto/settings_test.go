package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemSettingsGetSetDeleteKeys(t *testing.T) {
	s := NewMemSettings()

	_, ok := s.Get(SettingLocalKeyIndex)
	require.False(t, ok)

	require.NoError(t, s.Set(SettingLocalKeyIndex, "3"))
	v, ok := s.Get(SettingLocalKeyIndex)
	require.True(t, ok)
	require.Equal(t, "3", v)

	require.NoError(t, s.Set("crypto/scheme/key/1", "aes-256-gcm"))
	require.NoError(t, s.Set("crypto/scheme/key/2", "aes-256-gcm"))
	require.NoError(t, s.Set(SettingSignScheme, "ed25519"))

	keys := s.Keys("crypto/scheme/key/")
	require.ElementsMatch(t, []string{"crypto/scheme/key/1", "crypto/scheme/key/2"}, keys)

	require.NoError(t, s.Delete("crypto/scheme/key/1"))
	require.ElementsMatch(t, []string{"crypto/scheme/key/2"}, s.Keys("crypto/scheme/key/"))
}

func TestFileSettingsPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	fs1, err := NewFileSettings(path)
	require.NoError(t, err)
	require.NoError(t, fs1.Set(SettingLocalKeyIndex, "5"))
	require.NoError(t, fs1.Set("crypto/scheme/key/5", "aes-256-gcm"))

	fs2, err := NewFileSettings(path)
	require.NoError(t, err)
	v, ok := fs2.Get(SettingLocalKeyIndex)
	require.True(t, ok)
	require.Equal(t, "5", v)
	require.Equal(t, []string{"crypto/scheme/key/5"}, fs2.Keys("crypto/scheme/key/"))
}

func TestFileSettingsMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	fs, err := NewFileSettings(path)
	require.NoError(t, err)
	_, ok := fs.Get(SettingLocalKeyIndex)
	require.False(t, ok)
}
