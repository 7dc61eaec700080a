package keystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemBackendRoundTrip(t *testing.T) {
	b := NewMemBackend()
	require.NoError(t, b.Open())
	defer b.Close()

	ok, err := b.Contains("alpha")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Save("alpha", []byte("secret")))

	ok, err = b.Contains("alpha")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := b.Load("alpha")
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), got)

	require.NoError(t, b.Remove("alpha"))
	_, err = b.Load("alpha")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemBackendLoadMissingIsNotFound(t *testing.T) {
	b := NewMemBackend()
	_, err := b.Load("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackendRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	b := NewFileBackend(dir)
	require.NoError(t, b.Open())
	defer b.Close()

	ok, err := b.Contains("device-sign")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Save("device-sign", []byte{1, 2, 3, 4}))

	ok, err = b.Contains("device-sign")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := b.Load("device-sign")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, got)

	require.NoError(t, b.Remove("device-sign"))
	ok, err = b.Contains("device-sign")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileBackendLoadMissingIsNotFound(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir)
	require.NoError(t, b.Open())
	defer b.Close()

	_, err := b.Load("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackendRemoveMissingIsNoop(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir)
	require.NoError(t, b.Open())
	defer b.Close()

	require.NoError(t, b.Remove("never-existed"))
}
