package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAESCMACIsDeterministicAndKeyed(t *testing.T) {
	key := bytes.Repeat([]byte{0x2b}, 32)
	msg := []byte("a row of change data to be tagged")

	tag1, err := aesCMAC(key, msg)
	require.NoError(t, err)
	require.Len(t, tag1, aesCMACBlockSize)

	tag2, err := aesCMAC(key, msg)
	require.NoError(t, err)
	require.Equal(t, tag1, tag2)

	otherKey := bytes.Repeat([]byte{0x7e}, 32)
	tag3, err := aesCMAC(otherKey, msg)
	require.NoError(t, err)
	require.NotEqual(t, tag1, tag3)
}

func TestAESCMACDiffersOnBlockBoundary(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)

	empty, err := aesCMAC(key, nil)
	require.NoError(t, err)

	oneBlock, err := aesCMAC(key, bytes.Repeat([]byte{0xaa}, aesCMACBlockSize))
	require.NoError(t, err)
	require.NotEqual(t, empty, oneBlock)

	short, err := aesCMAC(key, bytes.Repeat([]byte{0xaa}, aesCMACBlockSize-1))
	require.NoError(t, err)
	require.NotEqual(t, oneBlock, short)

	twoBlocks, err := aesCMAC(key, bytes.Repeat([]byte{0xaa}, aesCMACBlockSize+1))
	require.NoError(t, err)
	require.NotEqual(t, oneBlock, twoBlocks)
	require.NotEqual(t, short, twoBlocks)
}

func TestGfDoubleReducesOnMSBSet(t *testing.T) {
	var withMSB [aesCMACBlockSize]byte
	withMSB[0] = 0x80

	doubled := gfDouble(withMSB)
	require.Equal(t, byte(0x87), doubled[aesCMACBlockSize-1])
	for i := 0; i < aesCMACBlockSize-1; i++ {
		require.Equal(t, byte(0), doubled[i])
	}
}
