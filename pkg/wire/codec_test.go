package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestFieldEncoderDecoderRoundTrip(t *testing.T) {
	enc := newFieldEncoder()
	id := uuid.New()
	enc.PutU8(7)
	enc.PutU16(1000)
	enc.PutU32(100000)
	enc.PutU64(10000000000)
	enc.PutBool(true)
	enc.PutBytes([]byte("hello"))
	enc.PutString("vaultsync")
	enc.PutUUID(id)
	enc.PutVersion(Version{1, 2, 3})
	enc.PutOptionalBytes([]byte("opt"), true)
	enc.PutOptionalBytes(nil, false)
	enc.PutStringList([]string{"a", "bb", "ccc"})

	dec := newFieldDecoder(enc.Bytes())

	u8, err := dec.GetU8()
	require.NoError(t, err)
	require.Equal(t, uint8(7), u8)

	u16, err := dec.GetU16()
	require.NoError(t, err)
	require.Equal(t, uint16(1000), u16)

	u32, err := dec.GetU32()
	require.NoError(t, err)
	require.Equal(t, uint32(100000), u32)

	u64, err := dec.GetU64()
	require.NoError(t, err)
	require.Equal(t, uint64(10000000000), u64)

	b, err := dec.GetBool()
	require.NoError(t, err)
	require.True(t, b)

	bs, err := dec.GetBytes()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), bs)

	s, err := dec.GetString()
	require.NoError(t, err)
	require.Equal(t, "vaultsync", s)

	gotID, err := dec.GetUUID()
	require.NoError(t, err)
	require.Equal(t, id, gotID)

	ver, err := dec.GetVersion()
	require.NoError(t, err)
	require.Equal(t, Version{1, 2, 3}, ver)

	opt, present, err := dec.GetOptionalBytes()
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, []byte("opt"), opt)

	_, present, err = dec.GetOptionalBytes()
	require.NoError(t, err)
	require.False(t, present)

	list, err := dec.GetStringList()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "bb", "ccc"}, list)

	require.True(t, dec.finished())
}

func TestFieldDecoderShortReadIsMalformed(t *testing.T) {
	dec := newFieldDecoder([]byte{0x00, 0x00})
	_, err := dec.GetU32()
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestFieldDecoderInvalidUTF8IsMalformed(t *testing.T) {
	enc := newFieldEncoder()
	enc.PutBytes([]byte{0xff, 0xfe, 0xfd})
	dec := newFieldDecoder(enc.Bytes())
	_, err := dec.GetString()
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestFieldDecoderBytesLengthOverMaxIsMalformed(t *testing.T) {
	enc := newFieldEncoder()
	enc.PutU32(uint32(MaxBodyLen) + 1)
	dec := newFieldDecoder(enc.Bytes())
	_, err := dec.GetBytes()
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestVersionLess(t *testing.T) {
	require.True(t, Version{1, 0, 0}.Less(Version{1, 0, 1}))
	require.True(t, Version{1, 0, 0}.Less(Version{1, 1, 0}))
	require.True(t, Version{1, 0, 0}.Less(Version{2, 0, 0}))
	require.False(t, Version{2, 0, 0}.Less(Version{1, 9, 9}))
	require.False(t, CurrentVersion.Less(MinCompatibleVersion))
}

func TestConsumedCapturesPrefixBeforeSignature(t *testing.T) {
	enc := newFieldEncoder()
	enc.PutString("field-one")
	enc.PutU32(42)
	prefixLen := len(enc.Bytes())
	enc.PutBytes([]byte("signature-bytes"))

	dec := newFieldDecoder(enc.Bytes())
	_, err := dec.GetString()
	require.NoError(t, err)
	_, err = dec.GetU32()
	require.NoError(t, err)

	prefix := dec.Consumed()
	require.Len(t, prefix, prefixLen)

	sig, err := dec.GetBytes()
	require.NoError(t, err)
	require.Equal(t, []byte("signature-bytes"), sig)
}
