package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	orig := &SyncMsg{}
	frame, err := EncodeMessage(orig)
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(frame))
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.IsType(t, &SyncMsg{}, msg)
}

func TestWriterReaderRoundTripChange(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	in := &ChangeMsg{
		DataID:     []byte("key-1"),
		KeyIndex:   3,
		Salt:       []byte("salt"),
		Ciphertext: []byte("ciphertext-bytes"),
	}
	require.NoError(t, w.WriteMessage(in))

	r := NewReader(&buf)
	out, err := r.ReadMessage()
	require.NoError(t, err)

	got, ok := out.(*ChangeMsg)
	require.True(t, ok)
	require.Equal(t, in.DataID, got.DataID)
	require.Equal(t, in.KeyIndex, got.KeyIndex)
	require.Equal(t, in.Salt, got.Salt)
	require.Equal(t, in.Ciphertext, got.Ciphertext)
}

func TestWriterReaderRoundTripChangeLargerThanBufioBuffer(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	// Bigger than the Reader's internal bufio buffer (4096 bytes), the
	// way a real row's ciphertext routinely is.
	ciphertext := bytes.Repeat([]byte{0xAB}, 64*1024)
	in := &ChangeMsg{
		DataID:     []byte("key-1"),
		KeyIndex:   3,
		Salt:       []byte("salt"),
		Ciphertext: ciphertext,
	}
	require.NoError(t, w.WriteMessage(in))

	r := NewReader(&buf)
	out, err := r.ReadMessage()
	require.NoError(t, err)

	got, ok := out.(*ChangeMsg)
	require.True(t, ok)
	require.Equal(t, in.Ciphertext, got.Ciphertext)
}

func TestReaderNeedsMoreOnPartialFrame(t *testing.T) {
	in := &AccountMsg{DeviceID: uuid.New()}
	frame, err := EncodeMessage(in)
	require.NoError(t, err)

	partial := frame[:len(frame)-2]
	r := NewReader(bytes.NewReader(partial))
	_, err = r.ReadMessage()
	require.ErrorIs(t, err, ErrNeedsMore)
}

func TestReaderCompletesOnceFullFrameIsBuffered(t *testing.T) {
	in := &AccountMsg{DeviceID: uuid.New()}
	frame, err := EncodeMessage(in)
	require.NoError(t, err)

	// A reader backed by a pipe blocks on Peek until the writer
	// goroutine writes, and that one Write hands over the full frame.
	pr, pw := io.Pipe()
	r := NewReader(pr)

	go func() {
		pw.Write(frame)
		pw.Close()
	}()

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	got, ok := msg.(*AccountMsg)
	require.True(t, ok)
	require.Equal(t, in.DeviceID, got.DeviceID)
}

func TestReaderRecognizesPingByte(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{PingByte}))
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestReaderRejectsBadTagLength(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x00}))
	_, err := r.ReadMessage()
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestReaderRejectsOversizedBodyLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(4)
	buf.WriteString("Sync")
	var lenBytes [4]byte
	lenBytes[0] = 0xFF
	lenBytes[1] = 0xFF
	lenBytes[2] = 0xFF
	lenBytes[3] = 0xFF
	buf.Write(lenBytes[:])

	r := NewReader(&buf)
	_, err := r.ReadMessage()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEncodeMessageRejectsTagOutOfBounds(t *testing.T) {
	_, err := EncodeMessage(&fakeTagMessage{tag: ""})
	require.Error(t, err)
}

type fakeTagMessage struct{ tag string }

func (m *fakeTagMessage) Tag() string            { return m.tag }
func (m *fakeTagMessage) encode(e *fieldEncoder) {}
