package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// EncodeMessage renders a Message to its wire form: tagLen | tag |
// bodyLen | body.
func EncodeMessage(m Message) ([]byte, error) {
	tag := m.Tag()
	if len(tag) < MinTagLen || len(tag) > MaxTagLen {
		return nil, errors.Errorf("wire: tag %q out of bounds [%d,%d]", tag, MinTagLen, MaxTagLen)
	}
	enc := newFieldEncoder()
	m.encode(enc)
	body := enc.Bytes()
	if len(body) > MaxBodyLen {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, 0, 1+len(tag)+4+len(body))
	out = append(out, byte(len(tag)))
	out = append(out, tag...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	out = append(out, lenBuf[:]...)
	out = append(out, body...)
	return out, nil
}

// DecodeMessage decodes a message body given its already-parsed tag.
func DecodeMessage(tag string, body []byte) (Message, error) {
	decode, ok := decoders[tag]
	if !ok {
		return nil, ErrMalformedMessage
	}
	dec := newFieldDecoder(body)
	msg, err := decode(dec)
	if err != nil {
		return nil, err
	}
	if !dec.finished() {
		return nil, ErrMalformedMessage
	}
	return msg, nil
}

// Writer serializes messages onto an underlying stream.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w for message writes.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage encodes and writes m in full, or returns the first I/O
// error encountered.
func (w *Writer) WriteMessage(m Message) error {
	frame, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(frame); err != nil {
		return errors.Wrap(err, "wire: write message")
	}
	return nil
}

// WritePing writes the single-byte ping/pong sentinel.
func (w *Writer) WritePing() error {
	if _, err := w.w.Write([]byte{PingByte}); err != nil {
		return errors.Wrap(err, "wire: write ping")
	}
	return nil
}

// Reader decodes messages from an underlying stream, one frame at a
// time, without consuming bytes belonging to an incomplete frame.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for message reads. The bufio buffer only ever
// needs to hold a frame header (at most 1+MaxTagLen+4 bytes) plus a
// little slack for ping-byte lookahead; frame bodies are read into a
// freshly allocated, per-message buffer sized to the frame's own
// length prefix, so body size is bounded only by MaxBodyLen, not by
// this buffer.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 4096)}
}

// IsPing reports whether the next byte, if any is currently buffered,
// is the ping sentinel. It does not block for more data and does not
// consume the byte; callers use it as a cheap hint before ReadMessage.
func (r *Reader) IsPing() (bool, error) {
	if r.r.Buffered() == 0 {
		return false, nil
	}
	b, err := r.r.Peek(1)
	if err != nil {
		return false, err
	}
	return b[0] == PingByte, nil
}

// ReadMessage reads one complete frame, blocking on the underlying
// reader as needed. It returns ErrNeedsMore only when the underlying
// reader itself reports it has no more data right now (io.EOF or
// io.ErrUnexpectedEOF on a non-blocking source); on a blocking stream
// it simply keeps reading until a full frame or a real I/O error. The
// header (tag length, tag, body length) is peeked and validated before
// any bytes are discarded; the body is then read into a freshly
// allocated buffer sized to the frame's own length prefix, so an
// oversized frame never needs a correspondingly oversized internal
// bufio buffer.
//
// A leading PingByte is reported as (nil, nil) with the single byte
// consumed, since it carries no message payload; callers distinguish
// this from a real message by checking for a nil Message and nil
// error together.
func (r *Reader) ReadMessage() (Message, error) {
	first, err := r.r.Peek(1)
	if err != nil {
		return nil, classifyReadErr(err)
	}
	if first[0] == PingByte {
		if _, err := r.r.Discard(1); err != nil {
			return nil, errors.Wrap(err, "wire: discard ping")
		}
		return nil, nil
	}

	tagLen := int(first[0])
	if tagLen < MinTagLen || tagLen > MaxTagLen {
		if _, err := r.r.Discard(1); err != nil {
			return nil, errors.Wrap(err, "wire: discard bad tag length")
		}
		return nil, ErrMalformedMessage
	}

	headerLen := 1 + tagLen + 4
	header, err := r.r.Peek(headerLen)
	if err != nil {
		return nil, classifyReadErr(err)
	}
	tag := string(header[1 : 1+tagLen])
	bodyLen := binary.BigEndian.Uint32(header[1+tagLen : headerLen])
	if bodyLen > MaxBodyLen {
		if _, err := r.r.Discard(headerLen); err != nil {
			return nil, errors.Wrap(err, "wire: discard oversized frame header")
		}
		return nil, ErrFrameTooLarge
	}

	if _, err := r.r.Discard(headerLen); err != nil {
		return nil, errors.Wrap(err, "wire: discard frame header")
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, classifyReadErr(err)
	}

	msg, decodeErr := DecodeMessage(tag, body)
	if decodeErr != nil {
		return nil, decodeErr
	}
	return msg, nil
}

// classifyReadErr maps a short-read failure to ErrNeedsMore when the
// underlying reader simply did not have enough bytes yet (io.EOF on a
// zero-byte read, io.ErrUnexpectedEOF on a partial one — the case for
// a source that has no more data right now but is not necessarily
// closed), passing through any other error untouched.
func classifyReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrNeedsMore
	}
	return errors.Wrap(err, "wire: read message")
}
