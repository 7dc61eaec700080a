package wire

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MinTagLen and MaxTagLen bound a valid name tag length byte, which
	// is how a ping frame (0xFF) is distinguished from a real frame.
	MinTagLen = 1
	MaxTagLen = 64

	// MaxBodyLen caps the accepted body length to guard against a
	// corrupt or hostile length prefix forcing a huge allocation.
	MaxBodyLen = 16 * 1024 * 1024

	// PingByte is the single-byte ping/pong sentinel, sent and
	// recognized outside the normal tag-length framing.
	PingByte byte = 0xFF
)

// Version is the three-segment protocol version tuple.
type Version struct {
	Major, Minor, Patch uint16
}

// CurrentVersion is the version this package encodes.
var CurrentVersion = Version{Major: 1, Minor: 0, Patch: 0}

// MinCompatibleVersion is the oldest version this package accepts.
var MinCompatibleVersion = Version{Major: 1, Minor: 0, Patch: 0}

// Less reports whether v is older than other.
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

// fieldEncoder accumulates a message body one field at a time, in the
// declared field order of the message being written.
type fieldEncoder struct {
	buf bytes.Buffer
}

func newFieldEncoder() *fieldEncoder {
	return &fieldEncoder{}
}

func (e *fieldEncoder) Bytes() []byte { return e.buf.Bytes() }

func (e *fieldEncoder) PutU8(v uint8) { e.buf.WriteByte(v) }

func (e *fieldEncoder) PutU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *fieldEncoder) PutU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *fieldEncoder) PutU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *fieldEncoder) PutBool(v bool) {
	if v {
		e.PutU8(1)
	} else {
		e.PutU8(0)
	}
}

// PutBytes writes a u32 length followed by the raw bytes.
func (e *fieldEncoder) PutBytes(v []byte) {
	e.PutU32(uint32(len(v)))
	e.buf.Write(v)
}

// PutString writes a u32 byte-length followed by UTF-8 bytes.
func (e *fieldEncoder) PutString(v string) {
	e.PutBytes([]byte(v))
}

// PutUUID writes a fixed 16-byte RFC 4122 identifier.
func (e *fieldEncoder) PutUUID(v uuid.UUID) {
	e.buf.Write(v[:])
}

// PutVersion writes a three-segment version tuple.
func (e *fieldEncoder) PutVersion(v Version) {
	e.PutU16(v.Major)
	e.PutU16(v.Minor)
	e.PutU16(v.Patch)
}

// PutOptionalBytes writes a one-byte presence flag, then the payload
// if present.
func (e *fieldEncoder) PutOptionalBytes(v []byte, present bool) {
	e.PutBool(present)
	if present {
		e.PutBytes(v)
	}
}

// PutStringList writes a u32 count followed by each length-prefixed
// string.
func (e *fieldEncoder) PutStringList(v []string) {
	e.PutU32(uint32(len(v)))
	for _, s := range v {
		e.PutString(s)
	}
}

// fieldDecoder reads a message body one field at a time, in the same
// declared order the encoder wrote them. Any short read is a
// malformed-message condition, since the body's total length was
// already validated by the frame header.
type fieldDecoder struct {
	buf []byte
	pos int
}

func newFieldDecoder(body []byte) *fieldDecoder {
	return &fieldDecoder{buf: body}
}

// Consumed returns a copy of the bytes read so far. Signed messages
// call this immediately before decoding their trailing Signature
// field to capture exactly the bytes the signature covers.
func (d *fieldDecoder) Consumed() []byte {
	out := make([]byte, d.pos)
	copy(out, d.buf[:d.pos])
	return out
}

func (d *fieldDecoder) remaining() int { return len(d.buf) - d.pos }

func (d *fieldDecoder) take(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, ErrMalformedMessage
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *fieldDecoder) GetU8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *fieldDecoder) GetU16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *fieldDecoder) GetU32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *fieldDecoder) GetU64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *fieldDecoder) GetBool() (bool, error) {
	v, err := d.GetU8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (d *fieldDecoder) GetBytes() ([]byte, error) {
	n, err := d.GetU32()
	if err != nil {
		return nil, err
	}
	if n > MaxBodyLen {
		return nil, ErrMalformedMessage
	}
	raw, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (d *fieldDecoder) GetString() (string, error) {
	b, err := d.GetBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrMalformedMessage
	}
	return string(b), nil
}

func (d *fieldDecoder) GetUUID() (uuid.UUID, error) {
	b, err := d.take(16)
	if err != nil {
		return uuid.UUID{}, err
	}
	var u uuid.UUID
	copy(u[:], b)
	return u, nil
}

func (d *fieldDecoder) GetVersion() (Version, error) {
	major, err := d.GetU16()
	if err != nil {
		return Version{}, err
	}
	minor, err := d.GetU16()
	if err != nil {
		return Version{}, err
	}
	patch, err := d.GetU16()
	if err != nil {
		return Version{}, err
	}
	return Version{Major: major, Minor: minor, Patch: patch}, nil
}

func (d *fieldDecoder) GetOptionalBytes() ([]byte, bool, error) {
	present, err := d.GetBool()
	if err != nil {
		return nil, false, err
	}
	if !present {
		return nil, false, nil
	}
	b, err := d.GetBytes()
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (d *fieldDecoder) GetStringList() ([]string, error) {
	n, err := d.GetU32()
	if err != nil {
		return nil, err
	}
	if n > uint32(MaxBodyLen) {
		return nil, ErrMalformedMessage
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := d.GetString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *fieldDecoder) finished() bool { return d.pos == len(d.buf) }
