package wire

import "github.com/pkg/errors"

// ErrNeedsMore is returned by Reader.ReadMessage when the stream does
// not yet contain a full frame. A short header leaves the reader's
// cursor in place; a short body is reported after the header and the
// body bytes read so far have been consumed.
var ErrNeedsMore = errors.New("wire: needs more data")

// ErrMalformedMessage is returned when a complete frame fails to
// decode: an unknown tag, a truncated field, or an invalid UTF-8
// string.
var ErrMalformedMessage = errors.New("wire: malformed message")

// ErrVersionTooOld is returned when a message's protocol version is
// below MinCompatibleVersion.
var ErrVersionTooOld = errors.New("wire: protocol version too old")

// ErrSignatureInvalid is returned by VerifySigned when the signature
// does not match the claimed signed prefix.
var ErrSignatureInvalid = errors.New("wire: signature invalid")

// ErrFrameTooLarge is returned when a declared body length exceeds
// MaxBodyLen, guarding against a malicious or corrupt length prefix
// causing an unbounded allocation.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum body length")
