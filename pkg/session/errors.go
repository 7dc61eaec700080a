package session

import (
	"crypto/rand"

	"github.com/pkg/errors"

	"github.com/vaultsync/vaultsync/pkg/crypto"
	"github.com/vaultsync/vaultsync/pkg/serverstore"
	"github.com/vaultsync/vaultsync/pkg/wire"
)

// wireError carries the wire.ErrorType a handler wants written back to
// the peer, plus whether the session may continue afterward.
type wireError struct {
	kind        wire.ErrorType
	msg         string
	recoverable bool
}

func (e *wireError) Error() string { return e.msg }

func newWireError(kind wire.ErrorType, msg string, recoverable bool) *wireError {
	return &wireError{kind: kind, msg: msg, recoverable: recoverable}
}

// classify maps a store/crypto error into the wire.ErrorType taxonomy
// of spec.md §7, deciding in the same place whether the session can
// keep going (a bad request from an otherwise-trusted device) or must
// close (a failed signature, an unknown device).
func classify(err error) *wireError {
	switch {
	case errors.Is(err, serverstore.ErrDeviceNotFound):
		return newWireError(wire.ErrorAuthenticationError, "unknown device", false)
	case errors.Is(err, serverstore.ErrAccountNotFound):
		return newWireError(wire.ErrorAuthenticationError, "unknown account", false)
	case errors.Is(err, serverstore.ErrQuotaExceeded):
		return newWireError(wire.ErrorQuotaHitError, "account quota exceeded", true)
	case errors.Is(err, serverstore.ErrKeyIndexMismatch):
		return newWireError(wire.ErrorKeyIndexError, "key index out of sequence", true)
	case errors.Is(err, serverstore.ErrPendingKeyConflict):
		return newWireError(wire.ErrorKeyPendingError, "key rotation already pending", true)
	case errors.Is(err, serverstore.ErrNoPendingKeyChange):
		return newWireError(wire.ErrorKeyPendingError, "no pending key change", true)
	case errors.Is(err, serverstore.ErrChangeNotFound):
		return newWireError(wire.ErrorClientError, "unknown change", true)
	case errors.Is(err, wire.ErrSignatureInvalid):
		return newWireError(wire.ErrorAuthenticationError, "signature verification failed", false)
	case errors.Is(err, wire.ErrVersionTooOld):
		return newWireError(wire.ErrorIncompatibleVersion, "protocol version too old", false)
	case errors.Is(err, wire.ErrMalformedMessage):
		return newWireError(wire.ErrorClientError, "malformed message", false)
	case errors.Is(err, crypto.ErrVerifyFailed):
		return newWireError(wire.ErrorAuthenticationError, "signature verification failed", false)
	default:
		return newWireError(wire.ErrorServerError, "internal server error", false)
	}
}

func cryptoRandRead(b []byte) (int, error) {
	return rand.Read(b)
}
