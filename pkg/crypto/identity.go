package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"
)

// Algorithm identifiers. The wire protocol carries these as opaque
// strings (spec.md §4.2 "algorithm-identifier discipline") so a future
// build can introduce a new scheme without changing message shapes.
const (
	SchemeSignEd25519       = "ed25519"
	SchemeCryptX25519Box    = "x25519-xsalsa20poly1305"
	SchemeSymAES256GCM      = "aes-256-gcm"
	SchemeWrapX25519Box     = "x25519-xsalsa20poly1305"
	SchemeExportPBKDF2SHA256 = "pbkdf2-sha256-aes-256-gcm"
)

// Identity holds one device's long-term key pairs: an ed25519 signing
// pair and an X25519 encryption pair used with nacl/box. Both private
// keys stay in memory (or the keystore backend); only the public parts
// and the scheme identifiers are ever put on the wire.
type Identity struct {
	SignScheme string
	SignPub    ed25519.PublicKey
	SignPriv   ed25519.PrivateKey

	CryptScheme string
	CryptPub    *[32]byte
	CryptPriv   *[32]byte
}

// GenerateIdentity creates a fresh device identity. signScheme and
// cryptScheme are validated against the one algorithm this build
// implements for each purpose; the parameters (signParam/cryptParam)
// are accepted for forward compatibility with future schemes that
// take a parameter (e.g. a curve name or key size) but are unused by
// the two schemes implemented here.
func GenerateIdentity(signScheme, signParam, cryptScheme, cryptParam string) (*Identity, error) {
	if signScheme != SchemeSignEd25519 {
		return nil, errors.Wrapf(ErrUnsupportedScheme, "sign scheme %q", signScheme)
	}
	if cryptScheme != SchemeCryptX25519Box {
		return nil, errors.Wrapf(ErrUnsupportedScheme, "crypt scheme %q", cryptScheme)
	}

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: generate signing key")
	}

	cryptPub, cryptPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: generate encryption key")
	}

	return &Identity{
		SignScheme:  signScheme,
		SignPub:     signPub,
		SignPriv:    signPriv,
		CryptScheme: cryptScheme,
		CryptPub:    cryptPub,
		CryptPriv:   cryptPriv,
	}, nil
}

// Fingerprint computes sha256(signPub || cryptPub). Both keys are
// serialized to their flat on-wire byte form first (they already are,
// for ed25519/x25519), so semantically equal keys constructed via
// different code paths (e.g. re-loaded from a keystore versus freshly
// generated) hash identically (spec.md §4.2 "Fingerprint discipline").
func Fingerprint(signPub []byte, cryptPub []byte) []byte {
	h := sha256.New()
	h.Write(signPub)
	h.Write(cryptPub)
	return h.Sum(nil)
}

// Fingerprint returns this identity's own fingerprint.
func (id *Identity) Fingerprint() []byte {
	return Fingerprint(id.SignPub, id.CryptPub[:])
}

// Sign signs msg with the identity's signing private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.SignPriv, msg)
}

// VerifyWith verifies sig over msg against an arbitrary raw ed25519
// public key (used to verify a peer device's signature, not our own).
func VerifyWith(signScheme string, pub, msg, sig []byte) error {
	if signScheme != SchemeSignEd25519 {
		return errors.Wrapf(ErrUnsupportedScheme, "sign scheme %q", signScheme)
	}
	if len(pub) != ed25519.PublicKeySize {
		return errors.Wrap(ErrVerifyFailed, "crypto: bad public key length")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return ErrVerifyFailed
	}
	return nil
}
