package crypto

import (
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"
)

// AsymEncrypt encrypts plain for the holder of peerPub using an
// anonymous sealed box (nacl/box.SealAnonymous): the sender needs no
// key pair of its own, which matches spec.md's asym_encrypt(pub,
// plain) signature — it never takes a sender key.
func AsymEncrypt(peerPub *[32]byte, plain []byte) ([]byte, error) {
	out, err := box.SealAnonymous(nil, plain, peerPub, rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: asym encrypt")
	}
	return out, nil
}

// AsymDecrypt opens a sealed box addressed to this identity.
func (id *Identity) AsymDecrypt(cipher []byte) ([]byte, error) {
	plain, ok := box.OpenAnonymous(nil, cipher, id.CryptPub, id.CryptPriv)
	if !ok {
		return nil, errors.Wrap(ErrVerifyFailed, "crypto: asym decrypt")
	}
	return plain, nil
}

// AsymDecryptWith opens a sealed box using an explicit key pair,
// for use by callers (e.g. tests, key-wrapping helpers) that hold raw
// key material rather than a full Identity.
func AsymDecryptWith(pub, priv *[32]byte, cipher []byte) ([]byte, error) {
	plain, ok := box.OpenAnonymous(nil, cipher, pub, priv)
	if !ok {
		return nil, errors.Wrap(ErrVerifyFailed, "crypto: asym decrypt")
	}
	return plain, nil
}
