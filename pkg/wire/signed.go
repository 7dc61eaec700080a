package wire

import "github.com/vaultsync/vaultsync/pkg/crypto"

// VerifySigned verifies a Signed message's signature over its
// SignedPrefix using the claimed public key, per spec.md §6's
// "+ signature" suffix convention (Register, Login, Access, Accept,
// NewKey all end this way).
func VerifySigned(msg Signed, signScheme string, signPub []byte) error {
	if err := crypto.VerifyWith(signScheme, signPub, msg.SignedPrefix(), msg.GetSignature()); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign fills in msg's Signature field for the client side of the "+
// signature" convention. A Signed type's SignedPrefix() is only
// populated by the decoder on the receiving end, so to produce the
// bytes the server will verify, Sign clears the signature, encodes the
// frame, and strips the outer tag/length framing and the trailing
// zero-length signature marker back off — exactly the bytes
// SignedPrefix() would later report.
func Sign(msg Signed, sign func(prefix []byte) []byte) error {
	msg.SetSignature(nil)
	frame, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	body := frame[1+len(msg.Tag())+4:]
	prefix := body[:len(body)-4]
	msg.SetSignature(sign(prefix))
	return nil
}
