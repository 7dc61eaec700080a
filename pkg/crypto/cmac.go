package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/pkg/errors"
)

// aesCMACBlockSize is the AES block size in bytes; AES-CMAC per NIST
// SP 800-38B operates on full blocks with a final XOR of a derived
// subkey, zero-padding the last block only if it is short.
const aesCMACBlockSize = aes.BlockSize

// No ecosystem AES-CMAC library appears anywhere in the retrieval
// pack (searched exhaustively); this hand-rolled implementation over
// stdlib crypto/aes follows NIST SP 800-38B directly, the same way
// the original C++ source drives Crypto++'s CMAC<AES> over a keyed
// block cipher.

// aesCMAC computes the AES-CMAC of msg under a 16/24/32-byte AES key.
func aesCMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: cmac key")
	}

	k1, k2 := cmacSubkeys(block)

	n := (len(msg) + aesCMACBlockSize - 1) / aesCMACBlockSize
	lastComplete := len(msg) > 0 && len(msg)%aesCMACBlockSize == 0
	if n == 0 {
		n = 1
	}

	var mLast [aesCMACBlockSize]byte
	start := (n - 1) * aesCMACBlockSize
	if lastComplete {
		copy(mLast[:], msg[start:])
		xorEq(mLast[:], k1[:])
	} else {
		tail := msg[start:]
		copy(mLast[:], tail)
		mLast[len(tail)] = 0x80
		xorEq(mLast[:], k2[:])
	}

	var x [aesCMACBlockSize]byte
	for i := 0; i < n-1; i++ {
		chunk := msg[i*aesCMACBlockSize : (i+1)*aesCMACBlockSize]
		var y [aesCMACBlockSize]byte
		for j := range y {
			y[j] = x[j] ^ chunk[j]
		}
		block.Encrypt(x[:], y[:])
	}

	var y [aesCMACBlockSize]byte
	for j := range y {
		y[j] = x[j] ^ mLast[j]
	}
	var tag [aesCMACBlockSize]byte
	block.Encrypt(tag[:], y[:])
	return tag[:], nil
}

func xorEq(dst []byte, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// cmacSubkeys derives K1, K2 per NIST SP 800-38B section 6.1.
func cmacSubkeys(block cipher.Block) (k1, k2 [aesCMACBlockSize]byte) {
	var zero, l [aesCMACBlockSize]byte
	block.Encrypt(l[:], zero[:])

	k1 = gfDouble(l)
	k2 = gfDouble(k1)
	return k1, k2
}

// gfDouble multiplies b by x in GF(2^128) with the reduction
// polynomial used by AES-CMAC (Rb = 0x87).
func gfDouble(b [aesCMACBlockSize]byte) [aesCMACBlockSize]byte {
	var out [aesCMACBlockSize]byte
	msbSet := b[0]&0x80 != 0
	var carry byte
	for i := aesCMACBlockSize - 1; i >= 0; i-- {
		v := b[i]
		out[i] = (v << 1) | carry
		carry = (v & 0x80) >> 7
	}
	if msbSet {
		out[aesCMACBlockSize-1] ^= 0x87
	}
	return out
}
