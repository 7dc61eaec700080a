package crypto

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// exportSaltLen is the random PBKDF2 salt length in bytes.
const exportSaltLen = 16

// exportKeyLen matches the AES-256-GCM key size the export bundle is
// sealed with.
const exportKeyLen = 32

// exportPBKDF2Iterations follows spec.md §4.2's export-key derivation
// note: "iteration count chosen for interactive use, not storage".
const exportPBKDF2Iterations = 200000

// DeriveExportKey produces the key used to seal an account export
// bundle (spec.md §4.2). With a password, the key is derived with
// PBKDF2-HMAC-SHA256 over a fresh random salt; without one, a random
// key is returned directly and the caller is responsible for
// delivering it to the user out of band (e.g. a recovery code).
func DeriveExportKey(password *string) (scheme string, salt []byte, key []byte, err error) {
	if password == nil {
		key = make([]byte, exportKeyLen)
		if _, err := rand.Read(key); err != nil {
			return "", nil, nil, errors.Wrap(err, "crypto: derive export key")
		}
		return SchemeSymAES256GCM, nil, key, nil
	}

	salt = make([]byte, exportSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", nil, nil, errors.Wrap(err, "crypto: derive export key salt")
	}
	key = pbkdf2.Key([]byte(*password), salt, exportPBKDF2Iterations, exportKeyLen, sha256.New)
	return SchemeExportPBKDF2SHA256, salt, key, nil
}

// RederiveExportKey recomputes a password-derived export key given the
// salt recorded alongside the export bundle, for decrypting an export
// created by DeriveExportKey with a password.
func RederiveExportKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, exportPBKDF2Iterations, exportKeyLen, sha256.New)
}
