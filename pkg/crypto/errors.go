package crypto

import "github.com/pkg/errors"

// ErrKeyMaterialCorrupt is raised when the set of symmetric-key files
// on disk disagrees with the set of indices recorded in settings.
var ErrKeyMaterialCorrupt = errors.New("crypto: key material corrupt")

// ErrKeyStoreUnavailable wraps any error returned by the keystore
// backend; it is never swallowed (spec.md §4.3).
var ErrKeyStoreUnavailable = errors.New("crypto: key store unavailable")

// ErrUnknownKeyIndex is returned when SymDecrypt or CMACAt is asked
// for a key index the core does not hold.
var ErrUnknownKeyIndex = errors.New("crypto: unknown key index")

// ErrNoCurrentKey is returned when SymEncrypt or CMAC is called before
// any symmetric key has been installed (e.g. before account join).
var ErrNoCurrentKey = errors.New("crypto: no current symmetric key")

// ErrVerifyFailed is returned by Verify and VerifyCMAC on mismatch.
var ErrVerifyFailed = errors.New("crypto: verification failed")

// ErrUnsupportedScheme is returned when a scheme identifier does not
// match the one algorithm this build implements for that purpose.
var ErrUnsupportedScheme = errors.New("crypto: unsupported scheme identifier")
