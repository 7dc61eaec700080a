package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/vaultsync/vaultsync/pkg/crypto/keystore"
)

// symGCGenerations is how many indices below the current key a device
// keeps before garbage-collecting it locally (spec.md §3).
const symGCGenerations = 5

// symmetricKey is one entry of the indexed account-key table.
type symmetricKey struct {
	Scheme string
	Key    []byte
}

// pendingKey is a symmetric key generated by ProposeNextKey but not
// yet promoted to current by ActivateNextKey.
type pendingKey struct {
	index  uint32
	scheme string
	key    []byte
}

// Core is the device's single owned crypto component: its identity,
// the indexed table of symmetric account keys, and a fingerprint
// cache, behind one lock — no ambient global state (spec.md §9
// "Global mutable crypto state").
type Core struct {
	identity *Identity
	settings Settings
	ks       keystore.Backend

	mu         sync.RWMutex
	keys       map[uint32]symmetricKey
	current    uint32
	hasCurrent bool
	pending    *pendingKey

	fpMu    sync.RWMutex
	fpCache map[string][]byte // device id -> fingerprint, trust-on-first-use cache
}

// NewCore wires an identity, a settings store, and a keystore backend
// into a Core and loads whatever key index the settings already
// record.
func NewCore(identity *Identity, settings Settings, ks keystore.Backend) (*Core, error) {
	c := &Core{
		identity: identity,
		settings: settings,
		ks:       ks,
		keys:     make(map[uint32]symmetricKey),
		fpCache:  make(map[string][]byte),
	}
	if v, ok := settings.Get(SettingLocalKeyIndex); ok {
		idx, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, errors.Wrap(ErrKeyMaterialCorrupt, "crypto: parse local key index")
		}
		c.current = uint32(idx)
		c.hasCurrent = true
	}
	if err := c.checkConsistency(); err != nil {
		return nil, err
	}
	return c, nil
}

// Identity returns the device identity this core was built with.
func (c *Core) Identity() *Identity { return c.identity }

func keyAlias(index uint32) string { return fmt.Sprintf("key_%d", index) }

func keySchemeSetting(index uint32) string { return fmt.Sprintf(settingKeySchemeFmt, index) }

// checkConsistency verifies the settings' recorded key indices agree
// with the keystore's file set (spec.md §4.2 "the file set and the
// index set in settings agree; mismatches raise KeyMaterialCorrupt").
func (c *Core) checkConsistency() error {
	if err := c.ks.Open(); err != nil {
		return errors.Wrap(ErrKeyStoreUnavailable, err.Error())
	}
	defer c.ks.Close()

	for _, k := range c.settings.Keys("crypto/scheme/key/") {
		idxStr := strings.TrimPrefix(k, "crypto/scheme/key/")
		idx, err := strconv.ParseUint(idxStr, 10, 32)
		if err != nil {
			continue
		}
		ok, err := c.ks.Contains(keyAlias(uint32(idx)))
		if err != nil {
			return errors.Wrap(ErrKeyStoreUnavailable, err.Error())
		}
		if !ok {
			return errors.Wrapf(ErrKeyMaterialCorrupt, "missing key file for index %d", idx)
		}
	}
	return nil
}

// CurrentIndex reports the device's current key index.
func (c *Core) CurrentIndex() (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.hasCurrent
}

func (c *Core) persistKey(index uint32, scheme string, plain []byte) error {
	wrapped, err := AsymEncrypt(c.identity.CryptPub, plain)
	if err != nil {
		return err
	}
	if err := c.ks.Open(); err != nil {
		return errors.Wrap(ErrKeyStoreUnavailable, err.Error())
	}
	defer c.ks.Close()
	if err := c.ks.Save(keyAlias(index), wrapped); err != nil {
		return errors.Wrap(ErrKeyStoreUnavailable, err.Error())
	}
	if err := c.settings.Set(keySchemeSetting(index), scheme); err != nil {
		return errors.Wrap(err, "crypto: persist key scheme")
	}
	c.keys[index] = symmetricKey{Scheme: scheme, Key: plain}
	return nil
}

func (c *Core) loadKeyLocked(index uint32) (symmetricKey, error) {
	if k, ok := c.keys[index]; ok {
		return k, nil
	}
	scheme, ok := c.settings.Get(keySchemeSetting(index))
	if !ok {
		return symmetricKey{}, ErrUnknownKeyIndex
	}
	if err := c.ks.Open(); err != nil {
		return symmetricKey{}, errors.Wrap(ErrKeyStoreUnavailable, err.Error())
	}
	defer c.ks.Close()
	wrapped, err := c.ks.Load(keyAlias(index))
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return symmetricKey{}, ErrKeyMaterialCorrupt
		}
		return symmetricKey{}, errors.Wrap(ErrKeyStoreUnavailable, err.Error())
	}
	plain, err := c.identity.AsymDecrypt(wrapped)
	if err != nil {
		return symmetricKey{}, errors.Wrap(ErrKeyMaterialCorrupt, err.Error())
	}
	k := symmetricKey{Scheme: scheme, Key: plain}
	c.keys[index] = k
	return k, nil
}

// GenerateInitialKey creates key index 0 and installs it as current.
// Called once by the device that registers a fresh account (there are
// no siblings yet to wrap a key from).
func (c *Core) GenerateInitialKey() (uint32, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasCurrent {
		return 0, "", errors.New("crypto: initial key already installed")
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return 0, "", errors.Wrap(err, "crypto: generate initial key")
	}
	if err := c.persistKey(0, SchemeSymAES256GCM, key); err != nil {
		return 0, "", err
	}
	if err := c.settings.Set(SettingLocalKeyIndex, "0"); err != nil {
		return 0, "", errors.Wrap(err, "crypto: persist local key index")
	}
	c.current = 0
	c.hasCurrent = true
	return 0, SchemeSymAES256GCM, nil
}

// SymEncrypt authenticated-encrypts plain under the device's current
// key, returning the index used, a random nonce, and the ciphertext.
func (c *Core) SymEncrypt(plain []byte) (index uint32, iv []byte, cipherOut []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasCurrent {
		return 0, nil, nil, ErrNoCurrentKey
	}
	k, err := c.loadKeyLocked(c.current)
	if err != nil {
		return 0, nil, nil, err
	}
	iv, ct, err := aesGCMEncrypt(k.Key, plain, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	return c.current, iv, ct, nil
}

// SymDecrypt authenticated-decrypts cipher using whatever key index
// appears on the blob, which need not be the device's current index
// (spec.md §9 open question: uploads under a stale key are accepted).
func (c *Core) SymDecrypt(index uint32, iv, cipherIn []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, err := c.loadKeyLocked(index)
	if err != nil {
		return nil, err
	}
	return aesGCMDecrypt(k.Key, iv, cipherIn, nil)
}

func aesGCMEncrypt(key, plain, aad []byte) (iv, ct []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "crypto: aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, errors.Wrap(err, "crypto: gcm")
	}
	iv = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, errors.Wrap(err, "crypto: nonce")
	}
	ct = gcm.Seal(nil, iv, plain, aad)
	return iv, ct, nil
}

func aesGCMDecrypt(key, iv, ct, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: gcm")
	}
	plain, err := gcm.Open(nil, iv, ct, aad)
	if err != nil {
		return nil, errors.Wrap(ErrVerifyFailed, "crypto: gcm open")
	}
	return plain, nil
}

// CMAC computes the AES-CMAC of data under the device's current key.
func (c *Core) CMAC(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasCurrent {
		return nil, ErrNoCurrentKey
	}
	return c.cmacAtLocked(c.current, data)
}

// CMACAt computes the AES-CMAC of data under the key at index.
func (c *Core) CMACAt(index uint32, data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmacAtLocked(index, data)
}

func (c *Core) cmacAtLocked(index uint32, data []byte) ([]byte, error) {
	k, err := c.loadKeyLocked(index)
	if err != nil {
		return nil, err
	}
	return aesCMAC(k.Key, data)
}

// VerifyCMAC reports whether mac is the correct AES-CMAC of data under
// the key at index.
func (c *Core) VerifyCMAC(index uint32, data, mac []byte) error {
	want, err := c.CMACAt(index, data)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, mac) != 1 {
		return ErrVerifyFailed
	}
	return nil
}

// WrapKeyFor wraps the device's current key under peerPub, for
// account-join enrollment (the partner device sending Accept/Grant).
func (c *Core) WrapKeyFor(peerPub *[32]byte) (index uint32, scheme string, wrapped []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasCurrent {
		return 0, "", nil, ErrNoCurrentKey
	}
	k, err := c.loadKeyLocked(c.current)
	if err != nil {
		return 0, "", nil, err
	}
	ct, err := AsymEncrypt(peerPub, k.Key)
	if err != nil {
		return 0, "", nil, err
	}
	return c.current, k.Scheme, ct, nil
}

// ProposeNextKey generates the candidate key for a rotation, one
// index above current, without installing it yet.
func (c *Core) ProposeNextKey() (nextIndex uint32, scheme string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasCurrent {
		return 0, "", ErrNoCurrentKey
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return 0, "", errors.Wrap(err, "crypto: propose next key")
	}
	nextIndex = c.current + 1
	c.pending = &pendingKey{index: nextIndex, scheme: SchemeSymAES256GCM, key: key}
	return nextIndex, SchemeSymAES256GCM, nil
}

// WrapPendingKeyFor wraps the in-flight proposed (not yet activated)
// key for a sibling device, used to build a NewKey rotation message.
func (c *Core) WrapPendingKeyFor(peerPub *[32]byte) (index uint32, scheme string, wrapped []byte, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pending == nil {
		return 0, "", nil, errors.New("crypto: no pending key proposal")
	}
	ct, err := AsymEncrypt(peerPub, c.pending.key)
	if err != nil {
		return 0, "", nil, err
	}
	return c.pending.index, c.pending.scheme, ct, nil
}

// ActivateNextKey promotes the pending proposal at nextIndex to
// current and garbage-collects keys at or below current-5.
func (c *Core) ActivateNextKey(nextIndex uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.pending.index != nextIndex {
		return errors.New("crypto: activate called for unknown proposal")
	}
	if err := c.persistKey(nextIndex, c.pending.scheme, c.pending.key); err != nil {
		return err
	}
	if err := c.settings.Set(SettingLocalKeyIndex, strconv.FormatUint(uint64(nextIndex), 10)); err != nil {
		return errors.Wrap(err, "crypto: persist local key index")
	}
	c.current = nextIndex
	c.hasCurrent = true
	c.pending = nil
	c.gcLocked()
	return nil
}

// UnwrapKey decrypts a wrapped key received from another device and
// installs it. grantInitial is true when this is the device's very
// first key (account join via Grant); otherwise it is a rotation
// update delivered via Welcome/DeviceKeys.
func (c *Core) UnwrapKey(index uint32, scheme string, wrapped []byte, grantInitial bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	plain, err := c.identity.AsymDecrypt(wrapped)
	if err != nil {
		return errors.Wrap(err, "crypto: unwrap key")
	}
	if err := c.persistKey(index, scheme, plain); err != nil {
		return err
	}
	if grantInitial || !c.hasCurrent || index > c.current {
		if err := c.settings.Set(SettingLocalKeyIndex, strconv.FormatUint(uint64(index), 10)); err != nil {
			return errors.Wrap(err, "crypto: persist local key index")
		}
		c.current = index
		c.hasCurrent = true
		c.gcLocked()
	}
	return nil
}

// gcLocked deletes keys whose index is symGCGenerations or more below
// current (index <= current - symGCGenerations). Caller holds c.mu.
func (c *Core) gcLocked() {
	if c.current < symGCGenerations {
		return
	}
	floor := c.current - symGCGenerations
	for _, s := range c.settings.Keys("crypto/scheme/key/") {
		idxStr := strings.TrimPrefix(s, "crypto/scheme/key/")
		idx, err := strconv.ParseUint(idxStr, 10, 32)
		if err != nil {
			continue
		}
		if uint32(idx) <= floor {
			_ = c.ks.Open()
			_ = c.ks.Remove(keyAlias(uint32(idx)))
			_ = c.ks.Close()
			_ = c.settings.Delete(s)
			delete(c.keys, uint32(idx))
		}
	}
}

// CacheFingerprint records a peer device's fingerprint the first time
// it is observed, for trust-on-first-use display (original_source
// cryptocontroller_p.h).
func (c *Core) CacheFingerprint(deviceID string, fp []byte) {
	c.fpMu.Lock()
	defer c.fpMu.Unlock()
	if _, ok := c.fpCache[deviceID]; !ok {
		cp := make([]byte, len(fp))
		copy(cp, fp)
		c.fpCache[deviceID] = cp
	}
}

// CachedFingerprint returns a previously cached fingerprint, if any.
func (c *Core) CachedFingerprint(deviceID string) ([]byte, bool) {
	c.fpMu.RLock()
	defer c.fpMu.RUnlock()
	fp, ok := c.fpCache[deviceID]
	return fp, ok
}
