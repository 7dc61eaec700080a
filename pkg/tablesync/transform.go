package tablesync

import (
	"crypto/sha256"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/vaultsync/vaultsync/pkg/crypto"
	"github.com/vaultsync/vaultsync/pkg/watcher"
)

// hashPayload mirrors pkg/watcher's unexported canonicalization
// (sorted-key JSON, SHA-256) so a hash computed here by the sending
// device and a hash recomputed by pkg/watcher on the receiving device
// agree bit-for-bit; it is the only way to get a remote Hash to
// pkg/watcher's deterministic tie-break (spec.md §4.8) before the
// local shadow row exists to fall back on.
func hashPayload(payload map[string]any) []byte {
	if payload == nil {
		return nil
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, payload[k])
	}
	b, _ := json.Marshal(ordered)
	sum := sha256.Sum256(b)
	return sum[:]
}

// envelope is the plaintext wrapped by SymEncrypt/SymDecrypt. The wire
// DataID is a one-way hash of (table, key) (spec.md §3 "Dataset
// identity on the wire"), so the table name and stringified key must
// travel inside the ciphertext for the receiving device to know where
// to route a downloaded change.
type envelope struct {
	Table    string         `json:"table"`
	Key      string         `json:"key"`
	Modified time.Time      `json:"modified"`
	Payload  map[string]any `json:"payload,omitempty"` // nil/absent means tombstone
}

// CryptoTransformer is the default Transformer, grounded on
// pkg/crypto.Core's SymEncrypt/SymDecrypt.
type CryptoTransformer struct {
	Core *crypto.Core
}

// DataID hashes the escaped (table, key) tuple into the opaque id the
// server stores a blob under, spec.md §3.
func DataID(table, key string) []byte {
	sum := sha256.Sum256([]byte(table + "\x00" + key))
	return sum[:]
}

func (t *CryptoTransformer) Encrypt(table string, local watcher.LocalData) (uint32, []byte, []byte, error) {
	env := envelope{Table: table, Key: local.Key, Modified: local.Modified, Payload: local.Payload}
	plain, err := json.Marshal(env)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "tablesync: marshal envelope")
	}
	index, iv, ct, err := t.Core.SymEncrypt(plain)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "tablesync: encrypt")
	}
	return index, iv, ct, nil
}

func (t *CryptoTransformer) Decrypt(keyIndex uint32, salt, ciphertext []byte) (string, watcher.CloudData, error) {
	plain, err := t.Core.SymDecrypt(keyIndex, salt, ciphertext)
	if err != nil {
		return "", watcher.CloudData{}, errors.Wrap(err, "tablesync: decrypt")
	}
	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return "", watcher.CloudData{}, errors.Wrap(err, "tablesync: unmarshal envelope")
	}
	return env.Table, watcher.CloudData{
		Key:      env.Key,
		Modified: env.Modified,
		Payload:  env.Payload,
		Hash:     hashPayload(env.Payload),
	}, nil
}
