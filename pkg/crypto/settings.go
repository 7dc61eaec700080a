package crypto

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Settings is the injected key-value store the crypto core persists
// its current key index and per-index scheme strings into, using the
// hierarchical string keys of spec.md §6 (e.g. "crypto/localkey",
// "crypto/scheme/key/3"). Swappable so an embedding application can
// back it with whatever settings mechanism it already has.
type Settings interface {
	Get(key string) (string, bool)
	Set(key string, value string) error
	Delete(key string) error
	// Keys returns every stored key with the given prefix, in no
	// particular order.
	Keys(prefix string) []string
}

// MemSettings is an in-memory Settings, used by tests and by
// embedding applications that do not need persistence across process
// restarts.
type MemSettings struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemSettings returns an empty in-memory settings store.
func NewMemSettings() *MemSettings {
	return &MemSettings{data: make(map[string]string)}
}

func (m *MemSettings) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemSettings) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemSettings) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemSettings) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// FileSettings is a Settings backed by a single JSON file, rewritten
// in full on every mutation. Adequate for a device's small settings
// set (a handful of scheme strings and two indices).
type FileSettings struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

// NewFileSettings loads (or creates) the JSON settings file at path.
func NewFileSettings(path string) (*FileSettings, error) {
	fs := &FileSettings{path: path, data: make(map[string]string)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, errors.Wrapf(err, "crypto: read settings file %q", path)
	}
	if len(raw) == 0 {
		return fs, nil
	}
	if err := json.Unmarshal(raw, &fs.data); err != nil {
		return nil, errors.Wrapf(err, "crypto: parse settings file %q", path)
	}
	return fs, nil
}

func (f *FileSettings) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *FileSettings) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return f.flushLocked()
}

func (f *FileSettings) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return f.flushLocked()
}

func (f *FileSettings) Keys(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (f *FileSettings) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return errors.Wrap(err, "crypto: create settings dir")
	}
	raw, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "crypto: marshal settings")
	}
	return os.WriteFile(f.path, raw, 0o600)
}

// Settings keys, per spec.md §6's persisted-state table.
const (
	SettingLocalKeyIndex = "crypto/localkey"
	SettingNextKeyIndex  = "crypto/nextkey"
	SettingSignScheme    = "crypto/scheme/signing"
	SettingCryptScheme   = "crypto/scheme/encryption"
	settingKeySchemeFmt  = "crypto/scheme/key/%d"
)
