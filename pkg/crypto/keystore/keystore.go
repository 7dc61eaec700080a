// Package keystore abstracts where a device's private key material
// lives, per spec.md §4.3. The crypto core never touches a backend
// directly except to load/save/remove the small set of private-key
// and wrapped-symmetric-key aliases it owns; it opens the backend,
// performs one operation, and closes it immediately.
package keystore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Backend is a pluggable private-key store, selectable by name
// (spec.md §4.3: "Backend-selectable by name").
type Backend interface {
	Open() error
	Close() error
	Contains(alias string) (bool, error)
	Save(alias string, data []byte) error
	Load(alias string) ([]byte, error)
	Remove(alias string) error
}

// ErrNotFound is returned by Load when the alias has no saved value.
var ErrNotFound = errors.New("keystore: alias not found")

// FileBackend persists each alias as a single 0600-mode file under a
// directory, grounded on the teacher's pattern of writing private key
// material to 0600 files in pkg/client/client.go's requestCertificate.
type FileBackend struct {
	dir    string
	mu     sync.Mutex
	opened bool
}

// NewFileBackend returns a backend rooted at dir. dir is created on
// first Open if missing.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (b *FileBackend) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return errors.Wrap(err, "keystore: open file backend")
	}
	b.opened = true
	return nil
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = false
	return nil
}

func (b *FileBackend) path(alias string) string {
	return filepath.Join(b.dir, alias+".key")
}

func (b *FileBackend) Contains(alias string) (bool, error) {
	_, err := os.Stat(b.path(alias))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "keystore: stat")
}

func (b *FileBackend) Save(alias string, data []byte) error {
	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return errors.Wrap(err, "keystore: save")
	}
	if err := os.WriteFile(b.path(alias), data, 0o600); err != nil {
		return errors.Wrap(err, "keystore: save")
	}
	return nil
}

func (b *FileBackend) Load(alias string) ([]byte, error) {
	data, err := os.ReadFile(b.path(alias))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "keystore: load")
	}
	return data, nil
}

func (b *FileBackend) Remove(alias string) error {
	if err := os.Remove(b.path(alias)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "keystore: remove")
	}
	return nil
}

// MemBackend is an in-memory Backend, used by tests and by embedding
// applications that deliberately want ephemeral identities.
type MemBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemBackend returns an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{data: make(map[string][]byte)}
}

func (b *MemBackend) Open() error  { return nil }
func (b *MemBackend) Close() error { return nil }

func (b *MemBackend) Contains(alias string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[alias]
	return ok, nil
}

func (b *MemBackend) Save(alias string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.data[alias] = cp
	return nil
}

func (b *MemBackend) Load(alias string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[alias]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (b *MemBackend) Remove(alias string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, alias)
	return nil
}
