package tablesync

import (
	"context"
	"time"

	"github.com/vaultsync/vaultsync/pkg/connector"
	"github.com/vaultsync/vaultsync/pkg/watcher"
	"github.com/vaultsync/vaultsync/pkg/wire"
)

// State is one node of the hierarchical state machine of spec.md §4.9.
// Active's children (Init, DelTable, the PassiveSync/LiveSync
// sub-states, Synchronized, Offline, NetworkError, Error) are
// flattened into one enum; a Machine is "Active" whenever its state is
// anything but Inactive.
type State int

const (
	StateInactive State = iota
	StateInit
	StateDelTable
	StateDlRunning
	StateProcRunning
	StateUploading
	StateLsActive
	StateUlFiber
	StateSynchronized
	StateOffline
	StateNetworkError
	StateError
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateInit:
		return "init"
	case StateDelTable:
		return "del_table"
	case StateDlRunning:
		return "dl_running"
	case StateProcRunning:
		return "proc_running"
	case StateUploading:
		return "uploading"
	case StateLsActive:
		return "ls_active"
	case StateUlFiber:
		return "ul_fiber"
	case StateSynchronized:
		return "synchronized"
	case StateOffline:
		return "offline"
	case StateNetworkError:
		return "network_error"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Store is the subset of *watcher.Watcher a Machine needs, kept as an
// interface so tests can fake it without a real sqlite file.
type Store interface {
	LoadData(table string) (*watcher.LocalData, error)
	ShouldStore(table string, cloud watcher.CloudData) (bool, error)
	StoreData(table string, cloud watcher.CloudData) error
	MarkUnchanged(table, key string, modified time.Time) error
	MarkCorrupted(table, key string, modified time.Time) error
	LastSync(table string) (time.Time, error)
	Subscribe(table string) <-chan struct{}
	Resync(table string, mode watcher.ResyncMode, clearServerData func(string) error) error
}

// Remote is the subset of *connector.Connector a Machine needs.
type Remote interface {
	Call(ctx context.Context, tok connector.Token, req wire.Message, accept func(wire.Message) bool) (wire.Message, error)
	Stream(ctx context.Context, tok connector.Token, req wire.Message, accept func(wire.Message) bool, done func(wire.Message) bool) (<-chan wire.Message, error)
	Send(msg wire.Message) error
	Cancel(tok connector.Token)
	State() connector.State
}

// Transformer is the injected encrypt/decrypt collaborator, spec.md
// §9 "the transformer is an injected collaborator so the core does
// not hard-code a cipher."
type Transformer interface {
	// Encrypt produces the wire fields for an upload of local,
	// addressed at table.
	Encrypt(table string, local watcher.LocalData) (keyIndex uint32, salt, ciphertext []byte, err error)
	// Decrypt recovers the table name and CloudData a downloaded blob
	// carries. The table name is carried in the plaintext envelope
	// because the wire DataID is a one-way hash (spec.md §3 "Dataset
	// identity on the wire").
	Decrypt(keyIndex uint32, salt, ciphertext []byte) (table string, data watcher.CloudData, err error)
}

// Config bundles a Machine's fixed collaborators and tunables.
type Config struct {
	Table     string
	Store     Store
	Remote    Remote
	Transform Transformer
	LiveSync  bool
	ErrorSink func(err error) // engine-wide error stream, spec.md §4.10
}
