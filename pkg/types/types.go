// Package types holds the plain data structures shared across the
// vaultsync client and server: device identity, account/key state,
// change blobs, and the client-side shadow-table metadata.
package types

import "time"

// Device is a single enrolled endpoint participating in an account.
type Device struct {
	ID          string
	UserID      string
	Name        string
	SignScheme  string
	SignKey     []byte // public signing key
	CryptScheme string
	CryptKey    []byte // public encryption key
	Fingerprint []byte // sha256(SignKey || CryptKey)
	KeyMAC      []byte // CMAC of the current account key under CryptKey
	LastLogin   time.Time
	CreatedAt   time.Time
}

// Account is the set of devices sharing one symmetric key index.
type Account struct {
	ID         string
	KeyIndex   uint32
	QuotaUsed  int64
	QuotaLimit int64
}

// KeyRotationState describes the account's rotation-in-progress status.
type KeyRotationState string

const (
	KeyRotationNone    KeyRotationState = "none"
	KeyRotationPending KeyRotationState = "pending"
)

// ChangeBlob is one encrypted change, as stored by the server.
type ChangeBlob struct {
	ID          string
	DeviceID    string
	DataIDHash  []byte
	KeyIndex    uint32
	Salt        []byte
	Data        []byte
	CreatedAt   time.Time
}

// FanOutRow makes one blob deliverable to one target device.
type FanOutRow struct {
	BlobID   string
	DeviceID string
}

// KeyRotationProposal is a pending rotation a sibling device must ack.
type KeyRotationProposal struct {
	TargetDeviceID string
	ProposedIndex  uint32
	Scheme         string
	WrappedKey     []byte
	CMAC           []byte
}

// ShadowState is the change-state of a client shadow-table row.
type ShadowState string

const (
	ShadowUnchanged ShadowState = "unchanged"
	ShadowChanged   ShadowState = "changed"
	ShadowCorrupted ShadowState = "corrupted"
)

// ShadowRow is the metadata row the watcher maintains per user-table row.
type ShadowRow struct {
	Key      string // stringified primary key
	Modified time.Time
	State    ShadowState
}

// MetaTableEntry is one row of the client's table-registry meta table.
type MetaTableEntry struct {
	TableName  string
	PKColumn   string
	PKType     string
	Active     bool
	LastSync   time.Time
	LastError  string
}

// ForeignKeyRef records that TableName.Column references ParentTable.
type ForeignKeyRef struct {
	TableName    string
	Column       string
	ParentTable  string
	ParentColumn string
}

// DatasetKey is the wire identity of one synchronized row: the
// (escaped) table name and the (escaped) stringified primary key.
type DatasetKey struct {
	Table string
	Key   string
}

// CloudData is one payload as exchanged over the wire, before/after
// transformation by the crypto layer.
type CloudData struct {
	Key      DatasetKey
	Modified time.Time
	Data     []byte // nil means tombstone
	Hash     uint64 // content hash, used for deterministic tie-break
}

// LocalData is one row as loaded from the local store, ready for upload.
type LocalData struct {
	Key      DatasetKey
	Modified time.Time
	Data     []byte // nil means tombstone
}

// ResyncMode is a bitfield requesting one or more resync operations.
type ResyncMode uint8

const (
	ResyncUpload          ResyncMode = 1 << iota // mark every shadow row changed
	ResyncDownload                                // clear last_sync
	ResyncCheckLocalData                          // inflate missing shadow rows
	ResyncCleanLocalData                          // delete + re-inflate shadow rows
	ResyncClearLocalData                          // delete user + shadow rows
	ResyncClearServerData                         // enqueue remove-table request
)

// Has reports whether mode requests flag.
func (m ResyncMode) Has(flag ResyncMode) bool {
	return m&flag != 0
}
