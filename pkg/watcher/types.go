package watcher

import "time"

// ShadowState is the state column of a table's shadow row, spec.md
// §4.8.
type ShadowState string

const (
	StateChanged   ShadowState = "changed"
	StateUnchanged ShadowState = "unchanged"
	StateCorrupted ShadowState = "corrupted"
)

// ForeignKeyRef is one entry of a table's foreign-key reference list:
// before storing a downloaded row, the watcher ensures a parent row
// with the same primary key exists in RefTable.
type ForeignKeyRef struct {
	Column   string // column on this table holding the parent key
	RefTable string // parent table name
	RefPK    string // parent table's primary key column
}

// TableConfig describes one table passed to AddTable.
type TableConfig struct {
	Name        string
	PrimaryKey  string   // single-column only; composite PKs are rejected
	Columns     []string // whitelist of columns synced (including PrimaryKey)
	ForeignKeys []ForeignKeyRef
}

// TableState is per-table bookkeeping surfaced to the host
// application: the last successful sync watermark and, per
// original_source/src/datasync/databasewatcher.cpp, the most recent
// error retained until the next successful pass.
type TableState struct {
	Name      string
	LastSync  time.Time
	LastError error
}

// LocalData is a row pending upload, returned by LoadData: a nil
// Payload means the row was deleted (tombstone).
type LocalData struct {
	Key      string
	Modified time.Time
	Payload  map[string]any
}

// CloudData is a downloaded row passed to ShouldStore/StoreData: a nil
// Payload means the row was deleted on another device.
type CloudData struct {
	Key      string
	Modified time.Time
	Payload  map[string]any
	Hash     []byte
}

// ResyncMode is the bitfield of spec.md §4.8.
type ResyncMode uint8

const (
	ResyncUpload ResyncMode = 1 << iota
	ResyncDownload
	ResyncCheckLocalData
	ResyncCleanLocalData
	ResyncClearLocalData
	ResyncClearServerData
)

func (m ResyncMode) has(bit ResyncMode) bool { return m&bit != 0 }

// Has reports whether mode requests flag, for callers outside this
// package (pkg/tablesync's Resync callback construction).
func (m ResyncMode) Has(flag ResyncMode) bool { return m.has(flag) }
