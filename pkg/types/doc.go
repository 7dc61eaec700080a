/*
Package types defines the plain data structures shared across the
sync server and client: device identity, account/key state, change
blobs, and the client-side shadow-table metadata. These are storage
and wire-adjacent value types; the packages that move them between
the wire, the store, and the watcher (pkg/wire, pkg/serverstore,
pkg/watcher) own the conversions.

# Server-Side Types

Device, Account, and ChangeBlob are the rows pkg/serverstore persists:
a Device belongs to exactly one Account, and an Account's devices all
share one KeyIndex until a rotation completes. FanOutRow and
KeyRotationProposal are the two tables that make a single write
deliverable, or a single rotation ackable, to every sibling device.

# Client-Side Types

ShadowRow, MetaTableEntry, and ForeignKeyRef describe the bookkeeping
kept over a user table: one shadow row per tracked primary key, one
meta-table entry per synchronized table, and one foreign-key reference
per dependency whose parents are inserted before children. pkg/watcher
does not use these types: it keeps this state in its own SQL tables
and defines its own ForeignKeyRef.

# Wire-Adjacent Types

DatasetKey, CloudData, and LocalData describe a row as loaded locally
(LocalData), the same row as decrypted from the wire (CloudData), and
the identity of both (DatasetKey). pkg/tablesync and pkg/watcher do
not use them; they exchange watcher.LocalData and watcher.CloudData.

# Resync

ResyncMode is a bitfield: Upload/Download/CheckLocalData/
CleanLocalData/ClearLocalData/ClearServerData can be combined.
watcher.Resync takes its own watcher.ResyncMode, not this type.
*/
package types
