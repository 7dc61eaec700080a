// Package serverstore owns all server-side persistent state: the
// device registry (users, devices, pending key rotations) and the
// change store (encrypted blobs and their per-device fan-out rows).
// It is the only package that opens the bbolt database; pkg/session
// and pkg/server only ever call through a *Store.
package serverstore
