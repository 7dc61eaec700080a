package serverstore

import "github.com/pkg/errors"

// ErrQuotaExceeded is returned when inserting a change blob would push
// an account's quota_used at or past quota_limit (spec.md §4.4's
// CHECK(quota_used < quota_limit)).
var ErrQuotaExceeded = errors.New("serverstore: quota exceeded")

// ErrDeviceNotFound is returned by any operation addressing a device
// id the registry does not hold.
var ErrDeviceNotFound = errors.New("serverstore: device not found")

// ErrAccountNotFound is returned by any operation addressing a user
// (account) id the registry does not hold.
var ErrAccountNotFound = errors.New("serverstore: account not found")

// ErrKeyIndexMismatch is returned when a proposed rotation index is
// not exactly current+1.
var ErrKeyIndexMismatch = errors.New("serverstore: key index mismatch")

// ErrPendingKeyConflict is returned when a rotation is proposed while
// another rotation is already pending for the account.
var ErrPendingKeyConflict = errors.New("serverstore: key rotation already pending")

// ErrNoPendingKeyChange is returned by UpdateCMAC when the device has
// no outstanding key_changes row.
var ErrNoPendingKeyChange = errors.New("serverstore: no pending key change")

// ErrChangeNotFound is returned by CompleteChange for an unknown
// (blob, device) fan-out pair.
var ErrChangeNotFound = errors.New("serverstore: change not found")
