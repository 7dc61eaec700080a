// Package crypto implements the device-side cryptographic state
// machine of spec.md §4: device identities (ed25519 signing,
// X25519/nacl-box encryption), an indexed table of AES-256-GCM account
// keys used both to encrypt change blobs and to CMAC-tag row data, key
// wrapping for account-join and rotation, and password-derived export
// keys.
//
// Core is the package's single entry point; everything else
// (Identity, Settings, keystore.Backend) is a collaborator it wires
// together. Nothing in this package touches the network or the wire
// codec directly — pkg/session and pkg/tablesync call into Core and
// put the results on the wire themselves.
package crypto
