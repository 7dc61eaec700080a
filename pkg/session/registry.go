package session

import "github.com/vaultsync/vaultsync/pkg/wire"

// Peer is the narrow interface a Session exposes to siblings that need
// to push it a message without holding a direct reference to its
// internals: the Access/Accept/Grant relay of spec.md §4.6.
type Peer interface {
	Deliver(msg wire.Message) error
}

// PendingAccess is the device-enrollment request a partner's Accept or
// Deny resolves, cached by the Registry between the Access/Proof relay
// and the partner's reply (the wire Accept message itself does not
// repeat the requester's key material, only the newDeviceID).
type PendingAccess struct {
	RequesterDeviceID string
	Name              string
	SignScheme        string
	SignPubKey        []byte
	CryptScheme       string
	CryptPubKey       []byte
	Fingerprint       []byte
}

// Registry is the process-wide addressable set of live sessions, owned
// by pkg/server and injected into every Session so it can relay
// Proof/Accept/Grant to a sibling device's connection and cache
// in-flight enrollment requests. Implemented by *server.Registry; kept
// as an interface here so pkg/session never imports pkg/server.
type Registry interface {
	Register(deviceID string, p Peer)
	Unregister(deviceID string)
	Lookup(deviceID string) (Peer, bool)

	PutPendingAccess(newDeviceID string, info PendingAccess)
	TakePendingAccess(newDeviceID string) (PendingAccess, bool)
}
