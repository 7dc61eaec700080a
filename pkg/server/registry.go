package server

import (
	"sync"

	"github.com/vaultsync/vaultsync/pkg/session"
)

// registry is the concrete, process-wide implementation of
// session.Registry: every accepted Session registers under its
// authenticated device id so a sibling session can relay Proof/Accept/
// Grant/AcceptAck to it, and pending enrollment requests are cached
// between the Access/Proof relay and the partner's Accept/Deny.
type registry struct {
	mu      sync.RWMutex
	peers   map[string]session.Peer
	pending map[string]session.PendingAccess
}

func newRegistry() *registry {
	return &registry{
		peers:   make(map[string]session.Peer),
		pending: make(map[string]session.PendingAccess),
	}
}

func (r *registry) Register(deviceID string, p session.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[deviceID] = p
}

func (r *registry) Unregister(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, deviceID)
}

func (r *registry) Lookup(deviceID string) (session.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[deviceID]
	return p, ok
}

func (r *registry) PutPendingAccess(newDeviceID string, info session.PendingAccess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[newDeviceID] = info
}

func (r *registry) TakePendingAccess(newDeviceID string) (session.PendingAccess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[newDeviceID]
	if ok {
		delete(r.pending, newDeviceID)
	}
	return p, ok
}

// activeCount reports how many devices currently have a live session,
// used by the /ready handler's connection-pressure check.
func (r *registry) activeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
