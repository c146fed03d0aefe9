package transport

import (
	"net"
	"sync/atomic"
)

// PeerResolver holds the most recently observed client address for the
// server role. Observe is called only by the ingress pump; Current may be
// called from any goroutine.
type PeerResolver struct {
	addr atomic.Pointer[peerAddr]
}

type peerAddr struct {
	net.Addr
}

// NewPeerResolver returns a resolver with no learned peer.
func NewPeerResolver() *PeerResolver {
	return &PeerResolver{}
}

// Observe records addr as the current peer, replacing any previous one.
// It reports whether the stored address changed and what it was before.
func (r *PeerResolver) Observe(addr net.Addr) (changed bool, prev net.Addr) {
	if addr == nil {
		return false, nil
	}

	old := r.addr.Load()
	if old != nil && sameAddr(old.Addr, addr) {
		return false, old.Addr
	}

	r.addr.Store(&peerAddr{addr})
	if old == nil {
		return true, nil
	}
	return true, old.Addr
}

// Current returns the learned peer, or false if no frame has arrived yet.
func (r *PeerResolver) Current() (net.Addr, bool) {
	p := r.addr.Load()
	if p == nil {
		return nil, false
	}
	return p.Addr, true
}

func sameAddr(a, b net.Addr) bool {
	return a.Network() == b.Network() && a.String() == b.String()
}
