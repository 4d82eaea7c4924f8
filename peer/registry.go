package peer

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/dundi-net/dundi/ie"
)

// Registry is the EID-keyed peer table. Mutating operations take the lock
// briefly; iterating reads hold it for the duration of the iteration but
// never across I/O.
type Registry struct {
	mutex sync.RWMutex
	peers map[ie.EID]*Peer
}

// NewRegistry returns an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[ie.EID]*Peer)}
}

// Put inserts or replaces the peer at p.EID. Replacing an existing peer
// preserves its live scheduler ids (qualify, registration, expiration)
// rather than zeroing them, so an in-flight timer
// is not silently orphaned by a config reload.
func (r *Registry) Put(p *Peer) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if old, ok := r.peers[p.EID]; ok {
		p.QualifyID = old.QualifyID
		p.ScheduleID = old.ScheduleID
		p.RegScheduleID = old.RegScheduleID
		p.RegExpireID = old.RegExpireID
	}
	r.peers[p.EID] = p
}

// Get returns the peer for eid, if known.
func (r *Registry) Get(eid ie.EID) (*Peer, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	p, ok := r.peers[eid]
	return p, ok
}

// Remove deletes the peer for eid.
func (r *Registry) Remove(eid ie.EID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.peers, eid)
}

// ForContext returns, in Order order, the peers eligible to be asked about
// dcontext and currently reachable. Within an order class, peers are
// returned in EID order for deterministic fan-out.
func (r *Registry) ForContext(dcontext string) map[Order][]*Peer {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make(map[Order][]*Peer)
	for _, p := range r.peers {
		if !p.EligibleFor(dcontext) || !p.IsReachable() {
			continue
		}
		out[p.Order] = append(out[p.Order], p)
	}
	for class := range out {
		sort.Slice(out[class], func(i, j int) bool {
			return out[class][i].EID.Less(out[class][j].EID)
		})
	}
	return out
}

// PrecacheTargets returns every peer eligible to receive a precache push for
// dcontext, regardless of order class: every peer whose pcmodel includes
// outbound.
func (r *Registry) PrecacheTargets(dcontext string) []*Peer {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var out []*Peer
	for _, p := range r.peers {
		if p.EligiblePrecacheFor(dcontext) && p.IsReachable() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EID.Less(out[j].EID) })
	return out
}

// ReachableExcluding returns every reachable, outbound-eligible peer for
// dcontext at order <= maxOrder, excluding any EID present in avoid. Used
// by the request coordinator's optimization pass to extend a
// transaction's EID stack with every other peer we could have asked.
func (r *Registry) ReachableExcluding(dcontext string, maxOrder Order, avoid map[ie.EID]bool) []ie.EID {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var out []ie.EID
	for eid, p := range r.peers {
		if avoid[eid] {
			continue
		}
		if p.Order > maxOrder {
			continue
		}
		if !p.EligibleFor(dcontext) || !p.IsReachable() {
			continue
		}
		out = append(out, eid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// UpdateAddress applies a REGREQ address change for a dynamic peer,
// returning true if the address actually changed (the caller should then
// schedule an immediate qualify, §4.3/§4.5). It is a no-op,
// returning false, for a peer that is not marked Dynamic or is unknown.
func (r *Registry) UpdateAddress(eid ie.EID, addr *net.UDPAddr) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	p, ok := r.peers[eid]
	if !ok || !p.Dynamic {
		return false
	}
	if p.Addr != nil && addr != nil && p.Addr.String() == addr.String() {
		return false
	}
	p.Addr = addr
	return true
}

// PeerSnapshot is a read-only view of one peer, returned by Snapshot for
// introspection/diagnostics.
type PeerSnapshot struct {
	EID         ie.EID
	Addr        string
	Dynamic     bool
	Reachable   bool
	LastMS      int
	Order       Order
	AvgLookupMS float64
}

// Snapshot returns a stable-ordered, point-in-time copy of every registered
// peer's externally-visible state.
func (r *Registry) Snapshot() []PeerSnapshot {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]PeerSnapshot, 0, len(r.peers))
	for _, p := range r.peers {
		addr := ""
		if p.Addr != nil {
			addr = p.Addr.String()
		}
		out = append(out, PeerSnapshot{
			EID:         p.EID,
			Addr:        addr,
			Dynamic:     p.Dynamic,
			Reachable:   p.IsReachable(),
			LastMS:      p.LastMS,
			Order:       p.Order,
			AvgLookupMS: float64(p.AverageLookup().Milliseconds()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EID.Less(out[j].EID) })
	return out
}

// All returns every registered peer, in EID order, for callers (the
// scheduler's timer wheel) that need to walk the whole table rather than a
// context-filtered or reachability-filtered subset.
func (r *Registry) All() []*Peer {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EID.Less(out[j].EID) })
	return out
}

// ErrUnknownPeer is returned by operations that require an existing peer.
var ErrUnknownPeer = fmt.Errorf("peer: unknown EID")
