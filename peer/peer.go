// Package peer implements the in-memory peer registry:
// an EID-keyed table of remote nodes, their addresses, keys, permission
// lists, model flags, and qualify/lookup statistics.
package peer

import (
	"net"
	"time"

	"github.com/dundi-net/dundi/ie"
)

// Model is a direction bitfield used independently for query traffic
// (Model) and precache traffic (PCModel).
type Model uint8

// Model bits.
const (
	ModelNone     Model = 0
	ModelInbound  Model = 1 << 0
	ModelOutbound Model = 1 << 1
	ModelBoth           = ModelInbound | ModelOutbound
)

// Has reports whether m includes every bit in want.
func (m Model) Has(want Model) bool {
	return m&want == want
}

// Order is the outer-iteration class a peer belongs to.
type Order int

// Order classes, consulted outermost-first.
const (
	OrderPrimary Order = iota
	OrderSecondary
	OrderTertiary
	OrderQuartiary
	numOrders
)

// ACLAction is one entry's verdict in an include/permit list.
type ACLAction int

// ACL actions.
const (
	Deny ACLAction = iota
	Allow
)

// ACLEntry is one ordered entry of an include or permit list.
type ACLEntry struct {
	Action ACLAction
	Name   string // context name, or "all"
}

// ACL is an ordered permission list where the last matching entry wins.
type ACL []ACLEntry

// Allows reports whether context is permitted by this list. An empty list
// denies everything; "all" matches any context name.
func (a ACL) Allows(context string) bool {
	allowed := false
	for _, e := range a {
		if e.Name == "all" || e.Name == context {
			allowed = e.Action == Allow
		}
	}
	return allowed
}

// QualifyPolicy configures the periodic NULL-ping reachability check.
type QualifyPolicy struct {
	Enabled bool
	MaxMS   int // 0 means "use the configured default max-ms"
}

// LookupSample is one entry of a peer's lookup-time history ring.
type LookupSample struct {
	Query   string
	Elapsed time.Duration
}

// historySize is the depth of the lookup-time ring: up to 10 recent samples.
const historySize = 10

// Peer is one remote node we know how to talk to, keyed by its EID.
type Peer struct {
	EID    ie.EID
	Addr   *net.UDPAddr
	Static bool // false iff learned dynamically via REGREQ

	UsEID ie.EID // which of our local EIDs we present to this peer

	InKeyPath  string // their public key file
	OutKeyPath string // our private key file

	Model   Model
	PCModel Model

	Include ACL // contexts we may ask them about
	Permit  ACL // contexts they may ask us about

	Order Order

	Qualify    QualifyPolicy
	LastMS     int // negative means unreachable
	QualifyID  uint64
	ScheduleID uint64

	RegScheduleID  uint64
	RegExpireID    uint64
	Dynamic        bool
	Register       bool // keep re-registering our address with this peer (we are its dynamic side)
	SentFullKey    bool

	UsKeyCRC32   uint32
	ThemKeyCRC32 uint32

	history      []LookupSample
	historyTotal time.Duration
}

// IsReachable reports whether this peer is currently usable for an outbound
// query: its address must be known, and if qualify is enabled its last
// measured RTT must be within policy.
func (p *Peer) IsReachable() bool {
	if p.Addr == nil {
		return false
	}
	if !p.Qualify.Enabled {
		return true
	}
	if p.LastMS < 0 {
		return false
	}
	if p.Qualify.MaxMS > 0 && p.LastMS > p.Qualify.MaxMS {
		return false
	}
	return true
}

// EligibleFor reports whether this peer may be consulted for an outbound
// query in dcontext: permission and model must both allow it.
func (p *Peer) EligibleFor(dcontext string) bool {
	return p.Include.Allows(dcontext) && p.Model.Has(ModelOutbound)
}

// EligiblePrecacheFor reports whether this peer may receive precache pushes
// in dcontext.
func (p *Peer) EligiblePrecacheFor(dcontext string) bool {
	return p.Include.Allows(dcontext) && p.PCModel.Has(ModelOutbound)
}

// MayAskUsAbout reports whether this peer is permitted to query us about
// dcontext and has the inbound model bit set. This gates whether an
// incoming DPDISCOVER is answered at all.
func (p *Peer) MayAskUsAbout(dcontext string) bool {
	return p.Permit.Allows(dcontext) && p.Model.Has(ModelInbound)
}

// MayPrecacheUsAbout is MayAskUsAbout's precache-model counterpart, used by
// the PRECACHERQ auth gate.
func (p *Peer) MayPrecacheUsAbout(dcontext string) bool {
	return p.Permit.Allows(dcontext) && p.PCModel.Has(ModelInbound)
}

// RecordLookup appends a lookup-time sample to the ring, evicting the
// oldest entry once historySize is reached, and keeps the running average
// up to date incrementally.
func (p *Peer) RecordLookup(query string, elapsed time.Duration) {
	p.history = append(p.history, LookupSample{Query: query, Elapsed: elapsed})
	p.historyTotal += elapsed
	if len(p.history) > historySize {
		evicted := p.history[0]
		p.history = p.history[1:]
		p.historyTotal -= evicted.Elapsed
	}
}

// AverageLookup returns the running average of the lookup-time ring, or 0
// if no samples have been recorded yet.
func (p *Peer) AverageLookup() time.Duration {
	if len(p.history) == 0 {
		return 0
	}
	return p.historyTotal / time.Duration(len(p.history))
}

// History returns a copy of the current lookup-time ring, oldest first.
func (p *Peer) History() []LookupSample {
	out := make([]LookupSample, len(p.history))
	copy(out, p.history)
	return out
}
