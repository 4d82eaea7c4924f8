// Package trans implements the per-peer transaction: the UDP
// retransmission and sequence-number bookkeeping layer sitting under the
// command dispatcher. A Transaction tracks one two-endpoint conversation
// (lookup, registration, qualify, or precache) independent of what the
// conversation is about.
package trans

import (
	"net"
	"sync"
	"time"

	"github.com/dundi-net/dundi/ie"
	"github.com/dundi-net/dundi/util/errwrap"
	"github.com/dundi-net/dundi/xcrypto"
)

// DefaultRetries is how many times an un-ACKed outbound packet is resent
// before the transaction is abandoned.
const DefaultRetries = 5

// MinRetransTimer and MaxRetransTimer clamp the adaptive retransmit timer.
const (
	MinRetransTimer = 150 * time.Millisecond
	MaxRetransTimer = 1000 * time.Millisecond
)

// Cause explains why a transaction was torn down.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseFinal         // the conversation completed normally
	CauseMaxRetries
	CauseAutokill
	CauseCancelled
	CauseInvalid
)

// Flags mirror the boolean bookkeeping a transaction carries.
type Flags struct {
	IsReg       bool // this is a registration conversation
	IsQual      bool // this is a qualify (NULL ping) conversation
	Dead        bool // marked for reaping
	Final       bool // a FINAL frame has gone out
	Encrypt     bool // session is encrypted
	SendFullKey bool // next outbound must carry a full SHAREDKEY+SIGNATURE
	StoreHist   bool // record RTT into the peer's lookup history
}

// Packet is one un-ACKed outbound frame awaiting retransmission.
type Packet struct {
	OSeqNo  uint8
	Wire    []byte // the encoded frame as last sent (post-encryption, if any)
	Retries int    // retries remaining
	Final   bool   // this packet carried the FINAL bit
	timer   *time.Timer
}

// Sender writes an encoded frame to the transaction's remote address. It is
// supplied by whatever owns the UDP socket so this package stays free of
// I/O concerns.
type Sender func(addr *net.UDPAddr, wire []byte) error

// Notifier is told when a transaction reaches a terminal state, so a
// Request (or qualify/register caller) can react without trans depending on
// that package.
type Notifier interface {
	OnTransactionDone(t *Transaction, cause Cause)
}

// Transaction is a two-endpoint DUNDi conversation.
type Transaction struct {
	mutex sync.Mutex

	RemoteAddr *net.UDPAddr
	UsEID      ie.EID
	ThemEID    ie.EID

	STrans uint16 // our id
	DTrans uint16 // their id, 0 until learned

	ISeqNo  uint8 // next expected inbound
	OISeqNo uint8 // last seen inbound
	OSeqNo  uint8 // next outbound
	ASeqNo  uint8 // last sent ACK

	Flags Flags

	TTL          int
	Autokill     time.Duration
	RetransTimer time.Duration

	Packets []*Packet
	EIDs    []ie.EID // hop stack, loop avoidance

	// Number and DContext identify the lookup this transaction carries,
	// so a DPRESPONSE can be cached under the right key without the
	// dispatcher having to thread that context through separately.
	Number   string
	DContext string

	LastTrans *Packet // most recently ACKed packet, kept for ENCREJ resend

	Session *xcrypto.Session // active AES session, nil if unencrypted

	send     Sender
	notifier Notifier

	autokillTimer *time.Timer
	destroyed     bool
}

// New constructs a transaction bound to strans, talking to addr, using send
// to write wire frames. lastRTT seeds the adaptive retransmit timer
// (clamped to [MinRetransTimer, MaxRetransTimer]); pass 0 to use the floor.
func New(strans uint16, addr *net.UDPAddr, send Sender, lastRTT time.Duration) *Transaction {
	timer := lastRTT * 2
	if timer < MinRetransTimer {
		timer = MinRetransTimer
	}
	if timer > MaxRetransTimer {
		timer = MaxRetransTimer
	}
	return &Transaction{
		RemoteAddr:   addr,
		STrans:       strans,
		OSeqNo:       0,
		RetransTimer: timer,
		send:         send,
	}
}

// SetNotifier attaches the owner notified of terminal transitions.
func (t *Transaction) SetNotifier(n Notifier) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.notifier = n
}

// AddEID pushes eid onto the loop-avoidance hop stack if not already present.
func (t *Transaction) AddEID(eid ie.EID) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for _, e := range t.EIDs {
		if e == eid {
			return
		}
	}
	t.EIDs = append(t.EIDs, eid)
}

// HasEID reports whether eid is already in the loop-avoidance stack.
func (t *Transaction) HasEID(eid ie.EID) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for _, e := range t.EIDs {
		if e == eid {
			return true
		}
	}
	return false
}

// Send transmits wire as the next outbound packet and, unless ackOnly, files
// it into the retransmit queue with a fresh timer. final marks the FINAL
// bit's effect on local state: once a FINAL packet is ACKed, the
// transaction is destroyed.
func (t *Transaction) Send(wire []byte, ackOnly, final bool) error {
	t.mutex.Lock()
	oseqno := t.OSeqNo
	t.OSeqNo++
	t.mutex.Unlock()

	if err := t.send(t.RemoteAddr, wire); err != nil {
		return errwrap.Wrapf(err, "trans: send failed")
	}
	if ackOnly {
		return nil
	}

	p := &Packet{OSeqNo: oseqno, Wire: wire, Retries: DefaultRetries, Final: final}
	t.mutex.Lock()
	t.Packets = append(t.Packets, p)
	t.mutex.Unlock()
	t.armRetransmit(p)
	return nil
}

func (t *Transaction) armRetransmit(p *Packet) {
	t.mutex.Lock()
	timer := t.RetransTimer
	t.mutex.Unlock()
	p.timer = time.AfterFunc(timer, func() { t.retransmit(p) })
}

func (t *Transaction) retransmit(p *Packet) {
	t.mutex.Lock()
	if t.destroyed {
		t.mutex.Unlock()
		return
	}
	found := false
	for _, q := range t.Packets {
		if q == p {
			found = true
			break
		}
	}
	if !found {
		t.mutex.Unlock()
		return
	}
	dead := p.Retries <= 0
	p.Retries--
	t.mutex.Unlock()

	if dead {
		// Qualify transactions that exhaust their retries are simply
		// unreachable; the caller reads that off the destroyed state,
		// there's nothing further to log.
		t.Destroy(CauseMaxRetries)
		return
	}
	_ = t.send(t.RemoteAddr, p.Wire)
	t.armRetransmit(p)
}

// AcceptInbound implements the sequence-number acceptance rules: it reports
// whether the frame should be processed, whether an ACK is owed, whether
// this is a duplicate of the previous inbound, and whether this packet
// acknowledged an outbound FINAL (in which case the transaction is already
// destroyed by the time this call returns).
func (t *Transaction) AcceptInbound(hdrOSeqNo, hdrISeqNo uint8, ackOnly bool) (process, ack, duplicate bool) {
	t.mutex.Lock()

	if hdrOSeqNo == t.ISeqNo {
		finalAcked := false
		if int(hdrISeqNo) == int(t.lastSentOSeqNo())+1 {
			finalAcked = t.ackOutbound(hdrISeqNo)
		}
		if !ackOnly {
			t.ISeqNo++
		}
		t.OISeqNo = hdrOSeqNo
		needACK := t.ASeqNo != t.ISeqNo
		if needACK {
			t.ASeqNo = t.ISeqNo
		}
		t.mutex.Unlock()
		if finalAcked {
			t.Destroy(CauseFinal)
		}
		return !ackOnly, needACK, false
	}
	if hdrOSeqNo == t.OISeqNo {
		t.mutex.Unlock()
		return false, true, true
	}
	t.mutex.Unlock()
	return false, false, false
}

// lastSentOSeqNo returns the OSeqNo of the most recently sent packet,
// whether or not it has been acknowledged, or 0xFF (an impossible prior value) if none. Caller must
// hold the mutex.
func (t *Transaction) lastSentOSeqNo() uint8 {
	if t.OSeqNo == 0 {
		return 0xFF
	}
	return t.OSeqNo - 1
}

// ackOutbound removes the outbound packet that hdrISeqNo acknowledges and
// reports whether it carried the FINAL bit. Caller must hold the mutex.
func (t *Transaction) ackOutbound(hdrISeqNo uint8) bool {
	target := hdrISeqNo - 1
	final := false
	kept := t.Packets[:0]
	for _, p := range t.Packets {
		if p.OSeqNo == target {
			t.LastTrans = p
			final = p.Final
			if p.timer != nil {
				p.timer.Stop()
			}
			continue
		}
		kept = append(kept, p)
	}
	t.Packets = kept
	return final
}

// ArmAutokill schedules destruction after d if no FINAL has arrived by then.
// d == 0 disables autokill.
func (t *Transaction) ArmAutokill(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mutex.Lock()
	t.Autokill = d
	t.mutex.Unlock()
	t.autokillTimer = time.AfterFunc(d, func() { t.Destroy(CauseAutokill) })
}

// Destroy tears the transaction down, cancelling any pending retransmit and
// autokill timers, and notifies the owner exactly once.
func (t *Transaction) Destroy(cause Cause) {
	t.mutex.Lock()
	if t.destroyed {
		t.mutex.Unlock()
		return
	}
	t.destroyed = true
	t.Flags.Dead = true
	packets := t.Packets
	t.Packets = nil
	n := t.notifier
	t.mutex.Unlock()

	for _, p := range packets {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	if t.autokillTimer != nil {
		t.autokillTimer.Stop()
	}
	if n != nil {
		n.OnTransactionDone(t, cause)
	}
}

// IsDead reports whether Destroy has already run.
func (t *Transaction) IsDead() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.destroyed
}
