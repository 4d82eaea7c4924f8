package trans

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"
)

// Manager tracks every live transaction, keyed by the id we ourselves
// allocated for it.
type Manager struct {
	mutex sync.RWMutex
	byID  map[uint16]*Transaction
}

// NewManager returns an empty transaction table.
func NewManager() *Manager {
	return &Manager{byID: make(map[uint16]*Transaction)}
}

// nextSTrans draws a random starting id in 1..32766 and walks forward until
// an unused slot is found.
func (m *Manager) nextSTrans() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	start := binary.BigEndian.Uint16(b[:])%32766 + 1

	m.mutex.RLock()
	defer m.mutex.RUnlock()
	id := start
	for {
		if _, used := m.byID[id]; !used {
			return id
		}
		id++
		if id == 0 || id > 32766 {
			id = 1
		}
		if id == start {
			// Table is saturated; the caller will simply collide and
			// Register will overwrite, which can't happen in practice
			// given a 32766-wide id space.
			return id
		}
	}
}

// Create allocates a fresh outbound transaction bound to addr. lastRTT
// seeds the adaptive retransmit timer (pass 0 if unknown).
func (m *Manager) Create(addr *net.UDPAddr, send Sender, lastRTT time.Duration) *Transaction {
	id := m.nextSTrans()
	t := New(id, addr, send, lastRTT)
	m.mutex.Lock()
	m.byID[id] = t
	m.mutex.Unlock()
	return t
}

// Bind registers an inbound transaction (strans allocated locally, but
// opened in response to an unsolicited peer packet) under its id.
func (m *Manager) Bind(t *Transaction) {
	m.mutex.Lock()
	m.byID[t.STrans] = t
	m.mutex.Unlock()
}

// Find locates the transaction matching (remoteAddr, theirSTrans,
// theirDTrans) per the dispatch rule: our transaction's own id equals what
// they call dtrans, or our recorded peer id equals what they call strans.
func (m *Manager) Find(addr *net.UDPAddr, theirSTrans, theirDTrans uint16) (*Transaction, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, t := range m.byID {
		if !sameAddr(t.RemoteAddr, addr) {
			continue
		}
		if t.STrans == theirDTrans || (t.DTrans != 0 && t.DTrans == theirSTrans) {
			return t, true
		}
	}
	return nil, false
}

// Remove drops a transaction from the table once it is destroyed.
func (m *Manager) Remove(t *Transaction) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if cur, ok := m.byID[t.STrans]; ok && cur == t {
		delete(m.byID, t.STrans)
	}
}

// Len reports how many transactions are currently tracked.
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.byID)
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
