package sched

import (
	"sync"
	"time"
)

// Wheel is a per-id timer table: the generic shape behind qualify,
// registration, and any other "fire fn once after d, and let the caller
// decide whether to rearm" timer this engine needs. It plays the role
// converger's per-UID StartTimer/ResetTimer/StopTimer trio plays for
// convergence timeouts, but arms each timer with time.AfterFunc instead of a
// goroutine blocked on a reset/stop channel -- there's no long-lived
// per-timer goroutine to manage here, just a map from id to *time.Timer.
type Wheel struct {
	mutex  sync.Mutex
	timers map[uint64]*time.Timer
	next   uint64
}

// NewWheel returns an empty timer table.
func NewWheel() *Wheel {
	return &Wheel{timers: make(map[uint64]*time.Timer)}
}

// Schedule arms a new timer that calls fn after d and returns its id.
func (w *Wheel) Schedule(d time.Duration, fn func()) uint64 {
	w.mutex.Lock()
	w.next++
	id := w.next
	w.mutex.Unlock()
	w.arm(id, d, fn)
	return id
}

// Reset cancels id's timer, if any, and arms a fresh one for fn after d. id
// == 0 (the "never scheduled" sentinel used by peer.Peer's *ID fields) draws
// a new id instead of trying to cancel anything. The id to keep for the
// next Reset/Cancel call is returned.
func (w *Wheel) Reset(id uint64, d time.Duration, fn func()) uint64 {
	if id != 0 {
		w.Cancel(id)
	} else {
		w.mutex.Lock()
		w.next++
		id = w.next
		w.mutex.Unlock()
	}
	w.arm(id, d, fn)
	return id
}

// Cancel stops id's timer, if it is still pending. A zero id is a no-op.
func (w *Wheel) Cancel(id uint64) {
	if id == 0 {
		return
	}
	w.mutex.Lock()
	t, ok := w.timers[id]
	delete(w.timers, id)
	w.mutex.Unlock()
	if ok {
		t.Stop()
	}
}

// Len reports how many timers are currently armed.
func (w *Wheel) Len() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return len(w.timers)
}

func (w *Wheel) arm(id uint64, d time.Duration, fn func()) {
	t := time.AfterFunc(d, func() {
		w.mutex.Lock()
		delete(w.timers, id)
		w.mutex.Unlock()
		fn()
	})
	w.mutex.Lock()
	w.timers[id] = t
	w.mutex.Unlock()
}
