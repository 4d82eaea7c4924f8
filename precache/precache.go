// Package precache drives proactive precache propagation: a time-ordered
// queue of (context, number, due) entries, woken by a single timer reset to
// the next due time, the way converger drives its convergence timer off a
// single reset-on-change channel rather than a tick-every-resource loop.
package precache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is one pending precache obligation.
type Entry struct {
	Context string
	Number  string
	Due     time.Time
}

// key identifies an entry for dedup/re-timing purposes.
type key struct {
	context string
	number  string
}

// Func performs one precache's worth of work: build local answers for
// (context, number) and push them to every eligible peer.
type Func func(ctx context.Context, context_, number string)

// Queue is a time-ordered, dedup-by-(context,number) set of due precache
// entries, plus the goroutine that wakes at the next due time and drives
// Func.
type Queue struct {
	mutex   sync.Mutex
	entries []Entry // kept sorted ascending by Due
	wake    chan struct{}
	now     func() time.Time
}

// New returns an empty queue. now defaults to time.Now if nil.
func New(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{wake: make(chan struct{}, 1), now: now}
}

// Upsert inserts or re-times a (context, number) entry to fire at due. A
// due of the zero Time removes the entry instead, matching the
// expiration==0 convention used elsewhere in this engine.
func (q *Queue) Upsert(context_, number string, due time.Time) {
	q.mutex.Lock()
	k := key{context_, number}
	idx := q.indexOf(k)
	if due.IsZero() {
		if idx >= 0 {
			q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
		}
		q.mutex.Unlock()
		q.poke()
		return
	}
	if idx >= 0 {
		q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	}
	e := Entry{Context: context_, Number: number, Due: due}
	pos := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].Due.After(due) })
	q.entries = append(q.entries, Entry{})
	copy(q.entries[pos+1:], q.entries[pos:])
	q.entries[pos] = e
	q.mutex.Unlock()
	q.poke()
}

func (q *Queue) indexOf(k key) int {
	for i, e := range q.entries {
		if e.Context == k.context && e.Number == k.number {
			return i
		}
	}
	return -1
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// popDue removes and returns every entry whose Due has arrived, plus the
// duration until the next still-pending entry's Due (0 if the queue is
// empty, meaning "wait indefinitely").
func (q *Queue) popDue() ([]Entry, time.Duration) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	now := q.now()
	i := 0
	for i < len(q.entries) && !q.entries[i].Due.After(now) {
		i++
	}
	due := append([]Entry(nil), q.entries[:i]...)
	q.entries = q.entries[i:]
	if len(q.entries) == 0 {
		return due, 0
	}
	return due, q.entries[0].Due.Sub(now)
}

// Len reports how many entries are currently queued.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the pending entries, soonest first, for
// diagnostics.
func (q *Queue) Snapshot() []Entry {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Run blocks, invoking fn for every entry as its due time arrives, until
// ctx is cancelled. It is meant to run in its own goroutine, driven by the
// owning scheduler's lifetime.
func (q *Queue) Run(ctx context.Context, fn Func) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := q.popDue()
		for _, e := range due {
			fn(ctx, e.Context, e.Number)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait <= 0 {
			wait = time.Hour
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-q.wake:
		}
	}
}

// Seed queues one immediately-due entry per mapping flagged for automatic
// precache, so the first Run pass fires them right away.
func (q *Queue) Seed(mappings []AutoPrecacheMapping) {
	now := q.now()
	for _, m := range mappings {
		q.Upsert(m.DContext, m.Number, now)
	}
}

// AutoPrecacheMapping is the minimal shape Seed needs from a config
// mapping, kept narrow so this package doesn't import config.
type AutoPrecacheMapping struct {
	DContext string
	Number   string
}
