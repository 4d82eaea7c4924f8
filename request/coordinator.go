package request

import (
	"context"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
	"time"

	"github.com/dundi-net/dundi/cache"
	"github.com/dundi-net/dundi/ie"
	"github.com/dundi-net/dundi/peer"
	"github.com/dundi-net/dundi/trans"
	"github.com/dundi-net/dundi/util/errwrap"
)

// MaxStack bounds the EID loop-avoidance stack carried on outbound
// transactions.
const MaxStack = 512

// DefaultTTL is used when a caller doesn't specify one.
const DefaultTTL = 120

// ErrDuplicatePending is returned when an identical request (same number,
// dcontext, and root EID) is already in flight.
var ErrDuplicatePending = fmt.Errorf("request: duplicate request already pending")

// Result is what a Lookup call returns: the merged, weight-sorted
// answer set and the minimum expiration seen across contributing peers.
type Result struct {
	Answers    []ie.AnswerValue
	Expiration int64 // absolute unix epoch, 0 if none of the answers carried one
	TTLExpired bool  // true if the lookup ran with ttl <= 0 (cache only); running out of wait budget leaves it false
}

// Transport is how the coordinator actually puts bytes on the wire; the
// dispatch package implements it. Kept as a narrow interface here so
// request and dispatch don't need to import one another.
type Transport interface {
	SendDiscover(ctx context.Context, p *peer.Peer, tr *trans.Transaction, number, dcontext string, ttl int, eids []ie.EID) error
	SendCancel(tr *trans.Transaction) error
}

// pending is one in-flight top-level operation: the accumulated answer
// set, live child transactions, and the channel signalled once every
// child transaction has finished (FINAL, failed, or cancelled).
type pending struct {
	mutex      sync.Mutex
	number     string
	dcontext   string
	rootEID    ie.EID
	txns       map[*trans.Transaction]bool
	answers    []ie.AnswerValue
	minExpire  int64
	done       chan struct{}
	doneClosed bool
}

func (p *pending) finishIfEmpty() {
	p.mutex.Lock()
	empty := len(p.txns) == 0
	closed := p.doneClosed
	if empty && !closed {
		p.doneClosed = true
	}
	p.mutex.Unlock()
	if empty && !closed {
		close(p.done)
	}
}

// Coordinator implements the request coordinator (C7): number lookup,
// order-class fan-out, cache-first answer reuse, TTL-budget waiting, and
// weight-sorted result merging. It has no outbound precache or entity-query
// operation; Lookup is the only top-level request it starts.
type Coordinator struct {
	registry  *peer.Registry
	store     *cache.Cache
	transMgr  *trans.Manager
	transport Transport
	sender    trans.Sender
	us        ie.EID

	mutex  sync.Mutex
	active map[string]*pending

	txnOwner sync.Map // *trans.Transaction -> *pending

	now func() time.Time
}

// NewCoordinator wires a request coordinator over the given peer registry,
// cache, transaction manager, and transport. sender is the raw UDP write
// function shared with the scheduler and dispatch, used to construct
// outbound transactions. now defaults to time.Now.
func NewCoordinator(registry *peer.Registry, store *cache.Cache, transMgr *trans.Manager, transport Transport, sender trans.Sender, us ie.EID, now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		registry:  registry,
		store:     store,
		transMgr:  transMgr,
		transport: transport,
		sender:    sender,
		us:        us,
		active:    make(map[string]*pending),
		now:       now,
	}
}

func dedupeKey(number, dcontext string, rootEID ie.EID) string {
	return dcontext + "/" + number + "/" + rootEID.String()
}

// avoidCRC computes the crc32 of an EID avoidance stack the way the cache
// key space expects: big-endian concatenation of each 6-byte EID, in
// stack order.
func avoidCRC(stack []ie.EID) uint32 {
	buf := make([]byte, 0, len(stack)*ie.Size)
	for _, e := range stack {
		buf = append(buf, e[:]...)
	}
	return crc32.ChecksumIEEE(buf)
}

// Lookup performs a number lookup within dcontext: fans out to eligible
// peers by order class, preferring a cached answer over a fresh
// transaction, and waits up to the TTL wall-clock budget for replies.
// ttl <= 0 means "cache only, never ask."
func (c *Coordinator) Lookup(ctx context.Context, number, dcontext string, ttl int) (Result, error) {
	if ttl <= 0 {
		res, err := c.cacheOnly(ctx, number, dcontext)
		res.TTLExpired = true
		return res, err
	}

	key := dedupeKey(number, dcontext, c.us)
	c.mutex.Lock()
	if _, exists := c.active[key]; exists {
		c.mutex.Unlock()
		return Result{}, ErrDuplicatePending
	}
	p := &pending{
		number:   number,
		dcontext: dcontext,
		rootEID:  c.us,
		txns:     make(map[*trans.Transaction]bool),
		done:     make(chan struct{}),
	}
	c.active[key] = p
	c.mutex.Unlock()
	defer func() {
		c.mutex.Lock()
		delete(c.active, key)
		c.mutex.Unlock()
	}()

	stack := []ie.EID{c.us}
	crc := avoidCRC(stack)

	builtAny := false
	for class := peer.OrderPrimary; class <= peer.OrderQuartiary; class++ {
		classPeers := c.registry.ForContext(dcontext)[class]
		classHit := false
		for _, pr := range classPeers {
			if row, hit, err := c.store.GetAnswerByCRC(ctx, pr.EID, number, dcontext, crc); err == nil && hit {
				p.mutex.Lock()
				p.answers = mergeAnswers(p.answers, row.Answers)
				if p.minExpire == 0 || row.ExpireEpoch < p.minExpire {
					p.minExpire = row.ExpireEpoch
				}
				p.mutex.Unlock()
				classHit = true
				continue
			}
			tr := c.transMgr.Create(pr.Addr, c.sender, pr.AverageLookup())
			tr.ThemEID = pr.EID
			tr.Number = number
			tr.DContext = dcontext
			tr.SetNotifier(c)
			p.mutex.Lock()
			p.txns[tr] = true
			p.mutex.Unlock()
			c.bindTxn(tr, p)
			if err := c.transport.SendDiscover(ctx, pr, tr, number, dcontext, ttl, stack); err != nil {
				tr.Destroy(trans.CauseCancelled)
				continue
			}
			builtAny = true
			classHit = true
		}
		if classHit || builtAny {
			break
		}
	}

	c.extendStacks(p, dcontext)

	budget := time.Duration(ttl)*200*time.Millisecond + 2000*time.Millisecond
	select {
	case <-p.done:
	case <-time.After(budget):
		c.cancelAll(p)
	case <-ctx.Done():
		c.cancelAll(p)
	}

	p.mutex.Lock()
	answers := append([]ie.AnswerValue(nil), p.answers...)
	expire := p.minExpire
	p.mutex.Unlock()

	sort.SliceStable(answers, func(i, j int) bool { return answers[i].Weight < answers[j].Weight })
	return Result{Answers: answers, Expiration: expire}, nil
}

// cacheOnly answers purely from cache, touching no transactions, for a
// TTL<=0 ("cache only, never ask") request.
func (c *Coordinator) cacheOnly(ctx context.Context, number, dcontext string) (Result, error) {
	stack := []ie.EID{c.us}
	crc := avoidCRC(stack)
	var answers []ie.AnswerValue
	var minExpire int64
	for _, peers := range c.registry.ForContext(dcontext) {
		for _, pr := range peers {
			row, hit, err := c.store.GetAnswerByCRC(ctx, pr.EID, number, dcontext, crc)
			if err != nil {
				return Result{}, errwrap.Wrapf(err, "request: cache-only lookup failed")
			}
			if !hit {
				continue
			}
			answers = mergeAnswers(answers, row.Answers)
			if minExpire == 0 || row.ExpireEpoch < minExpire {
				minExpire = row.ExpireEpoch
			}
		}
	}
	sort.SliceStable(answers, func(i, j int) bool { return answers[i].Weight < answers[j].Weight })
	return Result{Answers: answers, Expiration: minExpire}, nil
}

// bindTxn registers tr with the transaction manager's lookup table; it's
// split out so tests can create a Coordinator without a live manager.
func (c *Coordinator) bindTxn(tr *trans.Transaction, p *pending) {
	if c.transMgr != nil {
		c.transMgr.Bind(tr)
	}
	c.txnOwner.Store(tr, p)
}

// extendStacks implements the optimization pass: every transaction's EID
// stack is extended with every other peer we know is reachable at the
// same or lower order and permitted for dcontext, bounded by MaxStack.
func (c *Coordinator) extendStacks(p *pending, dcontext string) {
	p.mutex.Lock()
	txns := make([]*trans.Transaction, 0, len(p.txns))
	for tr := range p.txns {
		txns = append(txns, tr)
	}
	p.mutex.Unlock()

	for _, tr := range txns {
		avoid := map[ie.EID]bool{c.us: true, tr.ThemEID: true}
		for _, eid := range c.registry.ReachableExcluding(dcontext, peer.OrderQuartiary, avoid) {
			if len(tr.EIDs) >= MaxStack {
				break
			}
			tr.AddEID(eid)
		}
	}
}

func (c *Coordinator) cancelAll(p *pending) {
	p.mutex.Lock()
	txns := make([]*trans.Transaction, 0, len(p.txns))
	for tr := range p.txns {
		txns = append(txns, tr)
	}
	p.mutex.Unlock()
	for _, tr := range txns {
		_ = c.transport.SendCancel(tr)
		tr.Destroy(trans.CauseCancelled)
	}
}

// mergeAnswers folds fresh into existing, deduping by (tech,dest) and
// keeping the lower of two weights for a duplicate row.
func mergeAnswers(existing, fresh []ie.AnswerValue) []ie.AnswerValue {
	for _, a := range fresh {
		found := false
		for i, e := range existing {
			if e.Protocol == a.Protocol && e.Dest == a.Dest {
				if a.Weight < e.Weight {
					existing[i].Weight = a.Weight
				}
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, a)
		}
	}
	return existing
}

// FlushCache empties the answer/hint cache namespace, mirroring the
// original implementation's `dundi flush` CLI action as a plain cache
// operation (the CLI parser itself is out of scope here).
func (c *Coordinator) FlushCache(ctx context.Context) error {
	return c.store.Flush(ctx)
}

// ownerOf finds the pending request a transaction belongs to, if any.
func (c *Coordinator) ownerOf(tr *trans.Transaction) (*pending, bool) {
	v, ok := c.txnOwner.Load(tr)
	if !ok {
		return nil, false
	}
	return v.(*pending), true
}

// OnDPResponse is called by dispatch when a DPRESPONSE frame arrives for
// one of our outbound transactions: it merges non-duplicate answers into
// the owning pending request and records the lowest expiration seen.
// Cache writes for the response happen in dispatch (§4.8 applies
// regardless of which component is driving the transaction).
func (c *Coordinator) OnDPResponse(tr *trans.Transaction, cause ie.Cause, answers []ie.AnswerValue, expiration int64) {
	p, ok := c.ownerOf(tr)
	if !ok {
		return
	}
	p.mutex.Lock()
	if !cause.IsFailure() {
		p.answers = mergeAnswers(p.answers, answers)
		if p.minExpire == 0 || expiration < p.minExpire {
			p.minExpire = expiration
		}
	}
	p.mutex.Unlock()
}

// OnTransactionDone implements trans.Notifier: once every child
// transaction of a pending request has finished, the request's wait loop
// is released.
func (c *Coordinator) OnTransactionDone(tr *trans.Transaction, _ trans.Cause) {
	p, ok := c.ownerOf(tr)
	if !ok {
		return
	}
	p.mutex.Lock()
	delete(p.txns, tr)
	p.mutex.Unlock()
	c.txnOwner.Delete(tr)
	p.finishIfEmpty()
}
