package cache

import (
	"context"
	"time"

	"github.com/dundi-net/dundi/ie"
	"github.com/dundi-net/dundi/util/errwrap"
)

// PushSlack and PullSlack are the expiration adjustments applied when
// caching a response, depending on which side originated it: push-cached
// entries get extra slack added, pull-cached entries get slack subtracted
// (floored at MinPullTTL).
const (
	PushSlack  = 10 * time.Second
	PullSlack  = 10 * time.Second
	MinPullTTL = 1 * time.Second
)

// Origin distinguishes a push-cached entry (from PRECACHERQ) from a
// pull-cached one (from a DPRESPONSE we asked for).
type Origin int

const (
	Pulled Origin = iota
	Pushed
)

// Cache wraps a Store with the cache key/value formats and TTL-on-read
// eviction semantics.
type Cache struct {
	store Store
	now   func() time.Time
}

// New wraps store for use as the answer/hint/dpeer cache. now defaults to
// time.Now if nil; tests may override it for deterministic expiry checks.
func New(store Store, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{store: store, now: now}
}

// adjustExpiration applies the push/pull slack to a server-given relative
// expiration, returning an absolute epoch.
func (c *Cache) adjustExpiration(serverExpire time.Duration, origin Origin) int64 {
	switch origin {
	case Pushed:
		serverExpire += PushSlack
	case Pulled:
		serverExpire -= PullSlack
		if serverExpire < MinPullTTL {
			serverExpire = MinPullTTL
		}
	}
	return c.now().Add(serverExpire).Unix()
}

// getAndMaybeEvict fetches key, deleting and reporting a miss if its
// expire_epoch has already passed.
func (c *Cache) getAndMaybeEvict(ctx context.Context, namespace, key string, expireOf func(string) (int64, error)) (string, bool, error) {
	val, ok, err := c.store.Get(ctx, namespace, key)
	if err != nil {
		return "", false, errwrap.Wrapf(err, "cache: get %s/%s failed", namespace, key)
	}
	if !ok {
		return "", false, nil
	}
	expire, err := expireOf(val)
	if err != nil {
		return "", false, err
	}
	if expire <= c.now().Unix() {
		if delErr := c.store.Del(ctx, namespace, key); delErr != nil {
			return "", false, errwrap.Wrapf(delErr, "cache: evict %s/%s failed", namespace, key)
		}
		return "", false, nil
	}
	return val, true, nil
}

// PutAnswer writes an answer-set cache row at both key forms (CRC and
// root-EID), applying the push/pull expiration adjustment. If unaffected is
// true, the CRC component of the CRC-keyed row is forced to zero so any
// requester's stack can reuse it.
func (c *Cache) PutAnswer(ctx context.Context, peer ie.EID, number, dcontext string, crc32 uint32, root ie.EID, answers []ie.AnswerValue, serverExpire time.Duration, origin Origin, unaffected bool) error {
	effectiveCRC := crc32
	if unaffected {
		effectiveCRC = 0
	}
	row := Row{ExpireEpoch: c.adjustExpiration(serverExpire, origin), Answers: answers}
	encoded := EncodeAnswerRow(row)
	if err := c.store.Put(ctx, NSCache, AnswerKeyByCRC(peer, number, dcontext, effectiveCRC), encoded); err != nil {
		return errwrap.Wrapf(err, "cache: put answer by crc failed")
	}
	if err := c.store.Put(ctx, NSCache, AnswerKeyByRoot(peer, number, dcontext, root), encoded); err != nil {
		return errwrap.Wrapf(err, "cache: put answer by root failed")
	}
	return nil
}

// GetAnswerByCRC reads the CRC-keyed answer row, evicting and reporting a
// miss if expired.
func (c *Cache) GetAnswerByCRC(ctx context.Context, peer ie.EID, number, dcontext string, crc32 uint32) (Row, bool, error) {
	val, ok, err := c.getAndMaybeEvict(ctx, NSCache, AnswerKeyByCRC(peer, number, dcontext, crc32), rowExpireOf)
	if err != nil || !ok {
		return Row{}, ok, err
	}
	row, err := DecodeAnswerRow(val)
	return row, err == nil, err
}

// GetAnswerByRoot reads the root-EID-keyed answer row.
func (c *Cache) GetAnswerByRoot(ctx context.Context, peer ie.EID, number, dcontext string, root ie.EID) (Row, bool, error) {
	val, ok, err := c.getAndMaybeEvict(ctx, NSCache, AnswerKeyByRoot(peer, number, dcontext, root), rowExpireOf)
	if err != nil || !ok {
		return Row{}, ok, err
	}
	row, err := DecodeAnswerRow(val)
	return row, err == nil, err
}

func rowExpireOf(val string) (int64, error) {
	row, err := DecodeAnswerRow(val)
	if err != nil {
		return 0, err
	}
	return row.ExpireEpoch, nil
}

// PutHint writes a DONT_ASK hint row at both key forms.
func (c *Cache) PutHint(ctx context.Context, peer ie.EID, prefix, dcontext string, crc32 uint32, root ie.EID, serverExpire time.Duration, origin Origin) error {
	row := HintRow{ExpireEpoch: c.adjustExpiration(serverExpire, origin)}
	encoded := EncodeHintRow(row)
	if err := c.store.Put(ctx, NSCache, HintKeyByCRC(peer, prefix, dcontext, crc32), encoded); err != nil {
		return errwrap.Wrapf(err, "cache: put hint by crc failed")
	}
	if err := c.store.Put(ctx, NSCache, HintKeyByRoot(peer, prefix, dcontext, root), encoded); err != nil {
		return errwrap.Wrapf(err, "cache: put hint by root failed")
	}
	return nil
}

// HintAlive reports whether a live (non-expired) DONT_ASK hint row exists
// for the given peer/prefix/context under the CRC key form. A positive
// result evicts nothing; only expired rows are deleted on read.
func (c *Cache) HintAlive(ctx context.Context, peer ie.EID, prefix, dcontext string, crc32 uint32) (bool, error) {
	_, ok, err := c.getAndMaybeEvict(ctx, NSCache, HintKeyByCRC(peer, prefix, dcontext, crc32), hintExpireOf)
	return ok, err
}

func hintExpireOf(val string) (int64, error) {
	row, err := DecodeHintRow(val)
	if err != nil {
		return 0, err
	}
	return row.ExpireEpoch, nil
}

// PutDPeer persists a dynamic peer's address under dpeers/<eid>.
func (c *Cache) PutDPeer(ctx context.Context, eid ie.EID, row DPeerRow) error {
	if err := c.store.Put(ctx, NSDPeers, DPeerKey(eid), EncodeDPeerRow(row)); err != nil {
		return errwrap.Wrapf(err, "cache: put dpeer failed")
	}
	return nil
}

// GetDPeer reads a dynamic peer's persisted address, if any.
func (c *Cache) GetDPeer(ctx context.Context, eid ie.EID) (DPeerRow, bool, error) {
	val, ok, err := c.store.Get(ctx, NSDPeers, DPeerKey(eid))
	if err != nil {
		return DPeerRow{}, false, errwrap.Wrapf(err, "cache: get dpeer failed")
	}
	if !ok {
		return DPeerRow{}, false, nil
	}
	row, err := DecodeDPeerRow(val)
	return row, err == nil, err
}

// Flush removes every row in the answer/hint cache namespace, leaving
// dynamic peer registrations untouched.
func (c *Cache) Flush(ctx context.Context) error {
	if err := c.store.DelTree(ctx, NSCache, ""); err != nil {
		return errwrap.Wrapf(err, "cache: flush failed")
	}
	return nil
}
