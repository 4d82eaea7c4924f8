// Package secret maintains the engine's rolling shared secret: a global,
// periodically-rotated random string exposed to the dialplan template
// expander as ${SECRET}. It is independent of the per-peer RSA session keys
// in xcrypto.
package secret

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/dundi-net/dundi/util/errwrap"
)

// RotateInterval is how long a generated secret stays current before being
// demoted to previous and replaced.
const RotateInterval = 3600 * time.Second

const (
	secretKey       = "secret"
	secretExpiryKey = "secretexpiry"
)

// Store is the subset of cache.Store that Rotating needs. It is declared
// independently here (rather than imported from package cache) so this
// package has no dependency on the cache key/value formats.
type Store interface {
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Put(ctx context.Context, namespace, key, value string) error
}

// Rotating holds the current and previous shared secrets in memory, backed
// by a Store so the pair survives a restart.
type Rotating struct {
	mutex     sync.RWMutex
	store     Store
	namespace string
	current   string
	previous  string
	expiresAt time.Time
	now       func() time.Time
}

// New constructs a Rotating secret manager over store/namespace. now
// defaults to time.Now; tests may override it.
func New(store Store, namespace string, now func() time.Time) *Rotating {
	if now == nil {
		now = time.Now
	}
	return &Rotating{store: store, namespace: namespace, now: now}
}

// generate returns a base64-encoded CSPRNG secret over 16 random bytes.
func generate() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errwrap.Wrapf(err, "secret: can't read random bytes")
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Load hydrates the in-memory pair from the store, rotating if the stored
// secret's expiry has passed or nothing is stored yet.
func (r *Rotating) Load(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	stored, ok, err := r.store.Get(ctx, r.namespace, secretKey)
	if err != nil {
		return errwrap.Wrapf(err, "secret: load failed")
	}
	if !ok {
		return r.rotateLocked(ctx)
	}

	expiryRaw, _, err := r.store.Get(ctx, r.namespace, secretExpiryKey)
	if err != nil {
		return errwrap.Wrapf(err, "secret: load expiry failed")
	}
	expiresAt, err := time.Parse(time.RFC3339, expiryRaw)
	if err != nil || r.now().After(expiresAt) {
		return r.rotateLocked(ctx)
	}

	prev, cur, ok := strings.Cut(stored, ";")
	if !ok {
		return r.rotateLocked(ctx)
	}
	r.previous, r.current, r.expiresAt = prev, cur, expiresAt
	return nil
}

// Current returns the in-use shared secret, the one exposed as ${SECRET}.
func (r *Rotating) Current() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.current
}

// Previous returns the prior secret, kept around briefly so peers mid-flight
// with the old value aren't rejected outright.
func (r *Rotating) Previous() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.previous
}

// MaybeRotate rotates the pair if the current secret's expiry has passed.
// Safe to call on every tick of the scheduler's housekeeping timer.
func (r *Rotating) MaybeRotate(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.current != "" && r.now().Before(r.expiresAt) {
		return nil
	}
	return r.rotateLocked(ctx)
}

// rotateLocked generates a fresh current secret, demoting the old one to
// previous, and persists the pair. Caller must hold mutex.
func (r *Rotating) rotateLocked(ctx context.Context) error {
	fresh, err := generate()
	if err != nil {
		return err
	}
	r.previous = r.current
	r.current = fresh
	r.expiresAt = r.now().Add(RotateInterval)

	if err := r.store.Put(ctx, r.namespace, secretKey, r.previous+";"+r.current); err != nil {
		return errwrap.Wrapf(err, "secret: persist failed")
	}
	if err := r.store.Put(ctx, r.namespace, secretExpiryKey, r.expiresAt.Format(time.RFC3339)); err != nil {
		return errwrap.Wrapf(err, "secret: persist expiry failed")
	}
	return nil
}
