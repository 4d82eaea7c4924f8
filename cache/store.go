// Package cache implements the persistent answer/hint cache and dynamic
// peer-registration store: key/value formats, TTL-on-read
// semantics, and the push/pull expiration adjustment, over an abstract
// namespaced key/value Store.
package cache

import "context"

// Store is the abstract persistent key/value backend the cache and dynamic
// peer registrations are built on. Implementations live in
// cache/etcdstore (production) and cache/memstore (tests).
type Store interface {
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Put(ctx context.Context, namespace, key, value string) error
	Del(ctx context.Context, namespace, key string) error
	DelTree(ctx context.Context, namespace, prefix string) error
}

// Namespaces used by the core.
const (
	NSCache  = "dundi/cache"
	NSDPeers = "dundi/dpeers"
)
