// Package etcdstore implements cache.Store on top of an etcd clientv3
// connection, namespacing every key under a single configured prefix.
package etcdstore

import (
	"context"
	"fmt"
	"time"

	etcd "go.etcd.io/etcd/client/v3"

	"github.com/dundi-net/dundi/util/errwrap"
)

// Store is an etcd-backed cache.Store. Build one with Connect and Close it
// when the engine shuts down.
type Store struct {
	client *etcd.Client
	prefix string
}

// Connect dials the given etcd endpoints and returns a Store whose keys are
// all placed under prefix (e.g. "dundid/").
func Connect(endpoints []string, prefix string, dialTimeout time.Duration) (*Store, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := etcd.New(etcd.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errwrap.Wrapf(err, "etcdstore: can't connect to %v", endpoints)
	}
	return &Store{client: client, prefix: prefix}, nil
}

// Close disconnects the underlying etcd client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return errwrap.Wrapf(err, "etcdstore: close failed")
	}
	return nil
}

func (s *Store) path(namespace, key string) string {
	return fmt.Sprintf("%s%s/%s", s.prefix, namespace, key)
}

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	resp, err := s.client.Get(ctx, s.path(namespace, key))
	if err != nil {
		return "", false, errwrap.Wrapf(err, "etcdstore: get %s/%s failed", namespace, key)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// Put implements cache.Store.
func (s *Store) Put(ctx context.Context, namespace, key, value string) error {
	if _, err := s.client.Put(ctx, s.path(namespace, key), value); err != nil {
		return errwrap.Wrapf(err, "etcdstore: put %s/%s failed", namespace, key)
	}
	return nil
}

// Del implements cache.Store.
func (s *Store) Del(ctx context.Context, namespace, key string) error {
	if _, err := s.client.Delete(ctx, s.path(namespace, key)); err != nil {
		return errwrap.Wrapf(err, "etcdstore: del %s/%s failed", namespace, key)
	}
	return nil
}

// DelTree implements cache.Store, removing every key beneath namespace/prefix.
func (s *Store) DelTree(ctx context.Context, namespace, prefix string) error {
	root := s.path(namespace, prefix)
	if _, err := s.client.Delete(ctx, root, etcd.WithPrefix()); err != nil {
		return errwrap.Wrapf(err, "etcdstore: deltree %s/%s failed", namespace, prefix)
	}
	return nil
}
