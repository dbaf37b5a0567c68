package corcache

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// LocalBlobStore is an in-memory BlobStore, the default instance store for
// a single-process worker and for tests. Grounded in corral's
// corcache.LocalCache, which used the same sync.Map-of-buffers shape for
// its shuffle cache.
type LocalBlobStore struct {
	size    uint64
	maxSize uint64
	pool    sync.Map
}

// NewLocalBlobStore creates a LocalBlobStore capped at maxSize bytes. A
// maxSize of zero means unbounded.
func NewLocalBlobStore(maxSize uint64) *LocalBlobStore {
	return &LocalBlobStore{maxSize: maxSize}
}

func (l *LocalBlobStore) Get(key string) ([]byte, error) {
	raw, ok := l.pool.Load(key)
	if !ok {
		return nil, fmt.Errorf("corcache: no blob for key %q", key)
	}
	return raw.([]byte), nil
}

func (l *LocalBlobStore) Put(key string, data []byte) error {
	if l.maxSize > 0 {
		var delta uint64
		if old, ok := l.pool.Load(key); ok {
			delta = uint64(len(data)) - uint64(len(old.([]byte)))
		} else {
			delta = uint64(len(data))
		}
		if atomic.LoadUint64(&l.size)+delta > l.maxSize {
			return fmt.Errorf("corcache: instance store full: %d of %d bytes used", l.size, l.maxSize)
		}
		atomic.AddUint64(&l.size, delta)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	l.pool.Store(key, cp)
	return nil
}

func (l *LocalBlobStore) Delete(key string) error {
	if raw, ok := l.pool.LoadAndDelete(key); ok {
		shrinkBy(&l.size, uint64(len(raw.([]byte))))
	}
	return nil
}

func shrinkBy(size *uint64, n uint64) {
	for {
		cur := atomic.LoadUint64(size)
		next := cur - n
		if cur < n {
			next = 0
		}
		if atomic.CompareAndSwapUint64(size, cur, next) {
			return
		}
	}
}

func (l *LocalBlobStore) Has(key string) bool {
	_, ok := l.pool.Load(key)
	return ok
}

func (l *LocalBlobStore) Clear() error {
	l.pool = sync.Map{}
	atomic.StoreUint64(&l.size, 0)
	return nil
}
