// Package blobcache implements a cache for image blobs. It is backed by a
// store, so it can be entirely in memory or disk-backed.
//
// While the cached content is kept in the store, the list recording usage
// is kept only in memory. On startup the items already in the store are
// enumerated and entered into the list in an undetermined order.
package blobcache

import (
	"container/list"
	"errors"
	"io"
	"sync"

	"github.com/radarchive/teachcase/store"
)

// T is the interface the caches here provide. A Get miss returns a nil
// ReadAtCloser rather than an error; missing is the normal case, not a
// failure.
type T interface {
	Contains(key string) bool
	Get(key string) (store.ReadAtCloser, int64, error)
	Put(key string) (io.WriteCloser, error)
	Delete(key string) error
	Size() int64
	MaxSize() int64
}

var (
	// ErrCacheFull means there is no more room and nothing left to evict.
	ErrCacheFull = errors.New("cache is full and no more items can be removed")

	// ErrPutPending means another writer is already saving the given key.
	ErrPutPending = errors.New("key already has a put in progress")
)

// A StoreLRU keeps its contents in a store and evicts the least recently
// used item when space runs out. It would be nice for it to use an ARC or
// 2Q policy instead.
type StoreLRU struct {
	// this is the place where cached items are stored
	s store.Store

	m sync.RWMutex // protects everything below

	// total size used by items in the cache
	size int64

	maxSize int64 // the maximum amount of space we may use

	// front of list is MRU, back is LRU
	lru *list.List

	// keys with an open writer that has not committed yet
	pending map[string]struct{}
}

var _ T = &StoreLRU{}

type entry struct {
	key  string
	size int64
}

// NewLRU creates a new cache structure. The given store may already have
// items in it; call Scan, either inline or in a goroutine, to enter them
// into the cache list.
func NewLRU(s store.Store, maxSize int64) *StoreLRU {
	return &StoreLRU{
		s:       s,
		maxSize: maxSize,
		lru:     list.New(),
		pending: make(map[string]struct{}),
	}
}

// Scan enumerates the items in the backing store and adds them to the
// cache list. Items too big to ever fit are deleted from the store.
func (t *StoreLRU) Scan() {
	for key := range t.s.List() {
		if t.Contains(key) {
			continue
		}
		rac, size, err := t.s.Open(key)
		if err != nil {
			continue
		}
		rac.Close()
		err = t.reserve(size)
		if err != nil {
			t.s.Delete(key)
			continue
		}
		t.linkEntry(entry{key: key, size: size})
	}
}

// Contains returns true if the given item is in the cache. It does not
// update the LRU status, and does not guarantee the item will still be
// in the cache when Get is called.
func (t *StoreLRU) Contains(key string) bool {
	return t.find(key) != nil
}

// Get returns a reader for the given item, updating the LRU status. A nil
// ReadAtCloser means the item is not in the cache.
func (t *StoreLRU) Get(key string) (store.ReadAtCloser, int64, error) {
	e := t.find(key)
	if e == nil {
		return nil, 0, nil
	}
	t.m.Lock()
	t.lru.MoveToFront(e)
	t.m.Unlock()
	rac, size, err := t.s.Open(key)
	if err == store.ErrNotExist {
		// the store lost it behind our back; treat as a miss
		t.unlink(key)
		return nil, 0, nil
	}
	return rac, size, err
}

// Put returns a WriteCloser whose content is saved in the cache under the
// given key. Items are evicted as content is written, and the new item
// enters the cache when the writer is closed. Writing a key that is
// already cached replaces it on commit. Only one writer per key may be
// open at a time; until it closes, further Puts return ErrPutPending.
func (t *StoreLRU) Put(key string) (io.WriteCloser, error) {
	t.m.Lock()
	_, exists := t.pending[key]
	t.pending[key] = struct{}{}
	t.m.Unlock()
	if exists {
		return nil, ErrPutPending
	}
	w, err := t.s.Put(key)
	if err != nil {
		t.unpending(key)
		return nil, err
	}
	return &writer{parent: t, key: key, w: w}, nil
}

// Delete removes the given item from the cache and the backing store.
func (t *StoreLRU) Delete(key string) error {
	t.unlink(key)
	return t.s.Delete(key)
}

// Size returns the number of bytes currently used by the cache.
func (t *StoreLRU) Size() int64 {
	t.m.RLock()
	defer t.m.RUnlock()
	return t.size
}

// MaxSize returns the most bytes the cache will hold.
func (t *StoreLRU) MaxSize() int64 {
	return t.maxSize
}

func (t *StoreLRU) find(key string) *list.Element {
	t.m.RLock()
	defer t.m.RUnlock()
	for e := t.lru.Front(); e != nil; e = e.Next() {
		if e.Value.(entry).key == key {
			return e
		}
	}
	return nil
}

// linkEntry adds the given entry into our LRU list.
func (t *StoreLRU) linkEntry(entry entry) {
	t.m.Lock()
	t.lru.PushFront(entry)
	t.m.Unlock()
}

// unlink removes the key from the cache list and releases the space it
// had claimed. The backing store is not touched.
func (t *StoreLRU) unlink(key string) {
	t.m.Lock()
	defer t.m.Unlock()
	for e := t.lru.Front(); e != nil; e = e.Next() {
		if e.Value.(entry).key == key {
			ent := t.lru.Remove(e).(entry)
			t.size -= ent.size
			return
		}
	}
}

// save commits a finished writer: any previous copy of the key is retired
// and the new one becomes the most recently used entry.
func (t *StoreLRU) save(w *writer) {
	t.unlink(w.key)
	t.linkEntry(entry{key: w.key, size: w.size})
	t.unpending(w.key)
}

// discard abandons a writer, releasing its reservation and whatever the
// store committed for the key.
func (t *StoreLRU) discard(w *writer) {
	t.reserve(-w.size)
	t.unlink(w.key)
	t.s.Delete(w.key)
	t.unpending(w.key)
}

func (t *StoreLRU) unpending(key string) {
	t.m.Lock()
	delete(t.pending, key)
	t.m.Unlock()
}

// reserve space for the passed in size, evicting items if necessary to
// stay under maxSize. Size can be negative to cancel a previous
// reservation. Nothing is reserved if there is an error.
func (t *StoreLRU) reserve(size int64) error {
	t.m.Lock()
	defer t.m.Unlock()

	t.size += size
	for t.size > t.maxSize {
		// LRU eviction
		e := t.lru.Back()
		if e == nil {
			t.size -= size
			return ErrCacheFull
		}
		entry := t.lru.Remove(e).(entry)
		err := t.s.Delete(entry.key)
		if err != nil {
			t.size -= size
			return err
		}
		t.size -= entry.size
	}
	return nil
}
