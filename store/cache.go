package store

// The cloud stores need to remember the size or absence of remote objects,
// since a HEAD request per Open would dominate the request load. This file
// implements that cache.

import (
	"sync"
	"time"
)

// entry is the structure stored in a sizecache.
type entry struct {
	expire time.Time
	size   int64 // size of the object. 0 = unknown, negative = doesn't exist
}

const (
	// value for entry.size marking a key known not to exist.
	sizeDeleted int64 = -1

	// absences expire quicker than sizes, since a missing key is most
	// often one about to be written.
	missTTL = 1 * time.Hour
	hitTTL  = 24 * time.Hour
)

// A sizecache remembers the size or the absence of remote objects.
// Entries expire after a while so external changes to the bucket are
// eventually noticed.
type sizecache struct {
	m     sync.Mutex       // protects everything below
	cache map[string]entry // sizes by key
	sweep time.Time        // next time to drop expired entries
}

func newSizeCache() *sizecache {
	return &sizecache{cache: make(map[string]entry)}
}

// Get returns the size associated with key, consulting fill on a cache
// miss. The fill function returns the size of the object, a negative size
// if the object definitively does not exist, or an error if it could not
// tell. Keys known not to exist are reported as ErrNotExist.
func (c *sizecache) Get(key string, fill func(key string) (int64, error)) (int64, error) {
	c.m.Lock()
	defer c.m.Unlock()
	if time.Now().After(c.sweep) {
		c.sweep = time.Now().Add(time.Hour)
		go c.age()
	}
	e := c.cache[key]
	switch {
	case e.size > 0:
		return e.size, nil
	case e.size < 0:
		return 0, ErrNotExist
	}
	if fill == nil {
		return 0, ErrNotExist
	}
	// key is not cached, so try to fill it.
	// n.b. we hold the lock for the duration of the fill.
	size, err := fill(key)
	if err != nil {
		return 0, err
	}
	c.set(key, size)
	if size < 0 {
		return 0, ErrNotExist
	}
	return size, nil
}

// Set caches a size to use for the given key. Use a negative size to mark
// the key as missing.
func (c *sizecache) Set(key string, size int64) {
	c.m.Lock()
	c.set(key, size)
	c.m.Unlock()
}

// set is just like Set but assumes the caller already holds the lock.
func (c *sizecache) set(key string, size int64) {
	ttl := hitTTL
	switch {
	case size < 0:
		ttl = missTTL
	case size == 0:
		// zero means unknown, so don't keep it around
		ttl = 0
	}
	c.cache[key] = entry{expire: time.Now().Add(ttl), size: size}
}

// age removes the entries that have expired. It holds the lock the entire
// time.
func (c *sizecache) age() {
	c.m.Lock()
	defer c.m.Unlock()
	now := time.Now()
	for k, v := range c.cache {
		if now.After(v.expire) {
			delete(c.cache, k)
		}
	}
}
