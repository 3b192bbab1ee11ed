package blobcache

import (
	"encoding/json"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/radarchive/teachcase/store"
)

// A TimeBased cache will keep items for a fixed length of time after their
// last access. If they are accessed again in that period, their expiration
// clock is reset. Items whose expiration clock runs out are removed from
// the cache.
//
// The total amount of storage used by this cache will vary over time, and
// may grow without bound.
type TimeBased struct {
	// place to put cached content
	s store.Store

	// length of time to keep accessed items around
	ttl time.Duration

	// close this channel to cancel the background goroutine
	done chan struct{}

	m sync.RWMutex // protects everything to the --- below

	// total size in bytes used by the cache
	size int64

	// cache items hashed by key
	items map[string]timeEntry

	// set of keys that have a Put() started on them, but not closed yet
	pending map[string]struct{}

	//--- end section protected by mutex m
	// acquire order: expireM and then m
	expireM sync.Mutex // protects the items below

	// index of when to check items for expiration
	expireList []timeEntry
}

var _ T = &TimeBased{}

// indexFilename is the key used to persist the expiration times between
// executions. It is only a suggestion and does not need to be present.
// Cached blobs all live under "cases/", so the name cannot collide with a
// cached key.
const indexFilename = "CACHE-LIST"

type timeEntry struct {
	Key     string
	Size    int64
	Expires time.Time
}

// NewTime returns a new time-based cache using s as the backing store and
// with items having a time-to-live of duration d.
func NewTime(s store.Store, d time.Duration) *TimeBased {
	te := &TimeBased{
		s:       s,
		ttl:     d,
		items:   make(map[string]timeEntry),
		pending: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	go te.background()
	return te
}

// Stop will stop the background goroutine that was spawned in NewTime.
func (te *TimeBased) Stop() {
	close(te.done)
}

// Contains returns true if the given key is in the cache when the function
// is called. The key may be removed in between calling Contains and Get.
func (te *TimeBased) Contains(key string) bool {
	te.m.RLock()
	_, result := te.items[key]
	te.m.RUnlock()
	return result
}

// Get returns a reader for the content stored at the given key, resetting
// the key's expiration clock. A nil ReadAtCloser means a miss.
func (te *TimeBased) Get(key string) (store.ReadAtCloser, int64, error) {
	te.m.Lock()
	defer te.m.Unlock()
	item, exists := te.items[key]
	if !exists {
		return nil, 0, nil
	}
	item.Expires = time.Now().Add(te.ttl)
	te.items[key] = item
	rac, size, err := te.s.Open(key)
	if err != nil {
		// something happened getting the item. Assume it is bad and
		// remove it from our list
		te.delete(key)
		if err == store.ErrNotExist {
			return nil, 0, nil
		}
	}
	return rac, size, err
}

// Put returns a writer for saving the content of the given key. The item
// is added to the cache when the writer is closed. ErrPutPending is
// returned if someone else is currently saving content to the key. An item
// already in the cache is replaced when the writer commits.
func (te *TimeBased) Put(key string) (io.WriteCloser, error) {
	te.m.Lock()
	_, exists := te.pending[key]
	te.pending[key] = struct{}{} // doesn't hurt since we already know exists
	te.m.Unlock()
	if exists {
		return nil, ErrPutPending
	}
	w, err := te.s.Put(key)
	if err != nil {
		te.unpending(key)
		return nil, err
	}
	return &writer{parent: te, key: key, w: w}, nil
}

func (te *TimeBased) addEntry(entry timeEntry) {
	te.expireM.Lock()
	defer te.expireM.Unlock()
	te.m.Lock()
	defer te.m.Unlock()

	entry.Expires = time.Now().Add(te.ttl)
	if old, exists := te.items[entry.Key]; exists {
		te.size -= old.Size
	}
	te.items[entry.Key] = entry
	te.expireList = append(te.expireList, entry)
	te.size += entry.Size
}

func (te *TimeBased) save(w *writer) {
	te.addEntry(timeEntry{Key: w.key, Size: w.size})
	te.unpending(w.key)
}

func (te *TimeBased) unpending(key string) {
	te.m.Lock()
	defer te.m.Unlock()
	delete(te.pending, key)
}

// discard is used by a child writer to signal this item should be
// forgotten about.
func (te *TimeBased) discard(w *writer) {
	te.unpending(w.key)
}

// reserve is needed for the saver interface. The size of a new object is
// added all at once in save().
func (te *TimeBased) reserve(int64) error { return nil }

// Delete removes the given item from the cache.
func (te *TimeBased) Delete(key string) error {
	te.m.Lock()
	err := te.delete(key)
	te.m.Unlock()
	te.writeIndexFile()
	return err
}

// delete removes an item from the cache. It assumes the lock m is already
// held. Use Delete() if you are not currently holding the lock.
func (te *TimeBased) delete(key string) error {
	item, ok := te.items[key]
	if !ok {
		return nil
	}
	te.size -= item.Size
	delete(te.items, key)
	return te.s.Delete(key)
}

// Size returns the amount of storage currently used by the cache in bytes.
func (te *TimeBased) Size() int64 {
	te.m.RLock()
	defer te.m.RUnlock()
	return te.size
}

// MaxSize always returns 0 since there is no size limit for a TimeBased
// cache.
func (te *TimeBased) MaxSize() int64 {
	return 0
}

// background manages saving the index file and purging expired keys.
func (te *TimeBased) background() {
	te.readIndexFile()
	te.scanstore()

	// Check for expired keys either every 1/4 of the TTL or once a day,
	// whichever is shorter. These amounts are arbitrary.
	d := te.ttl / 4
	if d > 24*time.Hour {
		d = 24 * time.Hour
	}
	for {
		select {
		case <-te.done:
			return
		case <-time.After(d):
		}
		te.expireKeys()
		te.writeIndexFile()
	}
}

// expireKeys will attempt to remove all keys which have expired. Only
// expired keys will be removed, but some expired keys might be missed.
// This should be called on some regular basis.
//
// expireKeys holds the expireM mutex while it runs, so only one can run
// at a time.
func (te *TimeBased) expireKeys() {
	// The expireList is kept so we do not need to scan every item in the
	// cache to figure out what needs to be removed. Since items in the
	// list are not updated after being added, their expire times may have
	// changed. We only need to check items the list thinks are expired,
	// since item expire times only move forward.
	te.expireM.Lock()
	defer te.expireM.Unlock()

	now := time.Now()
	sort.Sort(byExpires(te.expireList))
	i := 0
	for i < len(te.expireList) {
		entry := te.expireList[i]
		if entry.Expires.After(now) {
			break
		}
		i++
		// get the actual item to ensure we don't remove something
		// prematurely
		te.m.Lock()
		item, ok := te.items[entry.Key]
		if ok {
			if item.Expires.After(now) {
				// the expire time was updated. Add to the end of the
				// list; it will be sorted into position next time.
				te.expireList = append(te.expireList, item)
			} else {
				te.delete(item.Key)
			}
		}
		te.m.Unlock()
	}
	// drop the consumed prefix even when every entry was expired, so the
	// list does not accumulate dead entries between partial expiries
	te.expireList = te.expireList[i:]
}

type byExpires []timeEntry

func (e byExpires) Len() int           { return len(e) }
func (e byExpires) Less(i, j int) bool { return e[i].Expires.Before(e[j].Expires) }
func (e byExpires) Swap(i, j int)      { e[i], e[j] = e[j], e[i] }

func (te *TimeBased) writeIndexFile() {
	w, err := te.s.Put(indexFilename)
	if err != nil {
		log.Println("Error creating", indexFilename, ":", err)
		return
	}
	enc := json.NewEncoder(w)
	te.m.RLock()
	err = enc.Encode(te.items)
	te.m.RUnlock()
	if err != nil {
		log.Println("Error writing", indexFilename, ":", err)
	}
	w.Close()
}

func (te *TimeBased) readIndexFile() {
	rac, _, err := te.s.Open(indexFilename)
	if err != nil {
		if err != store.ErrNotExist {
			log.Println("Error opening", indexFilename, ":", err)
		}
		return
	}
	dec := json.NewDecoder(store.NewReader(rac))
	var items map[string]timeEntry
	dec.Decode(&items)
	rac.Close()

	// insert the new items into the map
	te.expireM.Lock()
	defer te.expireM.Unlock()
	te.m.Lock()
	defer te.m.Unlock()
	for _, v := range items {
		// NOTE: calling addEntry would reset the timestamps, so the
		// relevant code is inlined here.
		if _, exists := te.items[v.Key]; !exists {
			te.items[v.Key] = v
			te.expireList = append(te.expireList, v)
			te.size += v.Size
		}
	}
}

// scan the files currently in the cache and add them if they are not
// already in our index. The added items are given the default expiry time.
func (te *TimeBased) scanstore() {
	for key := range te.s.List() {
		if key == indexFilename || te.Contains(key) {
			continue
		}
		rac, size, err := te.s.Open(key)
		if err != nil {
			continue
		}
		rac.Close()
		te.addEntry(timeEntry{Key: key, Size: size})
	}
}

// Scan will scan the backing store for items and also try to load previous
// expire times from the index file. An updated index file is saved.
func (te *TimeBased) Scan() {
	te.readIndexFile()
	te.scanstore()
	te.writeIndexFile() // make sure things we just scanned end up in the index
}
