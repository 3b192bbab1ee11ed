package blobcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/radarchive/teachcase/store"
)

func TestEvictionTB(t *testing.T) {
	cache := NewTime(store.NewMemory(), time.Second)
	defer cache.Stop()
	// add item, see if it goes away
	w, err := cache.Put("hello")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("hello world"))
	w.Close()

	time.Sleep(1200 * time.Millisecond)
	r, _, _ := cache.Get("hello")
	if r != nil {
		t.Error("Key not evicted")
		r.Close()
	}
}

func TestExpireListTB(t *testing.T) {
	cache := NewTime(store.NewMemory(), time.Second)
	defer cache.Stop()
	// add items
	for i := 0; i < 100; i++ {
		w, _ := cache.Put(fmt.Sprintf("hello-%d", i))
		w.Write([]byte("hello world"))
		w.Close()
	}

	// sleep less than expire time and then touch half of the test values
	time.Sleep(500 * time.Millisecond)
	for i := 0; i < 100; i += 2 {
		r, _, _ := cache.Get(fmt.Sprintf("hello-%d", i))
		if r == nil {
			t.Error("key", i, "unexpectably evicted")
			continue
		}
		r.Close()
	}

	// sleep a bit and see if the untouched items are gone
	time.Sleep(600 * time.Millisecond)
	for i := 0; i < 100; i++ {
		r, _, _ := cache.Get(fmt.Sprintf("hello-%d", i))
		if r == nil {
			if i%2 == 0 {
				t.Error("Even key unexpectably evicted", i)
			}
			continue
		}
		if i%2 != 0 {
			t.Error("Odd key not evicted", i)
		}
		r.Close()
	}
}

func TestExpireListConsumedTB(t *testing.T) {
	// a pass expiring every remaining entry must also drop them from the
	// expire list, not leave them to be reprocessed forever
	cache := NewTime(store.NewMemory(), 50*time.Millisecond)
	defer cache.Stop()
	for i := 0; i < 10; i++ {
		w, _ := cache.Put(fmt.Sprintf("stale-%d", i))
		w.Write([]byte("x"))
		w.Close()
	}

	time.Sleep(100 * time.Millisecond)
	cache.expireKeys()
	cache.expireM.Lock()
	n := len(cache.expireList)
	cache.expireM.Unlock()
	if n != 0 {
		t.Errorf("expire list still holds %d entries after a full expiry", n)
	}
	if size := cache.Size(); size != 0 {
		t.Errorf("cache size %d after a full expiry", size)
	}
}

func TestIndexRoundTripTB(t *testing.T) {
	mem := store.NewMemory()
	cache := NewTime(mem, time.Minute)
	key := "cases/1234/images/1.2.840.99.dcm"
	w, err := cache.Put(key)
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("pretend image"))
	w.Close()
	cache.Scan() // force the index file out
	cache.Stop()

	// a second cache over the same store picks the item back up
	cache = NewTime(mem, time.Minute)
	defer cache.Stop()
	deadline := time.Now().Add(5 * time.Second)
	for !cache.Contains(key) {
		if time.Now().After(deadline) {
			t.Fatal("key never reappeared after restart")
		}
		time.Sleep(10 * time.Millisecond)
	}
	r, size, err := cache.Get(key)
	if err != nil || r == nil {
		t.Fatalf("get: %v %v", r, err)
	}
	r.Close()
	if size != int64(len("pretend image")) {
		t.Errorf("Received size %d, expected %d", size, len("pretend image"))
	}
}
