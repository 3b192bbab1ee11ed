package blobcache

import (
	"fmt"
	"testing"

	"github.com/radarchive/teachcase/store"
)

func TestEviction(t *testing.T) {
	cache := NewLRU(store.NewMemory(), 100)
	// "hello world" is 11 bytes. so 10 should cause a cache eviction
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("hello-%d", i)
		w, err := cache.Put(key)
		if err != nil {
			t.Fatalf("received %s", err.Error())
		}
		w.Write([]byte("hello world"))
		w.Close()
	}

	// see if one was evicted. This does not assume an eviction strategy.
	var nEvicted int
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("hello-%d", i)
		r, size, err := cache.Get(key)
		if err != nil {
			t.Fatalf("received %s", err.Error())
		}
		if r == nil {
			nEvicted++
			continue
		}
		if size != 11 {
			t.Errorf("Received size %d, expected %d", size, 11)
		}
		r.Close()
	}
	t.Logf("nEvicted = %d", nEvicted)
	if nEvicted == 0 {
		t.Errorf("No items evicted")
	}
}

func TestTooLargeItem(t *testing.T) {
	cache := NewLRU(store.NewMemory(), 100)
	key := "qwerty"
	w, err := cache.Put(key)
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	// write this in pieces. should error on last one
	for i := 0; i < 10; i++ {
		_, err = w.Write([]byte("hello world"))
		if err != nil {
			t.Logf("Received error %s", err.Error())
			break
		}
	}
	if err != ErrCacheFull {
		t.Errorf("Did not receive ErrCacheFull")
	}
	w.Close()
	size := cache.Size()
	if size != 0 {
		t.Errorf("Cache size is %d. Expected %d", size, 0)
	}
	if cache.Contains(key) {
		t.Errorf("Too large item was kept")
	}
}

func TestPutPending(t *testing.T) {
	cache := NewLRU(store.NewMemory(), 100)
	w, err := cache.Put("busy")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	_, err = cache.Put("busy")
	if err != ErrPutPending {
		t.Errorf("second put: got %v, expected ErrPutPending", err)
	}
	w.Write([]byte("content"))
	w.Close()

	// after the first writer commits, the key can be replaced
	w, err = cache.Put("busy")
	if err != nil {
		t.Fatalf("put after close: %s", err.Error())
	}
	w.Write([]byte("new content"))
	w.Close()
	r, size, err := cache.Get("busy")
	if err != nil || r == nil {
		t.Fatalf("get: %v %v", r, err)
	}
	r.Close()
	if size != 11 {
		t.Errorf("Received size %d, expected %d", size, 11)
	}
	if cache.Size() != 11 {
		t.Errorf("Cache size is %d, expected %d", cache.Size(), 11)
	}
}

func TestCacheDelete(t *testing.T) {
	cache := NewLRU(store.NewMemory(), 100)
	w, _ := cache.Put("doomed")
	w.Write([]byte("0123456789"))
	w.Close()
	err := cache.Delete("doomed")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if cache.Contains("doomed") {
		t.Errorf("deleted key still present")
	}
	if cache.Size() != 0 {
		t.Errorf("Cache size is %d. Expected %d", cache.Size(), 0)
	}
}

func TestScan(t *testing.T) {
	mem := store.NewMemory()

	// populate the store
	var table = []struct {
		key, contents string
	}{
		{"qwerty", "1234567890"},
		{"asdf", "1234567890-="},
		{"zxcv", "abcdefghijklmnopqrstuvwxyz"},
	}

	for _, elem := range table {
		w, err := mem.Put(elem.key)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(elem.contents))
		w.Close()
	}

	// now set up the cache and scan it
	cache := NewLRU(mem, 100)
	cache.Scan()

	for _, elem := range table {
		r, _, _ := cache.Get(elem.key)
		if r == nil {
			t.Errorf("key %s missing after scan", elem.key)
			continue
		}
		r.Close()
	}

	// now set up a small cache and scan that
	cache = NewLRU(mem, 15)
	cache.Scan()

	for _, elem := range table {
		r, _, _ := cache.Get(elem.key)
		if r == nil {
			t.Logf("key %s: nil", elem.key)
			continue
		}
		r.Close()
	}
	if cache.Size() > 15 {
		t.Errorf("Cache size is %d, expected <= %d", cache.Size(), 15)
	}
}
