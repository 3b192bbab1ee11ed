package store

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"sync"
)

// Memory implements an in-memory version of a store. It is used for testing
// and for running a scratch server that should not touch disk.
type Memory struct {
	m    sync.RWMutex
	data map[string][]byte
}

var (
	// ensure Memory satisfies the Store interface
	_ Store = &Memory{}
)

// NewMemory returns a new, empty memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// List returns a channel giving the key of every item in the store. The key
// list is snapshotted when List is called, so readers of the channel cannot
// deadlock against writers of the store.
func (ms *Memory) List() <-chan string {
	ms.m.RLock()
	keys := make([]string, 0, len(ms.data))
	for k := range ms.data {
		keys = append(keys, k)
	}
	ms.m.RUnlock()
	c := make(chan string)
	go func() {
		for _, k := range keys {
			c <- k
		}
		close(c)
	}()
	return c
}

// ListPrefix returns all the keys which begin with the given prefix, in
// sorted order.
func (ms *Memory) ListPrefix(prefix string) ([]string, error) {
	var result []string
	ms.m.RLock()
	for k := range ms.data {
		if strings.HasPrefix(k, prefix) {
			result = append(result, k)
		}
	}
	ms.m.RUnlock()
	sort.Strings(result)
	return result, nil
}

// Open returns a ReadAtCloser and the size of the given value. The reader
// sees the value as it was at the time of the Open; a concurrent Put to the
// same key replaces the stored slice but does not mutate it.
func (ms *Memory) Open(key string) (ReadAtCloser, int64, error) {
	ms.m.RLock()
	v, ok := ms.data[key]
	ms.m.RUnlock()
	if !ok {
		return nil, 0, ErrNotExist
	}
	return nopCloser{bytes.NewReader(v)}, int64(len(v)), nil
}

type nopCloser struct {
	io.ReaderAt
}

func (nopCloser) Close() error { return nil }

// Put returns a writer saving a new value for key. The value is committed
// when the writer is closed; an abandoned writer changes nothing.
func (ms *Memory) Put(key string) (io.WriteCloser, error) {
	return &membuf{ms: ms, key: key}, nil
}

type membuf struct {
	ms  *Memory
	key string
	buf bytes.Buffer
}

func (w *membuf) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *membuf) Close() error {
	w.ms.m.Lock()
	w.ms.data[w.key] = w.buf.Bytes()
	w.ms.m.Unlock()
	return nil
}

// Delete the given key from the store. It is not an error if the key does
// not exist.
func (ms *Memory) Delete(key string) error {
	ms.m.Lock()
	delete(ms.data, key)
	ms.m.Unlock()
	return nil
}
