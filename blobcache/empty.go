package blobcache

import (
	"io"
	"io/ioutil"

	"github.com/radarchive/teachcase/store"
)

// An EmptyCache always misses. It contains nothing and saves nothing.
type EmptyCache struct{}

var _ T = EmptyCache{}

// Contains always returns false.
func (EmptyCache) Contains(key string) bool {
	return false
}

// Get always returns a cache miss.
func (EmptyCache) Get(key string) (store.ReadAtCloser, int64, error) {
	return nil, 0, nil
}

// Put returns a valid WriteCloser which discards its input. The item
// being added will ultimately not be added to the cache.
func (EmptyCache) Put(key string) (io.WriteCloser, error) {
	return nopCloser{ioutil.Discard}, nil
}

// Delete does nothing.
func (EmptyCache) Delete(key string) error { return nil }

// Size always returns 0.
func (EmptyCache) Size() int64 { return 0 }

// MaxSize always returns 0.
func (EmptyCache) MaxSize() int64 { return 0 }

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
