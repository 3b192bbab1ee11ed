package blobcache

import (
	"io"
)

// saver is what a writer expects to communicate with as a new item is
// copied into the cache.
type saver interface {
	save(w *writer)      // new item has been successfully copied
	reserve(int64) error // gets more space on each call to Write
	discard(w *writer)   // new item had an error while being copied
}

// writer provides a way to write a new item into the cache.
type writer struct {
	parent        saver
	key           string
	w             io.WriteCloser
	size          int64
	deleteOnClose bool
}

func (w *writer) Close() error {
	err := w.w.Close()
	if err != nil || w.deleteOnClose {
		w.parent.discard(w)
		return err
	}
	w.parent.save(w)
	return nil
}

func (w *writer) Write(p []byte) (int, error) {
	// reserve before writing so the cache never holds more than maxSize
	err := w.parent.reserve(int64(len(p)))
	if err != nil {
		if err == ErrCacheFull {
			w.deleteOnClose = true
		}
		return 0, err
	}
	// w.size can end up >= the actual item size since short writes are
	// not subtracted back out
	w.size += int64(len(p))
	return w.w.Write(p)
}
