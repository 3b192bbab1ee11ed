// Package store provides a simple, goroutine safe key-value interface over
// several storage backends. Values are streams rather than opaque byte
// slices, so full image files can be saved and read back without buffering
// them in memory.
//
// Keys are slash separated paths, such as "cases/100/images/5.dcm". The
// FileSystem store maps each key to a file under its root directory; the
// cloud stores use the key as the object name.
package store

import (
	"errors"
	"io"
)

// ErrNotExist is returned by Open when nothing is stored under the given key.
var ErrNotExist = errors.New("key does not exist")

// ReadAtCloser combines the io.ReaderAt and io.Closer interfaces.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Store is the stream based key-value store the archive is built on.
//
// Writes are atomic. The data given to a Put writer becomes visible under
// its key only once Close returns with no error, and a Put over an existing
// key replaces the old value completely. A writer abandoned without Close,
// or whose Close reports an error, leaves the previous value (or absence)
// untouched.
//
// Open returns a ReadAtCloser instead of a ReadCloser so a value can be
// both streamed and handed to a zip writer.
type Store interface {
	ROStore
	Put(key string) (io.WriteCloser, error)
	Delete(key string) error
}

// ROStore is the read-only half of a Store. It allows one to list contents
// and to retrieve data.
type ROStore interface {
	List() <-chan string
	ListPrefix(prefix string) ([]string, error)
	Open(key string) (ReadAtCloser, int64, error)
}

// NewReader converts a ReaderAt into an io.Reader. It is here as a utility
// to help work with the ReadAtCloser returned by Open.
func NewReader(r io.ReaderAt) io.Reader {
	return &reader{r: r}
}

type reader struct {
	r   io.ReaderAt
	off int64
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		// reading less than a full buffer is not an error for
		// an io.Reader
		err = nil
	}
	return
}
