package store

import "io"

// The cloud stores read objects through ranged GET requests rather than
// downloading a whole object up front. This file adapts those range
// requests to the ReadAt interface.

// pageSize is how much is fetched from the remote store per request. Reads
// of an image are sequential in practice (a tag scan or a full download),
// so a single cached page is enough to keep from refetching.
const pageSize = 8 * 1024 * 1024

// fetchFunc reads the byte range [offset, offset+length) of a remote
// object. Fewer bytes may be returned at the end of the object, and io.EOF
// is returned when offset is past the end.
type fetchFunc func(offset, length int64) ([]byte, error)

// pagedReader adapts a fetchFunc to the ReadAt interface, caching the most
// recently fetched page. It is not safe for use from multiple goroutines.
type pagedReader struct {
	fetch    fetchFunc
	size     int64
	pagesize int64
	page     []byte
	pageoff  int64
}

func newPagedReader(size int64, fetch fetchFunc) *pagedReader {
	return &pagedReader{fetch: fetch, size: size, pagesize: pageSize}
}

// ReadAt implements the io.ReaderAt interface.
func (r *pagedReader) ReadAt(p []byte, offset int64) (int, error) {
	var err error
	start := offset
	for len(p) > 0 && offset < r.size {
		if r.page == nil || offset < r.pageoff || offset >= r.pageoff+int64(len(r.page)) {
			err = r.load(offset)
			if err != nil {
				break
			}
			if offset >= r.pageoff+int64(len(r.page)) {
				// the object is shorter than the size recorded at Open
				err = io.EOF
				break
			}
		}
		n := copy(p, r.page[offset-r.pageoff:])
		if n == 0 {
			break
		}
		p = p[n:]
		offset += int64(n)
	}
	switch {
	case err == io.EOF && offset != start:
		// partial data counts; the next call will report the EOF
		err = nil
	case err == nil && len(p) > 0 && offset >= r.size:
		err = io.EOF
	}
	return int(offset - start), err
}

// load fetches the page containing offset. Pages are aligned to the page
// size, so sequential reads walk through disjoint pages.
func (r *pagedReader) load(offset int64) error {
	base := (offset / r.pagesize) * r.pagesize
	data, err := r.fetch(base, r.pagesize)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return io.EOF
	}
	r.page = data
	r.pageoff = base
	return nil
}

func (r *pagedReader) Close() error {
	r.page = nil
	return nil
}
