package store

import (
	"io"
	"io/ioutil"
	"testing"
)

// a fetchFunc serving from a byte slice, counting the requests made.
func sliceFetcher(data []byte, count *int) fetchFunc {
	return func(offset, length int64) ([]byte, error) {
		*count++
		if offset >= int64(len(data)) {
			return nil, io.EOF
		}
		end := offset + length
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		return data[offset:end], nil
	}
}

func pagerdata(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestPagerSequential(t *testing.T) {
	data := pagerdata(100)
	var count int
	r := &pagedReader{fetch: sliceFetcher(data, &count), size: 100, pagesize: 16}

	back, err := ioutil.ReadAll(NewReader(r))
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != len(data) {
		t.Fatalf("read %d bytes, expected %d", len(back), len(data))
	}
	for i := range back {
		if back[i] != data[i] {
			t.Fatalf("data differs at offset %d", i)
		}
	}
	// 100 bytes at 16 per page is 7 pages, and a sequential read
	// should fetch each exactly once
	if count != 7 {
		t.Errorf("made %d fetches, expected 7", count)
	}
}

func TestPagerReadAt(t *testing.T) {
	data := pagerdata(64)
	var count int
	r := &pagedReader{fetch: sliceFetcher(data, &count), size: 64, pagesize: 16}

	// a read crossing a page boundary
	p := make([]byte, 10)
	n, err := r.ReadAt(p, 12)
	if n != 10 || err != nil {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	for i := 0; i < 10; i++ {
		if p[i] != byte(12+i) {
			t.Errorf("offset %d: got %d", 12+i, p[i])
		}
	}

	// rereading inside the cached page costs nothing
	count = 0
	if _, err := r.ReadAt(p, 20); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("made %d fetches, expected 0", count)
	}

	// a short read at the end reports EOF
	n, err = r.ReadAt(p, 60)
	if n != 4 || err != io.EOF {
		t.Errorf("ReadAt near end = %d, %v; expected 4, EOF", n, err)
	}

	// past the end
	n, err = r.ReadAt(p, 64)
	if n != 0 || err != io.EOF {
		t.Errorf("ReadAt past end = %d, %v; expected 0, EOF", n, err)
	}
}

// A remote object can shrink between Open recording its size and a later
// page fetch. Reads into the vanished range must report EOF, not panic.
func TestPagerShrunkObject(t *testing.T) {
	data := pagerdata(20)
	var count int
	r := &pagedReader{fetch: sliceFetcher(data, &count), size: 100, pagesize: 16}

	// entirely inside the vanished range, but within the page holding
	// the true end of the object
	p := make([]byte, 8)
	n, err := r.ReadAt(p, 22)
	if n != 0 || err != io.EOF {
		t.Errorf("ReadAt in vanished range = %d, %v; expected 0, EOF", n, err)
	}

	// straddling the true end still returns the surviving bytes
	n, err = r.ReadAt(p, 16)
	if n != 4 {
		t.Errorf("ReadAt straddling end = %d, %v; expected 4 bytes", n, err)
	}
	for i := 0; i < n; i++ {
		if p[i] != byte(16+i) {
			t.Errorf("offset %d: got %d", 16+i, p[i])
		}
	}
}
