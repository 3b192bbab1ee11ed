package store

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// remoteServer serves the blob endpoints of an archive server from a
// backing store, the way cow expects to find them.
func remoteServer(t *testing.T, backing Store, wanttoken string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wanttoken != "" && r.Header.Get("X-Api-Key") != wanttoken {
			w.WriteHeader(401)
			return
		}
		switch {
		case r.URL.Path == "/blobs/list":
			keys, err := backing.ListPrefix(r.URL.Query().Get("prefix"))
			if err != nil {
				w.WriteHeader(500)
				return
			}
			json.NewEncoder(w).Encode(keys)
		case strings.HasPrefix(r.URL.Path, "/blobs/open/"):
			key := strings.TrimPrefix(r.URL.Path, "/blobs/open/")
			rac, _, err := backing.Open(key)
			if err != nil {
				w.WriteHeader(404)
				return
			}
			defer rac.Close()
			io.Copy(w, NewReader(rac))
		default:
			w.WriteHeader(404)
		}
	}))
}

func TestCOWReadThrough(t *testing.T) {
	remote := NewMemory()
	add(t, remote, "cases/1/images/1.dcm", "remote data")
	srv := remoteServer(t, remote, "sekrit")
	defer srv.Close()

	local := NewMemory()
	cow := NewCOW(local, srv.URL, "sekrit")

	// reading a remote-only key caches it locally
	if got := slurp(t, cow, "cases/1/images/1.dcm"); got != "remote data" {
		t.Errorf("Got %s", got)
	}
	if got := slurp(t, local, "cases/1/images/1.dcm"); got != "remote data" {
		t.Errorf("local copy is %s", got)
	}

	// missing on both sides
	if _, _, err := cow.Open("cases/9/images/9.dcm"); err != ErrNotExist {
		t.Errorf("Got %v, expected ErrNotExist", err)
	}

	// writes stay local
	add(t, cow, "cases/2/images/1.dcm", "new local")
	if _, _, err := remote.Open("cases/2/images/1.dcm"); err != ErrNotExist {
		t.Error("write leaked to the remote store")
	}

	// a local write shadows the remote value
	add(t, cow, "cases/1/images/1.dcm", "shadowed")
	if got := slurp(t, cow, "cases/1/images/1.dcm"); got != "shadowed" {
		t.Errorf("Got %s", got)
	}
}

func TestCOWList(t *testing.T) {
	remote := NewMemory()
	add(t, remote, "cases/1/images/1.dcm", "a")
	add(t, remote, "cases/1/images/2.dcm", "b")
	srv := remoteServer(t, remote, "")
	defer srv.Close()

	local := NewMemory()
	add(t, local, "cases/1/images/2.dcm", "local b")
	add(t, local, "cases/2/images/1.dcm", "c")
	cow := NewCOW(local, srv.URL, "")

	seen := make(map[string]int)
	for key := range cow.List() {
		seen[key]++
	}
	for key, n := range seen {
		if n != 1 {
			t.Errorf("key %s listed %d times", key, n)
		}
	}
	if len(seen) != 3 {
		t.Errorf("List gave %v", seen)
	}

	keys, err := cow.ListPrefix("cases/1/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Errorf("ListPrefix gave %v", keys)
	}
}

func TestCOWBadToken(t *testing.T) {
	remote := NewMemory()
	add(t, remote, "cases/1/images/1.dcm", "remote data")
	srv := remoteServer(t, remote, "sekrit")
	defer srv.Close()

	cow := NewCOW(NewMemory(), srv.URL, "wrong")
	_, _, err := cow.Open("cases/1/images/1.dcm")
	if err == nil {
		t.Error("expected an error opening through a bad token")
	}
}
