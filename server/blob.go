package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/radarchive/teachcase/store"
)

// These handlers expose the raw blob store, bypassing the case layer.
// They are the upstream half of the copy-on-write store: a development
// server pointed here with -cow-host reads through them. The responses
// are plain JSON and raw bytes, not the API envelope.

// BlobListHandler handles requests to GET /blobs/list. The keys are
// returned as a JSON array; a prefix query parameter limits the listing.
func (s *RESTServer) BlobListHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var result []string
	prefix := r.FormValue("prefix")
	if prefix != "" {
		var err error
		result, err = s.BlobStore.ListPrefix(prefix)
		if err != nil {
			w.WriteHeader(500)
			fmt.Fprintln(w, err)
			return
		}
	} else {
		for key := range s.BlobStore.List() {
			result = append(result, key)
		}
	}
	if result == nil {
		result = []string{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.Encode(result) // ignore any error
}

// BlobOpenHandler handles requests to GET /blobs/open/*key, streaming the
// raw content stored under the key.
func (s *RESTServer) BlobOpenHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// the star parameter in httprouter returns the leading slash
	key := strings.TrimPrefix(ps.ByName("key"), "/")
	data, size, err := s.BlobStore.Open(key)
	if err != nil {
		status := 500
		if err == store.ErrNotExist {
			status = 404
		}
		w.WriteHeader(status)
		fmt.Fprintln(w, err)
		return
	}
	defer data.Close()
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	io.Copy(w, store.NewReader(data))
}
