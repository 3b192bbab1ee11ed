package server

import (
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/radarchive/teachcase/blobcache"
	"github.com/radarchive/teachcase/cases"
	"github.com/radarchive/teachcase/store"
)

// ImageHandler handles requests to GET /cases/:id/images/:image, streaming
// the raw bytes of one archived image.
func (s *RESTServer) ImageHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	caseID := ps.ByName("id")
	imageID := ps.ByName("image")
	rac, size, err := s.getimage(caseID, imageID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rac.Close()
	w.Header().Set("Content-Type", "application/dicom")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	// images never change once archived
	w.Header().Set("ETag", fmt.Sprintf("%q", imageID))
	io.Copy(w, store.NewReader(rac))
}

// getimage returns a reader on the image, preferring the blob cache. A
// cold read fills the cache first, so following requests are served from
// it. Fills for one key are collapsed into a single archive read.
func (s *RESTServer) getimage(caseID, imageID string) (store.ReadAtCloser, int64, error) {
	key := cachekey(caseID, imageID)
	rac, size, err := s.Cache.Get(key)
	if err == nil && rac != nil {
		return rac, size, nil
	}
	_, err = s.flight.Do(key, func() (interface{}, error) {
		return nil, s.fillcache(key, caseID, imageID)
	})
	if err != nil {
		return nil, 0, err
	}
	rac, size, err = s.Cache.Get(key)
	if err == nil && rac != nil {
		return rac, size, nil
	}
	// the fill decided not to cache this image
	return s.archive.Image(caseID, imageID)
}

// fillcache copies one image out of the archive into the blob cache. A
// cache refusing the item is not an error; the caller then reads the
// archive directly.
func (s *RESTServer) fillcache(key, caseID, imageID string) error {
	src, _, err := s.archive.Image(caseID, imageID)
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := s.Cache.Put(key)
	if err != nil {
		if err != blobcache.ErrPutPending && err != blobcache.ErrCacheFull {
			log.Println("blobcache put", key, err)
		}
		return nil
	}
	_, err = io.Copy(w, store.NewReader(src))
	if err != nil {
		log.Println("blobcache fill", key, err)
	}
	return w.Close()
}

// cachekey is the blob cache key for an image. It matches the key the
// image's blob lives under in the blob store, so cache contents can be
// correlated with store contents.
func cachekey(caseID, imageID string) string {
	return cases.BlobKey(caseID, imageID)
}
