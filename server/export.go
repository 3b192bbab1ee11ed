package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/radarchive/teachcase/export"
)

// ExportHandler handles requests to GET /cases/:id/export, streaming the
// case and its images as a zip bag.
func (s *RESTServer) ExportHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	// look the case up first, so a missing id is a clean 404 instead of
	// a broken zip stream
	_, err := s.archive.Case(id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, id))
	err = export.Bag(w, s.archive, id)
	if err != nil {
		// the status line is already sent. The truncated zip is the
		// only signal the client gets.
		log.Println("export", id, err)
	}
}
