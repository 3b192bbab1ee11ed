package server

import (
	"encoding/base64"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/radarchive/teachcase/cases"
	"github.com/radarchive/teachcase/dicom"
)

// Every JSON response is wrapped in this envelope. Either Data is set, or
// Error and ErrorCode are.
type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
}

// writeData sends val wrapped in the success envelope.
func writeData(w http.ResponseWriter, status int, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: val})
}

// writeFailure sends the failure envelope.
func writeFailure(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: message, ErrorCode: code})
}

// writeError sends the failure envelope matching err.
func writeError(w http.ResponseWriter, err error) {
	status, code := errorCode(err)
	writeFailure(w, status, code, err.Error())
}

// writeBadRequest reports a malformed request body.
func writeBadRequest(w http.ResponseWriter, err error) {
	writeFailure(w, 400, "BAD_REQUEST", err.Error())
}

// errorCode maps an archive error to a response status and error code.
// Anything unrecognized is a server error, which covers the store
// transport failures and the integrity error for a vanished blob.
func errorCode(err error) (int, string) {
	err = errors.Cause(err)
	if _, ok := err.(dicom.MissingAttributeError); ok {
		return 400, "BAD_REQUEST"
	}
	switch err {
	case cases.ErrNotFound, cases.ErrImageNotInCase:
		return 404, "NOT_FOUND"
	case dicom.ErrNotDICOM, cases.ErrNoTitle, cases.ErrBadInstanceID:
		return 400, "BAD_REQUEST"
	}
	return 500, "SERVER_ERROR"
}

// caseUpload is the JSON request body for creating a case or adding an
// image to one. The image rides along base64 encoded in dicomFile, which
// is how the browser uploaders send it. The other fields only matter on
// create.
type caseUpload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Diagnosis   string   `json:"diagnosis"`
	Findings    string   `json:"findings"`
	Modality    string   `json:"modality"`
	Anatomy     string   `json:"anatomy"`
	Tags        []string `json:"tags"`
	DicomFile   string   `json:"dicomFile"`
}

var errNoImage = errors.New("no image content in request")

// readUpload pulls the image bytes and the descriptive fields out of a
// create or add-image request. A JSON body carries the image in the
// dicomFile member; any other content type is taken to be the image
// itself, with the fields in the query string.
func readUpload(r *http.Request) (cases.Fields, []byte, error) {
	var fields cases.Fields
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var upload caseUpload
		err := json.NewDecoder(r.Body).Decode(&upload)
		if err != nil {
			return fields, nil, errors.Wrap(err, "decoding body")
		}
		fields = cases.Fields{
			Title:       upload.Title,
			Description: upload.Description,
			Diagnosis:   upload.Diagnosis,
			Findings:    upload.Findings,
			Modality:    upload.Modality,
			Anatomy:     upload.Anatomy,
			Tags:        upload.Tags,
		}
		if upload.DicomFile == "" {
			return fields, nil, errNoImage
		}
		data, err := base64.StdEncoding.DecodeString(upload.DicomFile)
		if err != nil {
			return fields, nil, errors.Wrap(err, "decoding dicomFile")
		}
		return fields, data, nil
	}
	q := r.URL.Query()
	fields = cases.Fields{
		Title:       q.Get("title"),
		Description: q.Get("description"),
		Diagnosis:   q.Get("diagnosis"),
		Findings:    q.Get("findings"),
		Modality:    q.Get("modality"),
		Anatomy:     q.Get("anatomy"),
		Tags:        q["tags"],
	}
	data, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return fields, nil, errors.Wrap(err, "reading body")
	}
	if len(data) == 0 {
		return fields, nil, errNoImage
	}
	return fields, data, nil
}

// ListCasesHandler handles requests to GET /cases
func (s *RESTServer) ListCasesHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	list, err := s.archive.List()
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		// an empty archive lists as [], not null
		list = []*cases.Case{}
	}
	writeData(w, 200, list)
}

// CaseHandler handles requests to GET /cases/:id
func (s *RESTServer) CaseHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	c, err := s.archive.Case(ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, 200, c)
}

// NewCaseHandler handles requests to POST /cases
func (s *RESTServer) NewCaseHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fields, data, err := readUpload(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	c, err := s.archive.Create(data, fields)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/cases/"+c.ID)
	writeData(w, 201, c)
}

// AddImageHandler handles requests to POST /cases/:id/images
func (s *RESTServer) AddImageHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	_, data, err := readUpload(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	c, err := s.archive.AddImage(ps.ByName("id"), data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, 200, c)
}
