package clientapi

import (
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/antonholmquist/jason"

	"github.com/radarchive/teachcase/cases"
)

// uploadBody is the JSON request body for creating a case or adding an
// image, with the image riding along base64 encoded.
type uploadBody struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Diagnosis   string   `json:"diagnosis,omitempty"`
	Findings    string   `json:"findings,omitempty"`
	Modality    string   `json:"modality,omitempty"`
	Anatomy     string   `json:"anatomy,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	DicomFile   string   `json:"dicomFile"`
}

// ListCases returns every case document on the server.
func (c *Connection) ListCases() ([]*jason.Object, error) {
	v, err := c.doJasonGet("/cases")
	if err != nil {
		return nil, err
	}
	return v.GetObjectArray("data")
}

// Case returns the document for one case.
func (c *Connection) Case(caseID string) (*jason.Object, error) {
	v, err := c.doJasonGet("/cases/" + caseID)
	if err != nil {
		return nil, err
	}
	return v.GetObject("data")
}

// CreateCase makes a new case out of the descriptive fields and its first
// image. The returned document carries the case id the server assigned.
func (c *Connection) CreateCase(fields cases.Fields, image []byte) (*jason.Object, error) {
	body, err := json.Marshal(uploadBody{
		Title:       fields.Title,
		Description: fields.Description,
		Diagnosis:   fields.Diagnosis,
		Findings:    fields.Findings,
		Modality:    fields.Modality,
		Anatomy:     fields.Anatomy,
		Tags:        fields.Tags,
		DicomFile:   base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, err
	}
	v, err := c.doJasonPost("/cases", "application/json", body)
	if err != nil {
		return nil, err
	}
	return v.GetObject("data")
}

// AddImage ingests one more image into an existing case and returns the
// updated document. The image bytes are sent as the request body.
func (c *Connection) AddImage(caseID string, image []byte) (*jason.Object, error) {
	v, err := c.doJasonPost("/cases/"+caseID+"/images", "application/dicom", image)
	if err != nil {
		return nil, err
	}
	return v.GetObject("data")
}

// Image copies the raw bytes of the given archived image to w.
func (c *Connection) Image(w io.Writer, caseID, imageID string) error {
	return c.download(w, "/cases/"+caseID+"/images/"+imageID)
}

// Verify asks the server to verify the case on the spot. The report lists
// whatever is missing, orphaned, or corrupt; an empty report means the
// case is healthy. The route needs an admin token.
func (c *Connection) Verify(caseID string) (*jason.Object, error) {
	v, err := c.doJasonGet("/cases/" + caseID + "/verify")
	if err != nil {
		return nil, err
	}
	return v.GetObject("data")
}

// Export copies the case's zip bag to w.
func (c *Connection) Export(w io.Writer, caseID string) error {
	return c.download(w, "/cases/"+caseID+"/export")
}
