// Package cases implements the teaching case archive. A case couples one
// metadata document with one or more image blobs, held in two stores that
// fail independently. The Archive is the only place both stores are
// touched, and it owns the invariant that every image a case references
// has a backing blob and every blob belongs to exactly one case.
package cases

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound means no case exists under the given identifier.
	ErrNotFound = errors.New("case not found")

	// ErrImageNotInCase means the case exists but does not reference the
	// given image. It is deliberately distinct from ErrNoBlob: guessing
	// another case's image key must not read its blob.
	ErrImageNotInCase = errors.New("image not part of case")

	// ErrNoBlob means a case references an image whose blob is gone.
	// Seeing it indicates the archive invariant was broken.
	ErrNoBlob = errors.New("image blob missing")

	// ErrNoTitle is returned when creating a case without a title.
	ErrNoTitle = errors.New("case title is required")

	// ErrIDCollision means allocating an unused case identifier failed
	// repeatedly. With 128-bit random identifiers this should never be
	// seen outside of a misconfigured allocator.
	ErrIDCollision = errors.New("case id collision")

	// ErrBadInstanceID means the image's instance identifier cannot be
	// used as part of a blob key.
	ErrBadInstanceID = errors.New("instance identifier not usable")
)

// A Case is one teaching exam: the human-authored description, the
// attributes pulled from its first image, and the list of images archived
// under it.
type Case struct {
	ID               string    `json:"caseId"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	Diagnosis        string    `json:"diagnosis,omitempty"`
	Findings         string    `json:"findings,omitempty"`
	Modality         string    `json:"modality"`
	Anatomy          string    `json:"anatomy,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	PatientName      string    `json:"patientName"`
	PatientID        string    `json:"patientId"`
	StudyInstanceUID string    `json:"studyInstanceUid,omitempty"`
	StudyDate        string    `json:"studyDate,omitempty"`
	StudyDescription string    `json:"studyDescription,omitempty"`
	ImageIDs         []string  `json:"imageIds"`
	Series           []Series  `json:"series,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`

	// Checksums holds the SHA-256, in hex, of each image as it was
	// ingested, keyed by image id. Verification compares blobs against
	// these, so corruption is measured against what was stored, not
	// against whatever happens to be readable today.
	Checksums map[string]string `json:"checksums,omitempty"`
}

// A Series groups a subset of a case's images under one description. The
// identifier is the series instance identifier from the images themselves,
// so it is unique within the case. Number is the 1-based order in which
// the series first appeared during ingest. Images carrying no series
// identifier appear only in the case's ImageIDs.
type Series struct {
	ID          string   `json:"seriesId"`
	Number      int      `json:"seriesNumber"`
	Description string   `json:"description,omitempty"`
	Modality    string   `json:"modality,omitempty"`
	ImageIDs    []string `json:"imageIds"`
}

// Fields holds the descriptive parts of a case as supplied by the caller
// at create time. Modality, when set, takes precedence over the attribute
// extracted from the first image. Everything else on a Case comes from
// the archive or from the image itself.
type Fields struct {
	Title       string
	Description string
	Diagnosis   string
	Findings    string
	Modality    string
	Anatomy     string
	Tags        []string
}

// MetadataStore is the document store where case records live. GetCase
// returns ErrNotFound for unknown identifiers; PutCase is a full-document
// upsert. Partial updates, such as appending one image, are composed by
// the Archive as read-modify-write on top of these.
type MetadataStore interface {
	GetCase(id string) (*Case, error)
	PutCase(c *Case) error
	AllCases() ([]*Case, error)
}

// HasImage reports whether the case references the image, either directly
// or through one of its series.
func (c *Case) HasImage(imageID string) bool {
	for _, id := range c.ImageIDs {
		if id == imageID {
			return true
		}
	}
	for _, s := range c.Series {
		for _, id := range s.ImageIDs {
			if id == imageID {
				return true
			}
		}
	}
	return false
}

// AllImageIDs returns every image the case references, direct or through
// a series, in order of first appearance with duplicates removed.
func (c *Case) AllImageIDs() []string {
	var result []string
	seen := make(map[string]struct{})
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			result = append(result, id)
		}
	}
	for _, id := range c.ImageIDs {
		add(id)
	}
	for _, s := range c.Series {
		for _, id := range s.ImageIDs {
			add(id)
		}
	}
	return result
}

// Clone returns a deep copy of the case. Metadata adapters hand out
// copies so callers can mutate a document freely without aliasing the
// stored record.
func (c *Case) Clone() *Case {
	dup := *c
	dup.Tags = append([]string(nil), c.Tags...)
	dup.ImageIDs = append([]string(nil), c.ImageIDs...)
	if c.Series != nil {
		dup.Series = make([]Series, len(c.Series))
		for i, s := range c.Series {
			dup.Series[i] = s
			dup.Series[i].ImageIDs = append([]string(nil), s.ImageIDs...)
		}
	}
	if c.Checksums != nil {
		dup.Checksums = make(map[string]string, len(c.Checksums))
		for k, v := range c.Checksums {
			dup.Checksums[k] = v
		}
	}
	return &dup
}

// appendImage records one more image on the case: always at the end of
// ImageIDs, and on the series named by seriesID when there is one. The
// append is unconditional. A retried ingest whose first metadata write
// actually landed will add its id a second time; that duplicate is
// documented behavior, not something this layer hides.
func (c *Case) appendImage(imageID, seriesID, seriesDescription, seriesModality string) {
	c.ImageIDs = append(c.ImageIDs, imageID)
	if seriesID == "" {
		return
	}
	for i := range c.Series {
		if c.Series[i].ID == seriesID {
			c.Series[i].ImageIDs = append(c.Series[i].ImageIDs, imageID)
			return
		}
	}
	c.Series = append(c.Series, Series{
		ID:          seriesID,
		Number:      len(c.Series) + 1,
		Description: seriesDescription,
		Modality:    seriesModality,
		ImageIDs:    []string{imageID},
	})
}

// setChecksum records the ingest checksum for one image.
func (c *Case) setChecksum(imageID, sum string) {
	if c.Checksums == nil {
		c.Checksums = make(map[string]string)
	}
	c.Checksums[imageID] = sum
}

// cleanTags collapses duplicates, trims space, and sorts, so a case's tag
// set has one canonical form.
func cleanTags(tags []string) []string {
	var result []string
	seen := make(map[string]struct{})
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		result = append(result, tag)
	}
	sort.Strings(result)
	return result
}

// orDefault returns s, or dflt when s is empty.
func orDefault(s, dflt string) string {
	if s == "" {
		return dflt
	}
	return s
}
