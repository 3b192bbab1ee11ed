package cases

import (
	"log"
	"sort"
	"strings"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/radarchive/teachcase/dicom"
	"github.com/radarchive/teachcase/store"
	"github.com/radarchive/teachcase/util"
)

// Archive ties the blob store and the metadata store together. It is
// stateless between calls; every operation reads and writes through the
// two stores directly, so any number of Archives may point at the same
// pair.
type Archive struct {
	Blobs store.Store
	Meta  MetadataStore

	newid func() string
}

// NewArchive creates an archive over the given stores.
func NewArchive(blobs store.Store, meta MetadataStore) *Archive {
	return &Archive{Blobs: blobs, Meta: meta, newid: NewID}
}

// how many times to re-allocate before giving up on finding a free id.
const allocateTries = 3

// Create ingests the first image of a new case. The image is scanned for
// its identifying attributes, the raw bytes are saved to the blob store,
// and only then is the case document written. Nothing is persisted if the
// scan or the field validation fails. If the blob lands but the document
// write fails, the blob is deleted again on a best effort basis and the
// error returned; the caller retries with the same bytes and receives a
// new case id.
func (a *Archive) Create(data []byte, f Fields) (*Case, error) {
	if strings.TrimSpace(f.Title) == "" {
		return nil, ErrNoTitle
	}
	attrs, err := dicom.Scan(data)
	if err != nil {
		return nil, err
	}
	if !validInstanceID(attrs.SOPInstanceUID) {
		return nil, ErrBadInstanceID
	}
	id, err := a.allocate()
	if err != nil {
		return nil, err
	}
	c := &Case{
		ID:               id,
		Title:            strings.TrimSpace(f.Title),
		Description:      f.Description,
		Diagnosis:        f.Diagnosis,
		Findings:         f.Findings,
		Modality:         orDefault(f.Modality, attrs.Modality),
		Anatomy:          f.Anatomy,
		Tags:             cleanTags(f.Tags),
		PatientName:      orDefault(attrs.PatientName, "Anonymous"),
		PatientID:        orDefault(attrs.PatientID, "Unknown"),
		StudyInstanceUID: attrs.StudyInstanceUID,
		StudyDate:        attrs.StudyDate,
		StudyDescription: attrs.StudyDescription,
		CreatedAt:        time.Now().Truncate(time.Second).UTC(),
	}
	c.appendImage(attrs.SOPInstanceUID, attrs.SeriesInstanceUID, attrs.SeriesDescription, attrs.Modality)

	sum, err := a.saveBlob(c.ID, attrs.SOPInstanceUID, data)
	if err != nil {
		return nil, err
	}
	c.setChecksum(attrs.SOPInstanceUID, sum)
	err = a.Meta.PutCase(c)
	if err != nil {
		// The blob is orphaned. The case id is fresh, so nothing else
		// can reference the blob and deleting it is safe. If the
		// delete also fails the key is logged and the orphan stays.
		a.orphaned(c.ID, attrs.SOPInstanceUID)
		return nil, errors.Wrap(err, "case document write")
	}
	return c, nil
}

// AddImage ingests one more image into an existing case. The document
// update is a read-modify-write: concurrent adds to the same case race,
// and the last writer wins at the document level. Retrying a failed add
// is always safe; the blob write is idempotent, and if the earlier
// document write actually landed the image id is simply appended again.
func (a *Archive) AddImage(caseID string, data []byte) (*Case, error) {
	c, err := a.Case(caseID)
	if err != nil {
		return nil, err
	}
	attrs, err := dicom.Scan(data)
	if err != nil {
		return nil, err
	}
	if !validInstanceID(attrs.SOPInstanceUID) {
		return nil, ErrBadInstanceID
	}
	// remember whether this image was already referenced, so a failed
	// document write doesn't delete a blob the existing document needs
	alreadyOwned := c.HasImage(attrs.SOPInstanceUID)

	sum, err := a.saveBlob(c.ID, attrs.SOPInstanceUID, data)
	if err != nil {
		return nil, err
	}
	c.appendImage(attrs.SOPInstanceUID, attrs.SeriesInstanceUID, attrs.SeriesDescription, attrs.Modality)
	c.setChecksum(attrs.SOPInstanceUID, sum)
	err = a.Meta.PutCase(c)
	if err != nil {
		if !alreadyOwned {
			a.orphaned(c.ID, attrs.SOPInstanceUID)
		}
		return nil, errors.Wrap(err, "case document write")
	}
	return c, nil
}

// Case returns the document for the given case id.
func (a *Archive) Case(id string) (*Case, error) {
	return a.Meta.GetCase(id)
}

// List returns every case, newest first. Ties are broken by id so the
// order is stable.
func (a *Archive) List() ([]*Case, error) {
	result, err := a.Meta.AllCases()
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Image returns a reader for the raw bytes of the given image along with
// their size. The image must be referenced by the given case: the blob
// store itself has no notion of ownership, and this membership check is
// what keeps one case's identifiers from reading another case's blobs.
// A membership hit with no backing blob is reported as ErrNoBlob, since
// it means the archive invariant was broken.
func (a *Archive) Image(caseID, imageID string) (store.ReadAtCloser, int64, error) {
	c, err := a.Case(caseID)
	if err != nil {
		return nil, 0, err
	}
	if !c.HasImage(imageID) {
		return nil, 0, ErrImageNotInCase
	}
	rac, size, err := a.Blobs.Open(BlobKey(caseID, imageID))
	if err == store.ErrNotExist {
		err = ErrNoBlob
	}
	return rac, size, err
}

// allocate returns an unused case id. The metadata store is probed so a
// collision surfaces here, as a re-allocation, instead of as two cases
// merged under one document.
func (a *Archive) allocate() (string, error) {
	for i := 0; i < allocateTries; i++ {
		id := a.newid()
		_, err := a.Meta.GetCase(id)
		if err == ErrNotFound {
			return id, nil
		}
		if err != nil {
			return "", errors.Wrap(err, "case id probe")
		}
		log.Println("case id collision:", id)
	}
	return "", ErrIDCollision
}

// saveBlob streams data into the blob store under the image's key and
// returns the SHA-256, in hex, of what was written.
func (a *Archive) saveBlob(caseID, imageID string, data []byte) (string, error) {
	w, err := a.Blobs.Put(BlobKey(caseID, imageID))
	if err != nil {
		return "", errors.Wrap(err, "blob write")
	}
	hw := util.NewHashWriter(w)
	_, err = hw.Write(data)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", errors.Wrap(err, "blob write")
	}
	return hw.SumHex(), nil
}

// orphaned handles a blob whose document write failed. The key is always
// logged, so the failed ingest leaves a trail even when the compensating
// delete succeeds; a delete failure means the orphan stays, and an
// operator reconciles by hand.
func (a *Archive) orphaned(caseID, imageID string) {
	key := BlobKey(caseID, imageID)
	log.Println("orphaned blob:", key)
	raven.CaptureMessage("orphaned blob", map[string]string{"Key": key})
	err := a.Blobs.Delete(key)
	if err != nil {
		log.Println("orphaned blob delete:", key, err)
		raven.CaptureError(err, map[string]string{"Key": key})
	}
}

// BlobKey is the deterministic key an image's bytes live under. It is
// exported so tools working on the raw blob store, such as the server's
// blob cache and the migrator, can correlate blobs with cases.
func BlobKey(caseID, imageID string) string {
	return "cases/" + caseID + "/images/" + imageID + ".dcm"
}

// imagePrefix is where all of one case's blobs live.
func imagePrefix(caseID string) string {
	return "cases/" + caseID + "/images/"
}

// validInstanceID rejects instance identifiers that cannot be embedded in
// a blob key. Real instance identifiers are digits and dots, but the value
// comes out of an uploaded file and is not to be trusted.
func validInstanceID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
