package cases

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"path"
	"strings"

	"github.com/radarchive/teachcase/dicom"
	"github.com/radarchive/teachcase/store"
)

// A VerifyReport summarizes one verification sweep over a single case.
type VerifyReport struct {
	CaseID  string   `json:"caseId"`
	Checked int      `json:"checked"`
	Missing []string `json:"missing,omitempty"` // referenced images with no blob
	Orphans []string `json:"orphans,omitempty"` // blobs no case reference points at
	Corrupt []string `json:"corrupt,omitempty"` // blobs that no longer scan as images

	// Checksums holds the sha256 of every blob read, keyed by image id,
	// so the caller can compare against an earlier sweep.
	Checksums map[string]string `json:"-"`
}

// Healthy reports whether the sweep found nothing wrong.
func (r *VerifyReport) Healthy() bool {
	return len(r.Missing) == 0 && len(r.Orphans) == 0 && len(r.Corrupt) == 0
}

// Verify checks one case end to end: every referenced image must have a
// blob, the blob must match its ingest checksum and still scan as an
// image carrying the instance identifier it is filed under, and every
// blob under the case's prefix must be referenced. Problems are collected
// in the report rather than returned as errors; only the case lookup and
// store access itself can fail.
func (a *Archive) Verify(caseID string) (*VerifyReport, error) {
	c, err := a.Case(caseID)
	if err != nil {
		return nil, err
	}
	report := &VerifyReport{
		CaseID:    caseID,
		Checksums: make(map[string]string),
	}
	for _, imageID := range c.AllImageIDs() {
		report.Checked++
		rac, _, err := a.Blobs.Open(BlobKey(caseID, imageID))
		if err == store.ErrNotExist {
			report.Missing = append(report.Missing, imageID)
			continue
		}
		if err != nil {
			return nil, err
		}
		data, err := ioutil.ReadAll(store.NewReader(rac))
		rac.Close()
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		sumhex := hex.EncodeToString(sum[:])
		report.Checksums[imageID] = sumhex
		if want := c.Checksums[imageID]; want != "" && want != sumhex {
			report.Corrupt = append(report.Corrupt,
				fmt.Sprintf("%s: checksum does not match ingest", imageID))
			continue
		}
		attrs, err := dicom.Scan(data)
		switch {
		case err != nil:
			report.Corrupt = append(report.Corrupt, fmt.Sprintf("%s: %v", imageID, err))
		case attrs.SOPInstanceUID != imageID:
			report.Corrupt = append(report.Corrupt,
				fmt.Sprintf("%s: blob carries instance id %s", imageID, attrs.SOPInstanceUID))
		}
	}
	keys, err := a.Blobs.ListPrefix(imagePrefix(caseID))
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		imageID := strings.TrimSuffix(path.Base(key), ".dcm")
		if !c.HasImage(imageID) {
			report.Orphans = append(report.Orphans, imageID)
		}
	}
	return report, nil
}
