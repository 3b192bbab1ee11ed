package cases

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/radarchive/teachcase/dicom"
	"github.com/radarchive/teachcase/dicom/dicomtest"
	"github.com/radarchive/teachcase/store"
)

func newTestArchive() *Archive {
	return NewArchive(store.NewMemory(), NewMemStore())
}

// image builds a valid file carrying the given instance, modality, and
// series attributes plus a fixed set of study attributes.
func image(sop, modality, seriesUID, seriesDesc string) []byte {
	b := dicomtest.New(dicomtest.ExplicitLittle)
	b.String(0x0008, 0x0018, "UI", sop)
	b.String(0x0008, 0x0020, "DA", "20240301")
	b.String(0x0008, 0x0060, "CS", modality)
	b.String(0x0008, 0x1030, "LO", "CT CHEST ANGIO")
	if seriesDesc != "" {
		b.String(0x0008, 0x103E, "LO", seriesDesc)
	}
	b.String(0x0010, 0x0010, "PN", "DOE^JOHN")
	b.String(0x0010, 0x0020, "LO", "MRN-77")
	b.String(0x0020, 0x000D, "UI", "1.2.3.4.8")
	if seriesUID != "" {
		b.String(0x0020, 0x000E, "UI", seriesUID)
	}
	return b.Bytes()
}

func readImage(t *testing.T, ar *Archive, caseID, imageID string) []byte {
	t.Helper()
	rac, size, err := ar.Image(caseID, imageID)
	if err != nil {
		t.Fatalf("Image(%s, %s): %v", caseID, imageID, err)
	}
	defer rac.Close()
	data, err := ioutil.ReadAll(store.NewReader(rac))
	if err != nil {
		t.Fatalf("read %s/%s: %v", caseID, imageID, err)
	}
	if int64(len(data)) != size {
		t.Errorf("read %d bytes, size was %d", len(data), size)
	}
	return data
}

func add(t *testing.T, s store.Store, key string, data []byte) {
	t.Helper()
	w, err := s.Put(key)
	if err != nil {
		t.Fatalf("Put %s: %v", key, err)
	}
	w.Write(data)
	err = w.Close()
	if err != nil {
		t.Fatalf("Close %s: %v", key, err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCreate(t *testing.T) {
	ar := newTestArchive()
	data := image("1.2.3.4.100", "CT", "1.2.3.4.9", "AXIAL 5MM")
	c, err := ar.Create(data, Fields{
		Title:     "  Pulmonary embolism  ",
		Diagnosis: "Acute PE",
		Anatomy:   "chest",
		Tags:      []string{"vascular", " chest ", "vascular", ""},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.ID == "" {
		t.Fatal("empty case id")
	}
	if c.Title != "Pulmonary embolism" {
		t.Errorf("title %q", c.Title)
	}
	if c.Modality != "CT" {
		t.Errorf("modality %q, want CT", c.Modality)
	}
	if c.PatientName != "DOE^JOHN" || c.PatientID != "MRN-77" {
		t.Errorf("patient %q / %q", c.PatientName, c.PatientID)
	}
	if c.StudyDate != "20240301" || c.StudyDescription != "CT CHEST ANGIO" {
		t.Errorf("study %q / %q", c.StudyDate, c.StudyDescription)
	}
	if c.StudyInstanceUID != "1.2.3.4.8" {
		t.Errorf("study instance uid %q", c.StudyInstanceUID)
	}
	sum := sha256.Sum256(data)
	if c.Checksums["1.2.3.4.100"] != hex.EncodeToString(sum[:]) {
		t.Errorf("ingest checksum %q", c.Checksums["1.2.3.4.100"])
	}
	if want := []string{"chest", "vascular"}; !equalStrings(c.Tags, want) {
		t.Errorf("tags %v, want %v", c.Tags, want)
	}
	if !equalStrings(c.ImageIDs, []string{"1.2.3.4.100"}) {
		t.Errorf("images %v", c.ImageIDs)
	}
	if len(c.Series) != 1 || c.Series[0].ID != "1.2.3.4.9" ||
		c.Series[0].Number != 1 ||
		c.Series[0].Description != "AXIAL 5MM" ||
		c.Series[0].Modality != "CT" ||
		!equalStrings(c.Series[0].ImageIDs, []string{"1.2.3.4.100"}) {
		t.Errorf("series %+v", c.Series)
	}
	if c.CreatedAt.IsZero() || c.CreatedAt.Location() != time.UTC {
		t.Errorf("created at %v", c.CreatedAt)
	}

	got, err := ar.Case(c.ID)
	if err != nil {
		t.Fatalf("Case: %v", err)
	}
	if !reflect.DeepEqual(got, c) {
		t.Errorf("stored document differs:\n got %+v\nwant %+v", got, c)
	}
	if got := readImage(t, ar, c.ID, "1.2.3.4.100"); !bytes.Equal(got, data) {
		t.Errorf("image bytes differ")
	}
}

func TestCreateModalityOverride(t *testing.T) {
	// a caller supplied modality wins over the image's attribute
	ar := newTestArchive()
	c, err := ar.Create(image("4.2", "CT", "", ""), Fields{Title: "x", Modality: "CTA"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.Modality != "CTA" {
		t.Errorf("modality %q, want CTA", c.Modality)
	}
}

func TestCreateAnonymous(t *testing.T) {
	// a file carrying no patient attributes gets the placeholder values
	ar := newTestArchive()
	c, err := ar.Create(dicomtest.File(dicomtest.ImplicitLittle, "4.1", "XA"), Fields{Title: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.PatientName != "Anonymous" || c.PatientID != "Unknown" {
		t.Errorf("patient %q / %q", c.PatientName, c.PatientID)
	}
}

var badcreates = []struct {
	name   string
	data   []byte
	fields Fields
	err    error
}{
	{"no title", dicomtest.File(dicomtest.ExplicitLittle, "1.2.3", "CT"), Fields{}, ErrNoTitle},
	{"blank title", dicomtest.File(dicomtest.ExplicitLittle, "1.2.3", "CT"), Fields{Title: "   "}, ErrNoTitle},
	{"not an image", []byte("GIF89a definitely not a scan"), Fields{Title: "x"}, dicom.ErrNotDICOM},
	{"instance id with slash", dicomtest.File(dicomtest.ExplicitLittle, "1.2/3", "CT"), Fields{Title: "x"}, ErrBadInstanceID},
}

func TestCreateRejects(t *testing.T) {
	for _, tab := range badcreates {
		ar := newTestArchive()
		_, err := ar.Create(tab.data, tab.fields)
		if err != tab.err {
			t.Errorf("%s: got %v, want %v", tab.name, err, tab.err)
		}
		keys, _ := ar.Blobs.ListPrefix("cases/")
		if len(keys) != 0 {
			t.Errorf("%s: blobs left behind: %v", tab.name, keys)
		}
	}
}

func TestCreateMissingModality(t *testing.T) {
	data := dicomtest.New(dicomtest.ExplicitLittle).
		String(0x0008, 0x0018, "UI", "1.2.3").
		Bytes()
	ar := newTestArchive()
	_, err := ar.Create(data, Fields{Title: "x"})
	mae, ok := err.(dicom.MissingAttributeError)
	if !ok || mae.Name != "Modality" {
		t.Fatalf("got %v, want missing Modality", err)
	}
}

func TestAddImage(t *testing.T) {
	ar := newTestArchive()
	c, err := ar.Create(image("1.1", "MR", "9.1", "SAG T1"), Fields{Title: "Glioma"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, data := range [][]byte{
		image("1.2", "MR", "9.1", "SAG T1"),
		image("1.3", "MR", "9.2", "AX FLAIR"),
		dicomtest.File(dicomtest.ImplicitLittle, "1.4", "MR"),
	} {
		c, err = ar.AddImage(c.ID, data)
		if err != nil {
			t.Fatalf("AddImage: %v", err)
		}
	}
	if !equalStrings(c.ImageIDs, []string{"1.1", "1.2", "1.3", "1.4"}) {
		t.Errorf("images %v", c.ImageIDs)
	}
	if len(c.Series) != 2 {
		t.Fatalf("series %+v", c.Series)
	}
	if c.Series[0].ID != "9.1" || c.Series[0].Number != 1 ||
		!equalStrings(c.Series[0].ImageIDs, []string{"1.1", "1.2"}) {
		t.Errorf("first series %+v", c.Series[0])
	}
	if c.Series[1].ID != "9.2" || c.Series[1].Number != 2 ||
		!equalStrings(c.Series[1].ImageIDs, []string{"1.3"}) {
		t.Errorf("second series %+v", c.Series[1])
	}

	// the modality comes from the first image and stays put
	c, err = ar.AddImage(c.ID, image("1.5", "CT", "", ""))
	if err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if c.Modality != "MR" {
		t.Errorf("modality %q after mixed add, want MR", c.Modality)
	}
}

func TestAddImageUnknownCase(t *testing.T) {
	ar := newTestArchive()
	_, err := ar.AddImage("nope", dicomtest.File(dicomtest.ExplicitLittle, "2.1", "CT"))
	if err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestAddImageTwice(t *testing.T) {
	// a retried ingest whose first document write actually landed appends
	// the image id a second time; both references resolve to one blob
	ar := newTestArchive()
	c, err := ar.Create(image("2.0", "US", "", ""), Fields{Title: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := image("2.1", "US", "", "")
	if _, err = ar.AddImage(c.ID, data); err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	c, err = ar.AddImage(c.ID, data)
	if err != nil {
		t.Fatalf("AddImage retry: %v", err)
	}
	if !equalStrings(c.ImageIDs, []string{"2.0", "2.1", "2.1"}) {
		t.Errorf("images %v", c.ImageIDs)
	}
	if got := readImage(t, ar, c.ID, "2.1"); !bytes.Equal(got, data) {
		t.Errorf("image bytes differ")
	}
	keys, _ := ar.Blobs.ListPrefix(imagePrefix(c.ID))
	if len(keys) != 2 {
		t.Errorf("blob keys %v, want one per distinct image", keys)
	}
}

func TestImageOwnership(t *testing.T) {
	ar := newTestArchive()
	a, err := ar.Create(image("10.1", "CT", "", ""), Fields{Title: "A"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := ar.Create(image("20.1", "CT", "", ""), Fields{Title: "B"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// one case's identifiers cannot pull another case's blob
	if _, _, err := ar.Image(b.ID, "10.1"); err != ErrImageNotInCase {
		t.Errorf("cross-case read: got %v, want ErrImageNotInCase", err)
	}
	if _, _, err := ar.Image(a.ID, "nope"); err != ErrImageNotInCase {
		t.Errorf("unknown image: got %v, want ErrImageNotInCase", err)
	}
	if _, _, err := ar.Image("missing", "10.1"); err != ErrNotFound {
		t.Errorf("unknown case: got %v, want ErrNotFound", err)
	}

	// a referenced image whose blob is gone is an integrity error
	ar.Blobs.Delete(BlobKey(a.ID, "10.1"))
	if _, _, err := ar.Image(a.ID, "10.1"); err != ErrNoBlob {
		t.Errorf("vanished blob: got %v, want ErrNoBlob", err)
	}
}

func TestList(t *testing.T) {
	ar := newTestArchive()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stamps := []time.Time{base, base.Add(time.Hour), base}
	ids := make([]string, len(stamps))
	for i, stamp := range stamps {
		c, err := ar.Create(dicomtest.File(dicomtest.ExplicitLittle, fmt.Sprintf("7.%d", i), "CR"),
			Fields{Title: "x"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		c.CreatedAt = stamp
		if err = ar.Meta.PutCase(c); err != nil {
			t.Fatalf("PutCase: %v", err)
		}
		ids[i] = c.ID
	}

	cl, err := ar.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(cl) != 3 {
		t.Fatalf("listed %d cases, want 3", len(cl))
	}
	// newest first, ties broken by id
	if cl[0].ID != ids[1] {
		t.Errorf("first listed %s, want %s", cl[0].ID, ids[1])
	}
	lo, hi := ids[0], ids[2]
	if lo > hi {
		lo, hi = hi, lo
	}
	if cl[1].ID != lo || cl[2].ID != hi {
		t.Errorf("tied cases listed %s, %s, want %s, %s", cl[1].ID, cl[2].ID, lo, hi)
	}
}

func TestAllocateRetry(t *testing.T) {
	ar := newTestArchive()
	for _, id := range []string{"taken-1", "taken-2"} {
		ar.Meta.PutCase(&Case{ID: id, Title: "occupied"})
	}
	next := []string{"taken-1", "taken-2", "fresh"}
	ar.newid = func() string {
		id := next[0]
		next = next[1:]
		return id
	}
	c, err := ar.Create(dicomtest.File(dicomtest.ExplicitLittle, "3.1", "CT"), Fields{Title: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.ID != "fresh" {
		t.Errorf("allocated %s, want fresh", c.ID)
	}
}

func TestAllocateExhausted(t *testing.T) {
	ar := newTestArchive()
	ar.Meta.PutCase(&Case{ID: "stuck", Title: "occupied"})
	ar.newid = func() string { return "stuck" }
	_, err := ar.Create(dicomtest.File(dicomtest.ExplicitLittle, "3.2", "CT"), Fields{Title: "x"})
	if err != ErrIDCollision {
		t.Fatalf("got %v, want ErrIDCollision", err)
	}
	keys, _ := ar.Blobs.ListPrefix("cases/")
	if len(keys) != 0 {
		t.Errorf("blobs written for failed create: %v", keys)
	}
}

// failingMeta wraps a MetadataStore and fails writes on demand.
type failingMeta struct {
	MetadataStore
	failPut bool
}

var errPutFailed = errors.New("document store down")

func (fm *failingMeta) PutCase(c *Case) error {
	if fm.failPut {
		return errPutFailed
	}
	return fm.MetadataStore.PutCase(c)
}

func TestCreateCompensation(t *testing.T) {
	blobs := store.NewMemory()
	meta := &failingMeta{MetadataStore: NewMemStore(), failPut: true}
	ar := NewArchive(blobs, meta)
	data := image("5.1", "CT", "", "")
	_, err := ar.Create(data, Fields{Title: "x"})
	if err == nil {
		t.Fatal("expected document write failure")
	}
	keys, _ := blobs.ListPrefix("cases/")
	if len(keys) != 0 {
		t.Errorf("orphaned blob survived: %v", keys)
	}

	// the retry, with the store healthy again, lands under a new id
	meta.failPut = false
	c, err := ar.Create(data, Fields{Title: "x"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := readImage(t, ar, c.ID, "5.1"); !bytes.Equal(got, data) {
		t.Errorf("image bytes differ after retry")
	}
}

func TestCompensationLogsOrphanKey(t *testing.T) {
	// the orphaned blob key is logged even when the compensating delete
	// succeeds, so a failed ingest always leaves a trail for the operator
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	blobs := store.NewMemory()
	meta := &failingMeta{MetadataStore: NewMemStore(), failPut: true}
	ar := NewArchive(blobs, meta)
	ar.newid = func() string { return "case-under-test" }
	_, err := ar.Create(image("5.5", "CT", "", ""), Fields{Title: "x"})
	if err == nil {
		t.Fatal("expected document write failure")
	}
	keys, _ := blobs.ListPrefix("cases/")
	if len(keys) != 0 {
		t.Fatalf("compensating delete did not run: %v", keys)
	}
	if !strings.Contains(buf.String(), BlobKey("case-under-test", "5.5")) {
		t.Errorf("orphan key not logged; log was %q", buf.String())
	}
}

func TestAddImageCompensation(t *testing.T) {
	blobs := store.NewMemory()
	meta := &failingMeta{MetadataStore: NewMemStore()}
	ar := NewArchive(blobs, meta)
	c, err := ar.Create(image("6.1", "CT", "", ""), Fields{Title: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// a new image's blob is rolled back when the document write fails
	meta.failPut = true
	if _, err = ar.AddImage(c.ID, image("6.2", "CT", "", "")); err == nil {
		t.Fatal("expected document write failure")
	}
	if _, _, err := blobs.Open(BlobKey(c.ID, "6.2")); err != store.ErrNotExist {
		t.Errorf("blob for failed add: %v, want ErrNotExist", err)
	}

	// re-ingesting an image the case already owns must not roll back the
	// blob the existing document still references
	if _, err = ar.AddImage(c.ID, image("6.1", "CT", "", "")); err == nil {
		t.Fatal("expected document write failure")
	}
	rac, _, err := blobs.Open(BlobKey(c.ID, "6.1"))
	if err != nil {
		t.Fatalf("owned blob rolled back: %v", err)
	}
	rac.Close()
}

func TestVerify(t *testing.T) {
	ar := newTestArchive()
	img1 := image("8.1", "CT", "", "")
	img2 := image("8.2", "CT", "", "")
	c, err := ar.Create(img1, Fields{Title: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err = ar.AddImage(c.ID, img2); err != nil {
		t.Fatalf("AddImage: %v", err)
	}

	rep, err := ar.Verify(c.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !rep.Healthy() {
		t.Fatalf("healthy case reported %+v", rep)
	}
	if rep.Checked != 2 {
		t.Errorf("checked %d, want 2", rep.Checked)
	}
	sum := sha256.Sum256(img1)
	if rep.Checksums["8.1"] != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum %s", rep.Checksums["8.1"])
	}

	// a stray blob under the case prefix is an orphan, a referenced blob
	// replaced with another instance's bytes is corrupt, and a missing
	// blob is reported rather than fatal
	add(t, ar.Blobs, BlobKey(c.ID, "8.9"), []byte("stray"))
	add(t, ar.Blobs, BlobKey(c.ID, "8.2"), dicomtest.File(dicomtest.ExplicitLittle, "9.9", "CT"))
	ar.Blobs.Delete(BlobKey(c.ID, "8.1"))

	rep, err = ar.Verify(c.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rep.Healthy() {
		t.Error("expected problems")
	}
	if !equalStrings(rep.Missing, []string{"8.1"}) {
		t.Errorf("missing %v", rep.Missing)
	}
	if !equalStrings(rep.Orphans, []string{"8.9"}) {
		t.Errorf("orphans %v", rep.Orphans)
	}
	if len(rep.Corrupt) != 1 || !strings.Contains(rep.Corrupt[0], "8.2") {
		t.Errorf("corrupt %v", rep.Corrupt)
	}
}

func TestVerifyChecksumMismatch(t *testing.T) {
	// a blob replaced by a different file carrying the right instance id
	// still scans cleanly, but fails against the ingest checksum
	ar := newTestArchive()
	c, err := ar.Create(image("8.5", "CT", "", ""), Fields{Title: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	add(t, ar.Blobs, BlobKey(c.ID, "8.5"), dicomtest.File(dicomtest.ExplicitLittle, "8.5", "CT"))

	rep, err := ar.Verify(c.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(rep.Corrupt) != 1 || !strings.Contains(rep.Corrupt[0], "checksum") {
		t.Errorf("corrupt %v", rep.Corrupt)
	}
}

func TestVerifyUnknownCase(t *testing.T) {
	ar := newTestArchive()
	if _, err := ar.Verify("nope"); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
