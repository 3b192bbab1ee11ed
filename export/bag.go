// Package export serializes a teaching case as a BagIt style zip bag: the
// case document, the raw image files, and a checksum manifest, so a case
// can be handed to another system or archived offline as one file. The
// zip entries are not compressed, since the image payloads do not
// compress usefully. Bags are written in one streaming pass with no
// temporary files.
//
// Only writing is implemented. Bags are an interchange format here;
// nothing reads them back in.
//
// The BagIt spec can be found at https://tools.ietf.org/html/draft-kunze-bagit-11.
package export

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/radarchive/teachcase/cases"
	"github.com/radarchive/teachcase/store"
	"github.com/radarchive/teachcase/util"
)

// BagItVersion is the version of the BagIt specification written.
const BagItVersion = "0.97"

// Bag writes the given case to out as a zip bag. The bag holds
// data/case.json, one data/<image id>.dcm entry per referenced image,
// bag-info.txt carrying the case's headline fields, and SHA-256 manifests
// for the payload and tag files. An image without a backing blob aborts
// the bag mid-stream with cases.ErrNoBlob.
func Bag(out io.Writer, ar *cases.Archive, caseID string) error {
	c, err := ar.Case(caseID)
	if err != nil {
		return err
	}
	w := NewWriter(out, "case-"+caseID)
	w.SetTag("Case-Id", c.ID)
	w.SetTag("Case-Title", c.Title)
	w.SetTag("Case-Modality", c.Modality)

	f, err := w.Create("case.json")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	err = enc.Encode(c)
	if err != nil {
		return err
	}

	for _, imageID := range c.AllImageIDs() {
		rac, _, err := ar.Image(caseID, imageID)
		if err != nil {
			return err
		}
		f, err = w.Create(imageID + ".dcm")
		if err == nil {
			_, err = io.Copy(f, store.NewReader(rac))
		}
		rac.Close()
		if err != nil {
			return err
		}
	}
	return w.Close()
}

// Writer assembles a bag file. When it is closed, the tag files and the
// manifests are written out.
type Writer struct {
	z        *zip.Writer
	dirname  string            // directory the bag unserializes into, with trailing slash
	tags     map[string]string // contents of bag-info.txt
	manifest map[string]string // file name -> hex sha256
	hw       *util.HashWriter  // hashes the entry currently being written
	hwname   string
	ns       int   // number of payload files
	sz       int64 // total payload size in bytes
}

// NewWriter creates a bag writer which serializes itself to w. Use name to
// set the directory name the bag will unserialize into, as required by the
// spec. Closing the bag writer does not close w.
func NewWriter(w io.Writer, name string) *Writer {
	return &Writer{
		z:        zip.NewWriter(w),
		dirname:  name + "/",
		tags:     make(map[string]string),
		manifest: make(map[string]string),
	}
}

// SetTag adds the given tag to the bag-info.txt file. The writer adds the
// tags "Payload-Oxum", "Bagging-Date", and "Bag-Size" itself.
func (w *Writer) SetTag(tag, content string) {
	w.tags[tag] = content
}

// Create starts a new payload file inside the bag's "data/" directory.
// The returned writer is valid until the next call to Create or Close.
func (w *Writer) Create(name string) (io.Writer, error) {
	out, err := w.create("data/" + name)
	if err != nil {
		return nil, err
	}
	w.ns++
	return &countWriter{w: out, count: &w.sz}, nil
}

// create starts any file, not just payload ones.
func (w *Writer) create(name string) (io.Writer, error) {
	w.closeEntry()
	header := zip.FileHeader{
		Name:   w.dirname + name,
		Method: zip.Store,
	}
	header.SetModTime(time.Now())
	out, err := w.z.CreateHeader(&header)
	if err != nil {
		return nil, err
	}
	w.hw = util.NewHashWriter(out)
	w.hwname = name
	return w.hw, nil
}

// closeEntry records the checksum for the entry being written, if there is
// one.
func (w *Writer) closeEntry() {
	if w.hw != nil {
		w.manifest[w.hwname] = w.hw.SumHex()
		w.hw = nil
	}
}

// Close writes the bookkeeping files and finishes the zip stream. It does
// not close the io.Writer given to NewWriter.
func (w *Writer) Close() error {
	w.tags["Payload-Oxum"] = fmt.Sprintf("%d.%d", w.sz, w.ns)
	w.tags["Bagging-Date"] = time.Now().Format("2006-01-02")
	w.tags["Bag-Size"] = humansize(w.sz)

	// If Close is called after a write error, this first call will also
	// fail with an error.
	err := w.writeTags()
	if err != nil {
		return err
	}
	w.writeManifest(false)
	w.writeManifest(true)
	w.closeEntry()
	return w.z.Close()
}

func (w *Writer) writeTags() error {
	out, err := w.create("bagit.txt")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "BagIt-Version: %s\n", BagItVersion)
	fmt.Fprintf(out, "Tag-File-Character-Encoding: UTF-8\n")

	out, err = w.create("bag-info.txt")
	if err != nil {
		return err
	}
	for _, k := range sortedKeys(w.tags) {
		fmt.Fprintf(out, "%s: %s\n", k, w.tags[k])
	}
	return nil
}

// writeManifest writes either the payload manifest or the tag manifest.
// Payload files are the ones under "data/"; everything else written so
// far, the manifest file for the payloads included, goes into the tag
// manifest.
func (w *Writer) writeManifest(istag bool) {
	w.closeEntry()
	var names []string
	for fname := range w.manifest {
		if istag == strings.HasPrefix(fname, "data/") {
			continue
		}
		names = append(names, fname)
	}
	if len(names) == 0 {
		return
	}
	sort.Strings(names)
	mname := "manifest-sha256.txt"
	if istag {
		mname = "tagmanifest-sha256.txt"
	}
	out, err := w.create(mname)
	if err != nil {
		return
	}
	for _, fname := range names {
		// the two spaces match the GNU sha256sum output format
		fmt.Fprintf(out, "%s  %s\n", w.manifest[fname], fname)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// countWriter is an io.Writer that counts the number of bytes written to
// it.
type countWriter struct {
	w     io.Writer
	count *int64
}

func (w *countWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	*w.count += int64(n)
	return n, err
}

// Metric constants for humansize. Lowercased so as to be unexported.
const (
	kb int64 = 1000
	mb       = 1000 * kb
	gb       = 1000 * mb
	tb       = 1000 * gb
)

func humansize(size int64) string {
	var units string
	switch {
	case size < kb:
		units = "Bytes"
	case size < mb:
		size /= kb
		units = "KB"
	case size < gb:
		size /= mb
		units = "MB"
	case size < tb:
		size /= gb
		units = "GB"
	default:
		size /= tb
		units = "TB"
	}
	return fmt.Sprintf("%d %s", size, units)
}
