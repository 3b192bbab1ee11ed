package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	raven "github.com/getsentry/raven-go"
)

// An S3 store keeps its values as objects in an S3 bucket, either on AWS or
// on anything speaking the same protocol, such as Minio.
// Do not change Bucket or Prefix concurrently with calls using the structure.
type S3 struct {
	svc    *s3.S3
	Bucket string
	Prefix string
	sizes  *sizecache // keep HEAD info
}

var (
	// make sure it implements the Store interface
	_ Store = &S3{}

	// ErrNoETag means AWS accepted an upload part but returned no ETag
	// for it, so the upload cannot be completed.
	ErrNoETag = errors.New("no ETag was returned from AWS")
)

// NewS3 creates a new S3 store. It will use the given bucket and will
// prepend prefix to all keys. This is to allow for a bucket to be used for
// more than one store. For example if prefix were "cache/" then an
// Open("hello") would look for the key "cache/hello" in the bucket. The
// authorization method and credentials in the session are used for all
// accesses.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	return &S3{
		Bucket: bucket,
		Prefix: prefix,
		svc:    s3.New(awsSession),
		sizes:  newSizeCache(),
	}
}

// List returns a channel with all the keys in this store. Only keys under
// the store's Prefix are returned, so it is safe to use this on a bucket
// containing other items.
func (s *S3) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		err := s.pages(s.Prefix, func(key string) { out <- key })
		if err != nil {
			log.Println("S3 List:", s.Bucket, s.Prefix, err)
			raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix})
		}
	}()
	return out
}

// ListPrefix returns the keys in this store having the given prefix.
// The argument prefix is added to the store's Prefix.
func (s *S3) ListPrefix(prefix string) ([]string, error) {
	var result []string
	err := s.pages(s.Prefix+prefix, func(key string) { result = append(result, key) })
	if err != nil {
		log.Println("S3 ListPrefix:", s.Bucket, s.Prefix+prefix, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix + prefix})
	}
	return result, err
}

// pages calls f for every key in the bucket under the given absolute
// prefix, with the store's Prefix already stripped off.
func (s *S3) pages(prefix string, f func(key string)) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(prefix),
	}
	return s.svc.ListObjectsV2Pages(input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				f(strings.TrimPrefix(*item.Key, s.Prefix))
			}
			return !lastpage
		})
}

// Open will return a ReadAtCloser to get the content for the given key.
// Data is paged in from S3 as needed.
func (s *S3) Open(key string) (ReadAtCloser, int64, error) {
	// check that the key exists, and if so get its size
	size, err := s.stat(key)
	if err != nil {
		return nil, 0, err
	}
	fullkey := s.Prefix + key
	return newPagedReader(size, func(offset, length int64) ([]byte, error) {
		return s.fetch(fullkey, offset, length)
	}), size, nil
}

// fetch does a ranged GET against the bucket.
func (s *S3) fetch(fullkey string, offset, length int64) ([]byte, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(fullkey),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	}
	output, err := s.svc.GetObject(input)
	if err != nil {
		// asking past the end of the object comes back as an
		// invalid range response
		if e, ok := err.(awserr.RequestFailure); ok &&
			e.StatusCode() == http.StatusRequestedRangeNotSatisfiable {
			return nil, io.EOF
		}
		log.Println("S3 fetch:", fullkey, offset, err)
		return nil, err
	}
	defer output.Body.Close()
	var buf bytes.Buffer
	_, err = io.Copy(&buf, output.Body)
	return buf.Bytes(), err
}

// Put returns a writer uploading to the given key. See s3Writer for how the
// upload is performed.
func (s *S3) Put(key string) (io.WriteCloser, error) {
	return &s3Writer{
		svc:    s.svc,
		bucket: s.Bucket,
		key:    s.Prefix + key,
		rawkey: key,
		sizes:  s.sizes,
	}, nil
}

// Delete will remove the given key from the store. The store's Prefix is
// prepended first. It is not an error to delete something that doesn't
// exist.
func (s *S3) Delete(key string) error {
	_, err := s.svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		log.Println("S3 Delete:", s.Prefix, key, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Key": s.Prefix + key})
		return err
	}
	s.sizes.Set(key, sizeDeleted)
	return nil
}

// stat returns the size of a key, or ErrNotExist. Sizes are cached as we
// see them, which drastically cuts down on the number of HEAD requests.
func (s *S3) stat(key string) (int64, error) {
	return s.sizes.Get(key, s.stat0)
}

// stat0 implements the actual HEAD request to S3. You probably want to
// call stat().
func (s *S3) stat0(key string) (int64, error) {
	info, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if e, ok := err.(awserr.RequestFailure); ok &&
			e.StatusCode() == http.StatusNotFound {
			return sizeDeleted, nil
		}
		return 0, err
	}
	return *info.ContentLength, nil
}

// s3Writer does an upload to S3. If the entire value fits into one part
// buffer it is sent with a single PUT. Otherwise the multipart interface is
// used with fixed size parts. The part size clears the 5 MB floor AWS
// imposes and keeps even a large image series to a handful of requests;
// values up to 10000 parts (the AWS cap) are possible.
//
// Any error while writing or closing causes the whole upload to be
// abandoned, so no partial value is ever visible under the key.
type s3Writer struct {
	svc      *s3.S3
	bucket   string
	key      string // key in the bucket, including the store prefix
	rawkey   string // key as the caller gave it, for the size cache
	sizes    *sizecache
	buf      *bytes.Buffer // current part being filled
	size     int64         // total bytes written
	uploadID string        // set once a multipart upload has started
	parts    []*s3.CompletedPart
	err      error // sticky error; set means abort at Close
}

const s3PartSize = 16 * 1024 * 1024

// s3BufPool holds spare part buffers, shared between all uploads.
var s3BufPool sync.Pool

func (wc *s3Writer) Write(p []byte) (int, error) {
	if wc.err != nil {
		return 0, wc.err
	}
	if wc.buf == nil {
		wc.buf = getbuf()
	}
	n, _ := wc.buf.Write(p) // (*bytes.Buffer).Write never errors
	wc.size += int64(n)
	if wc.buf.Len() >= s3PartSize {
		wc.err = wc.uploadpart()
		if wc.err != nil {
			return 0, wc.err
		}
	}
	return n, nil
}

// Close sends anything remaining in the buffer and completes the upload.
// If any error happened, now or during a Write, the upload is aborted
// instead and the error returned.
func (wc *s3Writer) Close() error {
	if wc.buf != nil {
		defer func() {
			s3BufPool.Put(wc.buf)
			wc.buf = nil
		}()
	}
	if wc.err != nil {
		wc.abort()
		return wc.err
	}
	if wc.uploadID == "" {
		// everything fit in the buffer, so one PUT is enough
		wc.err = wc.uploadfull()
	} else {
		if wc.buf != nil && wc.buf.Len() > 0 {
			wc.err = wc.uploadpart()
		}
		if wc.err == nil {
			wc.err = wc.finish()
		}
		if wc.err != nil {
			wc.abort()
		}
	}
	if wc.err != nil {
		raven.CaptureError(wc.err, map[string]string{"Bucket": wc.bucket, "Key": wc.key})
		return wc.err
	}
	wc.sizes.Set(wc.rawkey, wc.size)
	return nil
}

func getbuf() *bytes.Buffer {
	b, ok := s3BufPool.Get().(*bytes.Buffer)
	if !ok {
		b = &bytes.Buffer{}
	}
	b.Reset()
	return b
}

// uploadpart sends the current buffer as the next part, starting the
// multipart upload if this is the first one.
func (wc *s3Writer) uploadpart() error {
	if wc.uploadID == "" {
		result, err := wc.svc.CreateMultipartUpload(&s3.CreateMultipartUploadInput{
			Bucket: aws.String(wc.bucket),
			Key:    aws.String(wc.key),
		})
		if err != nil {
			log.Println("S3 start multipart:", wc.key, err)
			return err
		}
		wc.uploadID = *result.UploadId
	}
	partno := int64(len(wc.parts) + 1) // parts are 1-based in AWS
	output, err := wc.svc.UploadPart(&s3.UploadPartInput{
		Body:       bytes.NewReader(wc.buf.Bytes()), // need Seek()
		Bucket:     aws.String(wc.bucket),
		Key:        aws.String(wc.key),
		PartNumber: aws.Int64(partno),
		UploadId:   aws.String(wc.uploadID),
	})
	if err != nil {
		log.Println("S3 uploadpart:", wc.key, partno, err)
		return err
	}
	if output.ETag == nil {
		log.Println("S3 nil ETag for part", partno, "key=", wc.key)
		return ErrNoETag
	}
	wc.parts = append(wc.parts, &s3.CompletedPart{
		ETag:       output.ETag,
		PartNumber: aws.Int64(partno),
	})
	wc.buf.Reset()
	return nil
}

func (wc *s3Writer) uploadfull() error {
	// wc.buf is nil when we are closed without any calls to Write()
	source := &bytes.Reader{} // need Seek(), and bytes.Buffer doesn't have it
	if wc.buf != nil {
		source.Reset(wc.buf.Bytes())
	}
	_, err := wc.svc.PutObject(&s3.PutObjectInput{
		Body:          source,
		Bucket:        aws.String(wc.bucket),
		Key:           aws.String(wc.key),
		ContentLength: aws.Int64(int64(source.Len())),
	})
	if err != nil {
		log.Println("S3 uploadfull:", wc.key, err)
	}
	return err
}

func (wc *s3Writer) finish() error {
	_, err := wc.svc.CompleteMultipartUpload(&s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(wc.bucket),
		Key:      aws.String(wc.key),
		UploadId: aws.String(wc.uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{
			Parts: wc.parts,
		},
	})
	return err
}

func (wc *s3Writer) abort() {
	if wc.uploadID == "" {
		return
	}
	_, err := wc.svc.AbortMultipartUpload(&s3.AbortMultipartUploadInput{
		Bucket:   aws.String(wc.bucket),
		Key:      aws.String(wc.key),
		UploadId: aws.String(wc.uploadID),
	})
	if err != nil {
		log.Println("S3 abort:", wc.key, err)
	}
}
