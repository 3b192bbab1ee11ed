package store

import (
	"context"
	"io"
	"io/ioutil"
	"log"
	"strings"

	"cloud.google.com/go/storage"
	raven "github.com/getsentry/raven-go"
	"google.golang.org/api/iterator"
)

// A GCS store keeps its values as objects in a Google Cloud Storage bucket.
// It parallels the S3 store: a prefix namespaces the keys so one bucket can
// hold several stores, and a size cache keeps attribute lookups off the
// network. The client is shared and stays owned by the caller.
type GCS struct {
	bucket *storage.BucketHandle
	Prefix string
	sizes  *sizecache
}

var (
	// make sure it implements the Store interface
	_ Store = &GCS{}
)

// NewGCS creates a store using the given bucket, prepending prefix to all
// keys.
func NewGCS(client *storage.Client, bucket, prefix string) *GCS {
	return &GCS{
		bucket: client.Bucket(bucket),
		Prefix: prefix,
		sizes:  newSizeCache(),
	}
}

// List returns a channel with all the keys in this store.
func (g *GCS) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		err := g.objects(g.Prefix, func(key string) { out <- key })
		if err != nil {
			log.Println("GCS List:", g.Prefix, err)
			raven.CaptureError(err, map[string]string{"Prefix": g.Prefix})
		}
	}()
	return out
}

// ListPrefix returns the keys in this store having the given prefix.
func (g *GCS) ListPrefix(prefix string) ([]string, error) {
	var result []string
	err := g.objects(g.Prefix+prefix, func(key string) { result = append(result, key) })
	if err != nil {
		log.Println("GCS ListPrefix:", g.Prefix+prefix, err)
		raven.CaptureError(err, map[string]string{"Prefix": g.Prefix + prefix})
	}
	return result, err
}

// objects calls f for every object under the given absolute prefix, with
// the store's Prefix already stripped off.
func (g *GCS) objects(prefix string, f func(key string)) error {
	it := g.bucket.Objects(context.Background(), &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		f(strings.TrimPrefix(attrs.Name, g.Prefix))
	}
}

// Open will return a ReadAtCloser to get the content for the given key.
// Data is paged in from the bucket as needed.
func (g *GCS) Open(key string) (ReadAtCloser, int64, error) {
	size, err := g.stat(key)
	if err != nil {
		return nil, 0, err
	}
	obj := g.bucket.Object(g.Prefix + key)
	return newPagedReader(size, func(offset, length int64) ([]byte, error) {
		return fetchObject(obj, offset, length)
	}), size, nil
}

// fetchObject does a ranged read against the bucket.
func fetchObject(obj *storage.ObjectHandle, offset, length int64) ([]byte, error) {
	r, err := obj.NewRangeReader(context.Background(), offset, length)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, ErrNotExist
		}
		return nil, err
	}
	defer r.Close()
	return ioutil.ReadAll(r)
}

// Put returns a writer uploading to the given key. The object becomes
// visible only once the writer is closed without error; the GCS client
// handles the chunked upload itself.
func (g *GCS) Put(key string) (io.WriteCloser, error) {
	w := g.bucket.Object(g.Prefix + key).NewWriter(context.Background())
	return &gcsWriter{w: w, key: key, sizes: g.sizes}, nil
}

// gcsWriter counts the bytes going to the bucket so the size cache can be
// updated when the upload completes.
type gcsWriter struct {
	w     *storage.Writer
	key   string
	sizes *sizecache
	size  int64
}

func (w *gcsWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *gcsWriter) Close() error {
	err := w.w.Close()
	if err != nil {
		log.Println("GCS Put:", w.key, err)
		raven.CaptureError(err, map[string]string{"Key": w.key})
		return err
	}
	w.sizes.Set(w.key, w.size)
	return nil
}

// Delete will remove the given key from the store. It is not an error to
// delete something that doesn't exist.
func (g *GCS) Delete(key string) error {
	err := g.bucket.Object(g.Prefix + key).Delete(context.Background())
	if err == storage.ErrObjectNotExist {
		err = nil
	}
	if err != nil {
		log.Println("GCS Delete:", g.Prefix, key, err)
		raven.CaptureError(err, map[string]string{"Key": g.Prefix + key})
		return err
	}
	g.sizes.Set(key, sizeDeleted)
	return nil
}

// stat returns the size of a key, or ErrNotExist. Sizes are cached as we
// see them.
func (g *GCS) stat(key string) (int64, error) {
	return g.sizes.Get(key, g.stat0)
}

func (g *GCS) stat0(key string) (int64, error) {
	attrs, err := g.bucket.Object(g.Prefix + key).Attrs(context.Background())
	if err == storage.ErrObjectNotExist {
		return sizeDeleted, nil
	}
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}
