// tcmigrate copies a teaching case archive between storage locations: the
// image blobs between two blob stores, the case documents between two case
// databases, or both at once. It is for moving an archive onto new
// storage, say from local disk into an S3 bucket, without going through a
// running server.
//
// Locations use the same grammar the teachcase server uses. Blob stores:
//
//	/path/to/directory
//	s3://host/bucket/prefix/
//	gs:/bucket/prefix/
//
// Case databases:
//
//	ql:/path/to/database.ql
//	mysql:user:password@tcp(host:port)/dbname
//	dynamodb:tablename
//	json:<blob store location>
//
// Example command line:
//
//	$ tcmigrate -n 8 \
//		-src-storage /mnt/teachcase -dst-storage s3:/teachcase-blobs \
//		-src-metadata ql:/var/db/teachcase.ql -dst-metadata mysql:/teachcase
//
// A blob already on the target with the source's size is not copied again,
// so an interrupted run is safe to restart. The verification history is
// not copied; the next sweep over the target rebuilds it.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/radarchive/teachcase/cases"
	"github.com/radarchive/teachcase/server"
	"github.com/radarchive/teachcase/store"
	"github.com/radarchive/teachcase/util"
)

var (
	srcstorage = flag.String("src-storage", "", "blob store to copy from")
	dststorage = flag.String("dst-storage", "", "blob store to copy to")
	srcmd      = flag.String("src-metadata", "", "case database to copy from")
	dstmd      = flag.String("dst-metadata", "", "case database to copy to")
	ncopy      = flag.Int("n", 4, "number of blob copies in flight")
)

func main() {
	flag.Parse()

	dostorage := *srcstorage != "" || *dststorage != ""
	dometadata := *srcmd != "" || *dstmd != ""
	if !dostorage && !dometadata {
		log.Fatalln("USAGE: tcmigrate [-src-storage FROM -dst-storage TO] [-src-metadata FROM -dst-metadata TO]")
	}
	if dostorage && (*srcstorage == "" || *dststorage == "") {
		log.Fatalln("need both -src-storage and -dst-storage")
	}
	if dometadata && (*srcmd == "" || *dstmd == "") {
		log.Fatalln("need both -src-metadata and -dst-metadata")
	}

	if dometadata {
		copymetadata(*srcmd, *dstmd)
	}
	if dostorage {
		copyblobs(*srcstorage, *dststorage)
	}
}

func copymetadata(src, dst string) {
	source, err := openmetadata(src)
	if err != nil {
		log.Fatalln(src, err)
	}
	target, err := openmetadata(dst)
	if err != nil {
		log.Fatalln(dst, err)
	}

	list, err := source.AllCases()
	if err != nil {
		log.Fatalln(err)
	}
	log.Println("Found", len(list), "cases")
	for _, c := range list {
		err = target.PutCase(c)
		if err != nil {
			log.Fatalln(c.ID, err)
		}
	}
	log.Println("Copied", len(list), "cases")
}

func copyblobs(src, dst string) {
	source := parselocation(src)
	target := parselocation(dst)
	if source == nil || target == nil {
		os.Exit(1)
	}

	keys, err := source.ListPrefix("")
	if err != nil {
		log.Fatalln(err)
	}
	log.Println("Found", len(keys), "blobs")

	var wg sync.WaitGroup
	gate := util.NewGate(*ncopy)
	for _, key := range keys {
		key := key
		wg.Add(1)
		go func() {
			gate.Enter()
			copyblob(source, target, key)
			gate.Leave()
			wg.Done()
		}()
	}
	wg.Wait()
}

func copyblob(source, target store.Store, key string) {
	r, size, err := source.Open(key)
	if err != nil {
		log.Println(key, err)
		return
	}
	defer r.Close()

	if tr, tsize, err := target.Open(key); err == nil {
		tr.Close()
		if tsize == size {
			return
		}
	}

	w, err := target.Put(key)
	if err != nil {
		log.Println(key, err)
		return
	}
	_, err = io.Copy(w, store.NewReader(r))
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Println(key, err)
		return
	}
	log.Println("Copied", key, size, "bytes")
}

// openmetadata connects to the case database named by location, using the
// same forms setmetadata in the server command accepts.
func openmetadata(location string) (cases.MetadataStore, error) {
	v := strings.SplitN(location, ":", 2)
	rest := ""
	if len(v) > 1 {
		rest = v[1]
	}
	switch v[0] {
	case "ql":
		return server.NewQlStore(rest)
	case "mysql":
		return server.NewMysqlStore(rest)
	case "dynamodb":
		return server.NewDynamoStore(rest, nil)
	case "json":
		inner := parselocation(rest)
		if inner == nil {
			return nil, errBadLocation
		}
		return server.NewJSONStore(inner), nil
	}
	return nil, errBadLocation
}

var errBadLocation = errors.New("cannot parse location")

// parselocation opens the blob store named by location. It accepts what
// the teachcase server accepts, except an empty location is an error here
// rather than a memory store.
func parselocation(location string) store.Store {
	if location == "" {
		log.Println("missing storage location")
		return nil
	}
	u, _ := url.Parse(location)
	switch u.Scheme {
	case "", "file":
		os.MkdirAll(u.Path, 0755)
		return store.NewFileSystem(u.Path)
	case "s3":
		conf := &aws.Config{}
		if u.Host != "" {
			conf.Endpoint = aws.String(u.Host)
			conf.Region = aws.String("us-east-1")
			if strings.Contains(u.Host, "localhost") {
				conf.DisableSSL = aws.Bool(true)
				conf.S3ForcePathStyle = aws.Bool(true)
			}
		}
		bucket, prefix := splitBucketPrefix(u.Path)
		if bucket == "" {
			log.Println("Error parsing location, no bucket name", location)
			return nil
		}
		return store.NewS3(bucket, prefix, session.New(conf))
	case "gs":
		client, err := storage.NewClient(context.Background())
		if err != nil {
			log.Println("Error creating GCS client:", err)
			return nil
		}
		bucket, prefix := splitBucketPrefix(u.Path)
		if bucket == "" {
			log.Println("Error parsing location, no bucket name", location)
			return nil
		}
		return store.NewGCS(client, bucket, prefix)
	}
	log.Println("Problem parsing location", location)
	return nil
}

func splitBucketPrefix(location string) (bucket, prefix string) {
	if location == "" {
		return
	}
	location = strings.TrimPrefix(location, "/")
	v := strings.SplitN(location, "/", 2)
	bucket = v[0]
	if len(v) > 1 {
		prefix = v[1]
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	return
}
