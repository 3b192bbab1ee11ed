package main

import (
	"context"
	"errors"
	"log"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	gcstorage "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/radarchive/teachcase/server"
	"github.com/radarchive/teachcase/store"
)

// splitBucketPrefix will take a path and separate the bucket name from a prefix, if any.
// It will also append "addition" to the prefix, and make sure the prefix returned is
// either empty or ends with a slash "/".
//
// examples:
// 		"" -> ("", "")
//		"bucket" -> ("bucket", "")
//		"bucket/and/a/prefix" -> ("bucket", "and/a/prefix/")
func splitBucketPrefix(location string, addition string) (bucket, prefix string) {
	if location == "" {
		return
	}
	location = strings.TrimPrefix(location, "/")
	v := strings.SplitN(location, "/", 2)
	bucket = v[0]
	if len(v) > 1 {
		prefix = v[1]
	}
	if addition != "" {
		prefix = path.Join(prefix, addition)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	return
}

// parselocation will create an appropriate blob store based on "location".
// In case of an error, nil is returned.
// If location is empty, a memory store is returned.
// It understands the special schemes "s3:" and "gs:".
func parselocation(location string, addition string) store.Store {
	if location == "" {
		return store.NewMemory()
	}
	u, _ := url.Parse(location)
	switch u.Scheme {
	case "", "file":
		path := filepath.Join(u.Path, addition)
		os.MkdirAll(path, 0755)
		return store.NewFileSystem(path)
	case "s3":
		conf := &aws.Config{}
		if u.Host != "" {
			conf.Endpoint = aws.String(u.Host)
			conf.Region = aws.String("us-east-1")
			// disable SSL for local development
			if strings.Contains(u.Host, "localhost") {
				conf.DisableSSL = aws.Bool(true)
				conf.S3ForcePathStyle = aws.Bool(true)
			}
		}
		bucket, prefix := splitBucketPrefix(u.Path, addition)
		if bucket == "" {
			log.Println("Error parsing location, no bucket name", location)
			return nil
		}
		return store.NewS3(bucket, prefix, session.New(conf))
	case "gs":
		// credentials come from the usual GOOGLE_APPLICATION_CREDENTIALS
		client, err := gcstorage.NewClient(context.Background())
		if err != nil {
			log.Println("Error creating GCS client:", err)
			return nil
		}
		bucket, prefix := splitBucketPrefix(u.Path, addition)
		if bucket == "" {
			log.Println("Error parsing location, no bucket name", location)
			return nil
		}
		return store.NewGCS(client, bucket, prefix)
	}
	// there was some kind of error. Return a Memory store? or fail?
	log.Println("Problem parsing location", location)
	return nil
}

// setmetadata points the server at the case document database named by
// location. An empty location leaves the choice to the server, which uses
// its internal database. Understood forms:
//
//	ql:/path/to/database.ql
//	mysql:user:password@tcp(host:port)/dbname
//	dynamodb:tablename
//	json:<blob store location>
//
// The json form keeps the documents as JSON files in a second blob store,
// which parselocation decides how to open. With no location at all, as in
// plain "json:", the documents live in the main blob store under the
// prefix "metadata/". Set the blob store before calling.
func setmetadata(s *server.RESTServer, location string) error {
	if location == "" {
		return nil
	}
	v := strings.SplitN(location, ":", 2)
	rest := ""
	if len(v) > 1 {
		rest = v[1]
	}
	switch v[0] {
	case "ql":
		db, err := server.NewQlStore(rest)
		if err != nil {
			return err
		}
		s.Metadata = db
		s.VerifyLog = db
	case "mysql":
		s.MySQL = rest
	case "dynamodb":
		s.DynamoDB = rest
	case "json":
		var inner store.Store
		if rest == "" {
			if s.BlobStore == nil {
				return errBadLocation
			}
			inner = store.NewWithPrefix(s.BlobStore, "metadata/")
		} else {
			inner = parselocation(rest, "")
			if inner == nil {
				return errBadLocation
			}
		}
		s.Metadata = server.NewJSONStore(inner)
	default:
		log.Println("Problem parsing metadata location", location)
		return errBadLocation
	}
	return nil
}

var errBadLocation = errors.New("cannot parse location")
