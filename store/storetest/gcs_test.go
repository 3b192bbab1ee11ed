// +build gcs

package storetest

// Tests the GCS store against a real bucket. Credentials come from the
// usual GOOGLE_APPLICATION_CREDENTIALS discovery.
//
//    go test -tags=gcs -run GCS

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"

	"github.com/radarchive/teachcase/store"
)

func TestGCSStress(t *testing.T) {
	client, err := storage.NewClient(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	s := store.NewGCS(client, "teachcase-test", "stress/")
	Stress(t, s, 100*1000*1000)
}
