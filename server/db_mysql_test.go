// +build integration

package server

import (
	"flag"
	"testing"
)

// Needs a MySQL server to talk to. Run with
//
//	go test -tags=integration -mysql "user:pass@tcp(localhost:3306)/test"
//
// The battery leaves rows behind, so point it at a scratch database.

var dialmysql = flag.String("mysql", "/test", "Dial for mysql")

func TestMySQLMetadata(t *testing.T) {
	ms, err := NewMysqlStore(*dialmysql)
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	exerciseMetadataStore(t, ms)
}

func TestMySQLVerifyLog(t *testing.T) {
	ms, err := NewMysqlStore(*dialmysql)
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	exerciseVerifyLog(t, ms)
}
