package server

import (
	"testing"
)

func TestQlMetadata(t *testing.T) {
	qs, err := NewQlStore("memory")
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	exerciseMetadataStore(t, qs)
}

func TestQlVerifyLog(t *testing.T) {
	qs, err := NewQlStore("memory")
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	exerciseVerifyLog(t, qs)
}
