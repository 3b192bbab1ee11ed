package server

import (
	"testing"

	"github.com/radarchive/teachcase/store"
)

func TestJSONMetadata(t *testing.T) {
	exerciseMetadataStore(t, NewJSONStore(store.NewMemory()))
}

func TestJSONMetadataIgnoresStrays(t *testing.T) {
	// non-document keys sharing the store do not break the listing
	s := store.NewMemory()
	w, _ := s.Put("CACHE-LIST")
	w.Write([]byte("not a document"))
	w.Close()

	js := NewJSONStore(s)
	all, err := js.AllCases()
	if err != nil {
		t.Fatalf("AllCases: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("listed %d cases from stray keys", len(all))
	}
}
