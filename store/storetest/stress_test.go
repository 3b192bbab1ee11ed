package storetest

import (
	"testing"

	"github.com/radarchive/teachcase/store"
)

func TestMemoryStress(t *testing.T) {
	Stress(t, store.NewMemory(), 50*1000*1000)
}

func TestFileSystemStress(t *testing.T) {
	Stress(t, store.NewFileSystem(t.TempDir()), 50*1000*1000)
}
