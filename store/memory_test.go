package store

import (
	"io/ioutil"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()

	_, _, err := m.Open("cases/1/images/1.dcm")
	if err != ErrNotExist {
		t.Errorf("Open of missing key: got %v, expected ErrNotExist", err)
	}

	add(t, m, "cases/1/images/1.dcm", "first")
	add(t, m, "cases/1/images/2.dcm", "second")
	if s := slurp(t, m, "cases/1/images/1.dcm"); s != "first" {
		t.Errorf("Got %s, expected first", s)
	}

	// an overwrite replaces the whole value
	add(t, m, "cases/1/images/1.dcm", "replaced")
	if s := slurp(t, m, "cases/1/images/1.dcm"); s != "replaced" {
		t.Errorf("Got %s, expected replaced", s)
	}

	// a writer that is never closed commits nothing
	w, err := m.Put("cases/1/images/3.dcm")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("lost"))
	if _, _, err := m.Open("cases/1/images/3.dcm"); err != ErrNotExist {
		t.Errorf("Got %v, expected ErrNotExist", err)
	}

	// deletes don't error on missing keys
	if err := m.Delete("cases/1/images/1.dcm"); err != nil {
		t.Error(err)
	}
	if err := m.Delete("cases/1/images/1.dcm"); err != nil {
		t.Error(err)
	}
	if _, _, err := m.Open("cases/1/images/1.dcm"); err != ErrNotExist {
		t.Errorf("Got %v, expected ErrNotExist", err)
	}
}

func TestMemoryList(t *testing.T) {
	m := NewMemory()
	add(t, m, "cases/a/images/1.dcm", "1")
	add(t, m, "cases/a/images/2.dcm", "2")
	add(t, m, "cases/b/images/1.dcm", "3")

	ids, err := m.ListPrefix("cases/a/")
	if err != nil {
		t.Fatal(err)
	}
	expected := []string{"cases/a/images/1.dcm", "cases/a/images/2.dcm"}
	if !equal(ids, expected) {
		t.Errorf("Got %v, expected %v", ids, expected)
	}

	var all []string
	for key := range m.List() {
		all = append(all, key)
	}
	if len(all) != 3 {
		t.Errorf("List gave %v", all)
	}
}

// slurp reads back the entire value stored under key.
func slurp(t *testing.T, s Store, key string) string {
	t.Helper()
	rac, size, err := s.Open(key)
	if err != nil {
		t.Fatalf("Open(%s): %s", key, err.Error())
	}
	defer rac.Close()
	data, err := ioutil.ReadAll(NewReader(rac))
	if err != nil {
		t.Fatalf("Read(%s): %s", key, err.Error())
	}
	if int64(len(data)) != size {
		t.Errorf("Open(%s) gave size %d, read %d bytes", key, size, len(data))
	}
	return string(data)
}
