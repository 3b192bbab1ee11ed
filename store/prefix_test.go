package store

import (
	"sort"
	"testing"
)

func TestPrefixSmoke(t *testing.T) {
	var memoryitems = []string{
		"other/qwerty",
		"z/abc.dcm",
		"z/zed.dcm",
	}
	var prefixlists = []struct {
		input  string
		result []string
	}{
		{"", []string{"abc.dcm", "zed.dcm"}},
		{"a", []string{"abc.dcm"}},
		{"b", []string{}},
		{"z", []string{"zed.dcm"}},
	}
	m := NewMemory()
	ps := NewWithPrefix(m, "z/")

	add(t, ps, "abc.dcm", "text 1")
	add(t, ps, "zed.dcm", "text 2")

	// add one to the memory store outside the prefix
	add(t, m, "other/qwerty", "text 3")

	for _, test := range prefixlists {
		t.Logf("doing prefix '%s'", test.input)
		ids, err := ps.ListPrefix(test.input)
		if err != nil {
			t.Errorf("Received error %s", err.Error())
		}
		sort.Strings(ids)
		if !equal(ids, test.result) {
			t.Errorf("Received ids %v", ids)
		}
	}

	// the prefixed keys don't leak into unprefixed reads
	if s := slurp(t, m, "z/abc.dcm"); s != "text 1" {
		t.Errorf("Got %s", s)
	}
	ids, err := m.ListPrefix("")
	if err != nil {
		t.Errorf("Received error %s", err.Error())
	}
	sort.Strings(ids)
	if !equal(ids, memoryitems) {
		t.Errorf("Received ids %v", ids)
	}
}

func add(t *testing.T, s Store, id string, data string) {
	t.Helper()
	w, err := s.Put(id)
	if err != nil {
		t.Fatalf("Couldn't make %s, %s", id, err.Error())
	}
	_, err = w.Write([]byte(data))
	if err != nil {
		t.Fatalf("Couldn't make %s, %s", id, err.Error())
	}
	err = w.Close()
	if err != nil {
		t.Fatalf("Couldn't make %s, %s", id, err.Error())
	}
}
