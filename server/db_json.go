package server

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/radarchive/teachcase/cases"
	"github.com/radarchive/teachcase/store"
)

// This file implements the case document store as JSON files kept on any
// store.Store, one document per case under the key "<case id>.json". It is
// for installs that would rather keep the documents next to the blobs, say
// under a second bucket prefix, than run a database. There is no
// verification log; sweep outcomes appear only in the process log.

type JSONStore struct {
	s store.Store
}

var _ cases.MetadataStore = JSONStore{}

// NewJSONStore keeps case documents as JSON values on s. Namespace s with
// store.NewWithPrefix if it is shared with anything else.
func NewJSONStore(s store.Store) JSONStore {
	return JSONStore{s: s}
}

func (js JSONStore) GetCase(id string) (*cases.Case, error) {
	r, _, err := js.s.Open(jsonKey(id))
	if err == store.ErrNotExist {
		return nil, cases.ErrNotFound
	}
	if err != nil {
		log.Printf("Case JSON: %s", err.Error())
		return nil, err
	}
	c := new(cases.Case)
	err = json.NewDecoder(store.NewReader(r)).Decode(c)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (js JSONStore) PutCase(c *cases.Case) error {
	w, err := js.s.Put(jsonKey(c.ID))
	if err != nil {
		log.Printf("Case JSON: %s", err.Error())
		return err
	}
	err = json.NewEncoder(w).Encode(c)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}

func (js JSONStore) AllCases() ([]*cases.Case, error) {
	keys, err := js.s.ListPrefix("")
	if err != nil {
		return nil, err
	}
	var result []*cases.Case
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		c, err := js.GetCase(strings.TrimSuffix(key, ".json"))
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}

func jsonKey(id string) string {
	return id + ".json"
}
