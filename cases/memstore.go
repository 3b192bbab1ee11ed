package cases

import "sync"

// MemStore is an in-memory MetadataStore. It backs tests and scratch
// servers where nothing needs to survive a restart.
type MemStore struct {
	m     sync.RWMutex
	cases map[string]*Case
}

var _ MetadataStore = &MemStore{}

// NewMemStore returns an empty in-memory metadata store.
func NewMemStore() *MemStore {
	return &MemStore{cases: make(map[string]*Case)}
}

func (ms *MemStore) GetCase(id string) (*Case, error) {
	ms.m.RLock()
	c, ok := ms.cases[id]
	ms.m.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (ms *MemStore) PutCase(c *Case) error {
	ms.m.Lock()
	ms.cases[c.ID] = c.Clone()
	ms.m.Unlock()
	return nil
}

func (ms *MemStore) AllCases() ([]*Case, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	result := make([]*Case, 0, len(ms.cases))
	for _, c := range ms.cases {
		result = append(result, c.Clone())
	}
	return result, nil
}
