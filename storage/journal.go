package storage

import "sync"

// Journal is a write-buffering overlay over a Database. Reads fall through to
// the backing store unless the key was written in this journal; writes stay
// buffered until Commit. Discarding the journal leaves the backing store
// untouched, which is how the node realizes the host's atomic
// commit-or-abort semantics: one journal per operation, committed only on
// success.
type Journal struct {
	mu      sync.Mutex
	backing Database
	writes  map[string][]byte
	order   []string
}

func NewJournal(backing Database) *Journal {
	return &Journal{
		backing: backing,
		writes:  make(map[string][]byte),
	}
}

func (j *Journal) Put(key []byte, value []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	k := string(key)
	if _, seen := j.writes[k]; !seen {
		j.order = append(j.order, k)
	}
	j.writes[k] = append([]byte(nil), value...)
	return nil
}

func (j *Journal) Get(key []byte) ([]byte, error) {
	j.mu.Lock()
	value, ok := j.writes[string(key)]
	j.mu.Unlock()
	if ok {
		return append([]byte(nil), value...), nil
	}
	return j.backing.Get(key)
}

// Commit flushes every buffered write to the backing store in write order.
func (j *Journal) Commit() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, k := range j.order {
		if err := j.backing.Put([]byte(k), j.writes[k]); err != nil {
			return err
		}
	}
	j.writes = make(map[string][]byte)
	j.order = nil
	return nil
}

// Discard drops every buffered write.
func (j *Journal) Discard() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.writes = make(map[string][]byte)
	j.order = nil
}

// Close satisfies the Database interface; the backing store owns its own
// lifecycle.
func (j *Journal) Close() {}
