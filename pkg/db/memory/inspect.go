package memory

import (
	"bytes"
	"sort"

	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/transform"
)

// HasTable reports whether a physical table exists and is attached.
func (s *Store) HasTable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	return ok && t.attached
}

// Rows returns a copy of the rows of a physical table in primary key order.
func (s *Store) Rows(name string) [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	return sortedRows(t.rows)
}

// EntityRows returns the rows of every attached table of e in primary key order.
func (s *Store) EntityRows(e entities.Entity) [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := make(map[string][]any)
	for _, t := range s.tables {
		if t.entity != e || !t.attached {
			continue
		}
		for pk, r := range t.rows {
			byKey[pk] = r
		}
	}
	return sortedRows(byKey)
}

// Digest hashes the visible contents of the given families.
func (s *Store) Digest(families ...entities.Entity) [32]byte {
	h := transform.NewHasher()
	for _, e := range families {
		h.Write([]byte(e))
		for _, r := range s.EntityRows(e) {
			transform.HashValues(h, r)
		}
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func sortedRows(rows map[string][]any) [][]any {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare([]byte(keys[i]), []byte(keys[j])) < 0 })
	out := make([][]any, len(keys))
	for i, k := range keys {
		out[i] = append([]any(nil), rows[k]...)
	}
	return out
}
