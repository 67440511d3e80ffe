// Package model provides a deliberately simple, in-memory model of
// pkg/mtable's publicly observable behavior: a plain map standing in for
// the whole tree/cache/log machinery, used as an oracle property and
// metamorphic tests compare the real Table against. Grounded on
// pkg/slotcache/model/model.go's shadow-model pattern.
package model

import "errors"

// ErrOutOfRange mirrors mtable.ErrOutOfRange for tests that assert on the
// model's own validation without importing pkg/mtable.
var ErrOutOfRange = errors.New("model: logical address out of range")

// Table is a plain-map shadow of pkg/mtable.Table: every Update overwrites
// the map entry outright, and Lookup is a plain map read. No tree, no
// cache, no log — the entire point is to be obviously correct so it can
// serve as ground truth.
type Table struct {
	NPageMappings uint64
	Mappings      map[uint64]uint64
}

// New returns an empty model for a table configured with npageMappings
// valid logical addresses.
func New(npageMappings uint64) *Table {
	return &Table{
		NPageMappings: npageMappings,
		Mappings:      make(map[uint64]uint64),
	}
}

// Clone makes a deep copy so a metamorphic test can fork identical state
// before diverging the real table and the model down two different call
// sequences.
func (m *Table) Clone() *Table {
	if m == nil {
		return nil
	}

	mappings := make(map[uint64]uint64, len(m.Mappings))
	for k, v := range m.Mappings {
		mappings[k] = v
	}

	return &Table{
		NPageMappings: m.NPageMappings,
		Mappings:      mappings,
	}
}

// Update sets logical's physical address.
func (m *Table) Update(logical, physical uint64) error {
	if logical >= m.NPageMappings {
		return ErrOutOfRange
	}

	m.Mappings[logical] = physical

	return nil
}

// Lookup returns logical's physical address, or ok=false if never set.
func (m *Table) Lookup(logical uint64) (physical uint64, ok bool, err error) {
	if logical >= m.NPageMappings {
		return 0, false, ErrOutOfRange
	}

	physical, ok = m.Mappings[logical]

	return physical, ok, nil
}

// Len returns the number of logical addresses with a recorded mapping.
func (m *Table) Len() int {
	return len(m.Mappings)
}
