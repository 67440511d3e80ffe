package lss

import (
	"fmt"

	"github.com/hesham-youssef/flashmt/internal/format"
)

// reallocInsert buffers a relocation (old_offset -> new_offset), keeping
// the list sorted by OldOffset and collapsing a record whose old or new
// offset matches an incoming old_offset into a single updated entry
// (chasing a chain of relocations down to its latest target). If the
// buffer is full, every pending relocation is applied and cleared first.
// Mirrors lss_realloc_insert.
func (s *Store) reallocInsert(hdr format.Header, oldOffset, newOffset uint64) {
	insertPos := 0

	for i, e := range s.reallocList {
		if e.OldOffset == oldOffset || e.NewOffset == oldOffset {
			s.reallocList[i].NewOffset = newOffset

			return
		}

		if e.OldOffset < oldOffset {
			insertPos = i + 1
		}
	}

	if len(s.reallocList) >= s.reallocCapacity {
		if err := s.ReallocEvict(); err != nil {
			// ReallocEvict only fails on a device error while applying a
			// relocation, which leaves the table in an already-fatal
			// state; there's nothing sound to buffer against anymore.
			panic(fmt.Sprintf("lss: realloc evict during insert: %v", err))
		}

		insertPos = 0

		for insertPos < len(s.reallocList) && s.reallocList[insertPos].OldOffset < oldOffset {
			insertPos++
		}
	}

	s.reallocList = append(s.reallocList, reallocEntry{})
	copy(s.reallocList[insertPos+1:], s.reallocList[insertPos:len(s.reallocList)-1])
	s.reallocList[insertPos] = reallocEntry{OldOffset: oldOffset, NewOffset: newOffset, Header: hdr}
}

// reallocLookup binary-searches the buffer for oldOffset, returning its
// current target if present. Mirrors lss_realloc_lookup.
func (s *Store) reallocLookup(oldOffset uint64) (uint64, bool) {
	left, right := 0, len(s.reallocList)-1

	for left <= right {
		mid := left + (right-left)/2
		midVal := s.reallocList[mid].OldOffset

		switch {
		case midVal == oldOffset:
			return s.reallocList[mid].NewOffset, true
		case midVal < oldOffset:
			left = mid + 1
		default:
			right = mid - 1
		}
	}

	return 0, false
}

// ReallocEvict applies every buffered relocation to its parent page and
// empties the buffer. Draining twice in a row is a no-op the second time
// (spec's relocation idempotence property): once applied, the buffer is
// empty, so there's nothing left to do. Mirrors lss_realloc_evict.
func (s *Store) ReallocEvict() error {
	if len(s.reallocList) == 0 {
		return nil
	}

	for _, e := range s.reallocList {
		if err := s.applyRelocate(e.Header, e.OldOffset, e.NewOffset); err != nil {
			return fmt.Errorf("lss: realloc evict: %w", err)
		}
	}

	s.reallocList = s.reallocList[:0]

	return nil
}
