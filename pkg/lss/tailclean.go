package lss

import (
	"fmt"

	"github.com/hesham-youssef/flashmt/internal/format"
	"github.com/hesham-youssef/flashmt/internal/invariant"
)

// cleanTailBlock reads the block at tailOffset, relocates it to the head
// of the log if the mapping table still considers it alive, and advances
// the tail past it either way. Mirrors lss_clean_tail_block.
func (s *Store) cleanTailBlock(tailOffset uint64) error {
	blockSize := s.dev.WriteGranularity()
	buf := make([]byte, blockSize)

	if err := s.dev.ReadAt(tailOffset, buf); err != nil {
		return fmt.Errorf("lss: clean tail: read %d: %w", tailOffset, err)
	}

	alive, hdr, err := s.isMTBlockAlive(tailOffset, buf)
	if err != nil {
		return fmt.Errorf("lss: clean tail: %w", err)
	}

	if alive {
		newAddr, err := s.Write(buf, false)
		if err != nil {
			return fmt.Errorf("lss: clean tail: relocate %d: %w", tailOffset, err)
		}

		s.reallocInsert(hdr, tailOffset, newAddr)
	}

	flashSize := s.dev.TotalSize()
	newTail := tailOffset + blockSize

	if newTail >= flashSize {
		newTail = 0
	}

	s.tail = newTail

	return nil
}

// isMTBlockAlive reports whether the block at blockAddress (whose raw
// bytes are blockBuf) is still referenced by the mapping table — i.e.
// some resident or on-storage parent slot still points at blockAddress.
// SEG_META blocks, erased blocks, and the root are never alive (the root
// is reached by recovery directly, not through a parent slot). Mirrors
// is_mt_block_alive, descending through the LSS's own reader cache so
// background aliveness checks never disturb the writer cache's pins.
func (s *Store) isMTBlockAlive(blockAddress uint64, blockBuf []byte) (bool, format.Header, error) {
	if format.IsErased(blockBuf) {
		return false, format.Header{}, nil
	}

	hdr, err := format.DecodeHeader(blockBuf)
	if err != nil {
		return false, format.Header{}, err
	}

	if hdr.Type == format.BlockSegMeta || (hdr.Type == format.BlockMT && hdr.Level == 0) {
		return false, hdr, nil
	}

	fanout := uint64(s.table.Fanout())

	blockRangeSize := s.table.PaddedRange()
	for i := uint8(0); i < hdr.Level; i++ {
		blockRangeSize /= fanout
	}

	parentRangeSize := blockRangeSize * fanout
	parentStart := (hdr.LogicalAddress / parentRangeSize) * parentRangeSize
	parentEnd := parentStart + parentRangeSize

	writer := s.table.WriterCache()

	cache := writer
	entry := writer.GetPageEntry(parentStart, parentEnd)

	var currBlock []byte

	var currStart, currRangeSize uint64

	if entry == nil {
		currBlock = s.table.Root()
		currStart = 0
		currRangeSize = s.table.PaddedRange()
	} else {
		currBlock = entry.Block
		currStart = entry.StartRange
		currRangeSize = entry.EndRange - entry.StartRange
	}

	for {
		subRangeSize := currRangeSize / fanout
		targetIndex := (hdr.LogicalAddress % currRangeSize) / subRangeSize

		off := format.HeaderSize + int(targetIndex)*format.MTEntrySize

		if blockRangeSize == subRangeSize {
			mpAddress := format.DecodeMTEntry(currBlock[off : off+format.MTEntrySize])

			if entry != nil {
				cache.Unpin(entry)
			}

			if newAddr, ok := s.reallocLookup(mpAddress); ok {
				mpAddress = newAddr
			}

			return blockAddress == mpAddress, hdr, nil
		}

		childAddr := format.DecodeMTEntry(currBlock[off : off+format.MTEntrySize])
		invariant.Check(childAddr != format.InvalidAddress, "aliveness descent hit an unallocated slot above leaf level")

		newStart := currStart + targetIndex*subRangeSize
		newRangeSize := currRangeSize / fanout

		newEntry, err := s.readerCache.AcquireFromStorage(newStart, newStart+newRangeSize, childAddr, nil, false)
		if err != nil {
			if entry != nil {
				cache.Unpin(entry)
			}

			return false, hdr, fmt.Errorf("lss: aliveness descent: %w", err)
		}

		if entry != nil {
			cache.Unpin(entry)
		}

		currBlock = newEntry.Block
		currStart = newStart
		currRangeSize = newRangeSize
		entry = newEntry
		cache = s.readerCache
	}
}

// applyRelocate rewrites the parent slot pointing at oldAddr to newAddr,
// if it still does — a buffered relocation can go stale if the page was
// rewritten through the normal update path while the relocation was still
// pending. Always descends through the writer cache, since it must be
// able to mark the parent slot dirty. Mirrors apply_reallocate.
func (s *Store) applyRelocate(hdr format.Header, oldAddr, newAddr uint64) error {
	fanout := uint64(s.table.Fanout())

	blockRangeSize := s.table.PaddedRange()
	for i := uint8(0); i < hdr.Level; i++ {
		blockRangeSize /= fanout
	}

	parentRangeSize := blockRangeSize * fanout
	parentStart := (hdr.LogicalAddress / parentRangeSize) * parentRangeSize
	parentEnd := parentStart + parentRangeSize

	writer := s.table.WriterCache()

	entry := writer.GetPageEntry(parentStart, parentEnd)

	var currBlock []byte

	var currStart, currRangeSize uint64

	if entry == nil {
		currBlock = s.table.Root()
		currStart = 0
		currRangeSize = s.table.PaddedRange()
	} else {
		currBlock = entry.Block
		currStart = entry.StartRange
		currRangeSize = entry.EndRange - entry.StartRange
	}

	for {
		subRangeSize := currRangeSize / fanout
		targetIndex := (hdr.LogicalAddress % currRangeSize) / subRangeSize
		off := format.HeaderSize + int(targetIndex)*format.MTEntrySize

		if blockRangeSize == subRangeSize {
			if format.DecodeMTEntry(currBlock[off:off+format.MTEntrySize]) == oldAddr {
				format.EncodeMTEntry(newAddr, currBlock[off:off+format.MTEntrySize])
				writer.MarkDirty(entry)
			}

			if entry != nil {
				writer.Unpin(entry)
			}

			return nil
		}

		childAddr := format.DecodeMTEntry(currBlock[off : off+format.MTEntrySize])
		invariant.Check(childAddr != format.InvalidAddress, "relocate-apply descent hit an unallocated slot above leaf level")

		newStart := currStart + targetIndex*subRangeSize
		newRangeSize := currRangeSize / fanout

		newEntry, err := writer.AcquireFromStorage(newStart, newStart+newRangeSize, childAddr, entry, false)
		if err != nil {
			if entry != nil {
				writer.Unpin(entry)
			}

			return fmt.Errorf("lss: apply relocate descent: %w", err)
		}

		if entry != nil {
			writer.Unpin(entry)
		}

		currBlock = newEntry.Block
		currStart = newStart
		currRangeSize = newRangeSize
		entry = newEntry
	}
}

// isSegmentFullyDead reports whether every page in the segment starting
// at segmentOffset is dead (erased, or not referenced by any parent
// slot) — the precondition rotateSegment checks before erasing a
// segment. Each page is tested with its own decoded header, unlike the
// original's is_mt_segment_fully_dead, which reuses the segment's first
// block's header for every page; see DESIGN.md.
func (s *Store) isSegmentFullyDead(segmentOffset uint64) (bool, error) {
	segSize := s.dev.SegmentSize()
	pageSize := s.dev.WriteGranularity()
	nPages := segSize / pageSize

	buf := make([]byte, pageSize)

	for i := uint64(0); i < nPages; i++ {
		pageOffset := segmentOffset + i*pageSize

		if err := s.dev.ReadAt(pageOffset, buf); err != nil {
			return false, fmt.Errorf("lss: segment aliveness: read %d: %w", pageOffset, err)
		}

		alive, _, err := s.isMTBlockAlive(pageOffset, buf)
		if err != nil {
			return false, fmt.Errorf("lss: segment aliveness: %w", err)
		}

		if alive {
			return false, nil
		}
	}

	return true, nil
}
