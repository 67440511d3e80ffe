// Package lss implements the log-structured store: a circular append log
// over a blockdev.Device, with tail cleaning that relocates still-live
// mapping-table pages ahead of the advancing tail, a buffered relocation
// list applied to parent pages at the next checkpoint, and root recovery by
// scanning for the highest-seq_num checkpointed segment. Grounded on
// _examples/original_source's lss.c.
package lss

import (
	"errors"
	"fmt"

	"github.com/hesham-youssef/flashmt/internal/format"
	"github.com/hesham-youssef/flashmt/internal/invariant"
	"github.com/hesham-youssef/flashmt/pkg/blockdev"
	"github.com/hesham-youssef/flashmt/pkg/mtpc"
)

// Sentinel errors. Callers should use errors.Is.
var (
	// ErrUninitialized indicates recovery found no checkpointed segment —
	// the device looks like it was never formatted by Init.
	ErrUninitialized = errors.New("lss: no checkpointed segment found")

	// ErrSpaceExhausted indicates tail cleaning could not free enough
	// space between head and tail within the bounded retry count.
	ErrSpaceExhausted = errors.New("lss: space exhausted")

	// ErrNoRoot indicates a checkpointed segment was found but it
	// contains no root page, which should never happen on a cleanly
	// shut down store.
	ErrNoRoot = errors.New("lss: no root found in checkpointed segment")
)

// maxCleanTailTries bounds the tail-cleaning retry loop in Write: if ten
// single-block cleans haven't opened up enough distance between head and
// tail, the store is considered space-exhausted. Matches spec's bounded
// retry (the original C loops without a hard bound here).
const maxCleanTailTries = 10

// Table is the narrow view pkg/lss needs of the owning mapping table: its
// tree geometry, its resident root page, and its writer cache. Breaks the
// circular reference between the original's lss_t and mapping_table_t —
// pkg/mtable wires a concrete *mtable.Table in after constructing both.
type Table interface {
	// Root returns the table's always-resident root page buffer, shared
	// by reference.
	Root() []byte

	// Fanout returns the number of child entries per MT page.
	Fanout() uint32

	// PaddedRange returns the logical address space rounded up to the
	// next power of Fanout.
	PaddedRange() uint64

	// BlockSize returns the page size in bytes (equal to the device's
	// write granularity in this release).
	BlockSize() uint32

	// NPageMappings returns the table's configured (unpadded) logical
	// address space size.
	NPageMappings() uint32

	// WriterCache returns the table's own page cache (parent of the
	// Store's reader cache — see Store.readerCache).
	WriterCache() *mtpc.Cache
}

// reallocEntry records that a block moved during tail cleaning
// (old_offset -> new_offset), carrying the captured header so later
// descents can match it against a parent's child slot. Deliberately
// in-memory only: never persisted to the device.
type reallocEntry struct {
	OldOffset uint64
	NewOffset uint64
	Header    format.Header
}

// Store is the log-structured store. It owns the device, the circular
// log's head/tail offsets, the pending relocation buffer, and a private
// reader cache used for read-only aliveness descents during tail cleaning
// (kept separate from the table's writer cache so background cleaning
// never evicts or dirties pages the writer is actively using).
type Store struct {
	dev   blockdev.Device
	table Table

	readerCache *mtpc.Cache

	head uint64
	tail uint64

	segMeta format.SegMeta

	reallocCapacity int
	reallocList     []reallocEntry // sorted by OldOffset
}

// New constructs a Store over dev. The returned Store is not yet usable —
// call Bind once the owning table and reader cache exist, then either
// Init (fresh device) or LoadRootAndSegMeta (reopen) before any Write/Read.
func New(dev blockdev.Device) *Store {
	entrySize := 2*8 + format.HeaderSize // old_offset + new_offset + captured header

	return &Store{
		dev:             dev,
		reallocCapacity: int(dev.WriteGranularity()) / entrySize,
	}
}

// Bind wires the owning table and this store's private reader cache in
// after both have been constructed, resolving the circular reference
// between a mapping table and its store.
func (s *Store) Bind(table Table, readerCache *mtpc.Cache) {
	s.table = table
	s.readerCache = readerCache
}

// Init formats the device for first use: erases everything, writes the
// initial SEG_META at offset 0, then appends the table's (freshly
// initialized) root. Mirrors lss_init.
func (s *Store) Init() error {
	n := s.dev.TotalSize() / s.dev.SegmentSize()

	for i := uint64(0); i < n; i++ {
		if err := s.dev.Erase(i * s.dev.SegmentSize()); err != nil {
			return fmt.Errorf("lss: init: erase segment %d: %w", i, err)
		}
	}

	s.head = 0
	s.tail = 0

	s.segMeta = format.SegMeta{
		ContainsCheckpoint: true,
		BlockSize:          s.table.BlockSize(),
		NpageMappings:      s.table.NPageMappings(),
		TailOffset:         s.tail,
		SeqNum:             0,
	}

	if err := s.writeSegmentMetadata(0); err != nil {
		return fmt.Errorf("lss: init: %w", err)
	}

	if _, err := s.Write(s.table.Root(), false); err != nil {
		return fmt.Errorf("lss: init: write root: %w", err)
	}

	return nil
}

// LoadRootAndSegMeta scans every segment for the highest-seq_num
// checkpointed SEG_META, then scans that segment for the root page it
// covers, returning the root's bytes and its offset. Mirrors
// lss_load_root_and_seg_meta.
func (s *Store) LoadRootAndSegMeta() (root []byte, rootOffset uint64, err error) {
	segSize := s.dev.SegmentSize()
	wg := s.dev.WriteGranularity()
	nSegments := s.dev.TotalSize() / segSize

	var (
		latestSeq    uint64
		latestSegOff uint64 = format.InvalidAddress
		latestMeta   format.SegMeta
	)

	buf := make([]byte, wg)

	for i := uint64(0); i < nSegments; i++ {
		segOff := i * segSize

		if err := s.dev.ReadAt(segOff, buf); err != nil {
			return nil, 0, fmt.Errorf("lss: load root: read segment %d: %w", i, err)
		}

		if format.IsErased(buf) {
			continue
		}

		meta, err := format.DecodeSegMeta(buf)
		if err != nil {
			// Not a SEG_META block (worn segment, or never written) —
			// skip it, matching the original's tolerant scan.
			continue
		}

		if meta.ContainsCheckpoint && meta.SeqNum >= latestSeq {
			latestSeq = meta.SeqNum
			latestSegOff = segOff
			latestMeta = meta
		}
	}

	if latestSegOff == format.InvalidAddress {
		return nil, 0, ErrUninitialized
	}

	s.segMeta = latestMeta

	invariant.Check(wg == uint64(latestMeta.BlockSize), "segment block size %d disagrees with write granularity %d", latestMeta.BlockSize, wg)

	segEnd := latestSegOff + segSize
	foundOffset := format.InvalidAddress
	rootBuf := make([]byte, wg)

	for off := latestSegOff + wg; off < segEnd; off += wg {
		if err := s.dev.ReadAt(off, buf); err != nil {
			return nil, 0, fmt.Errorf("lss: load root: read page %d: %w", off, err)
		}

		if format.IsErased(buf) {
			continue
		}

		hdr, err := format.DecodeHeader(buf)
		if err != nil {
			continue
		}

		if hdr.Type == format.BlockMT && hdr.Level == 0 {
			// Multiple roots can appear in one checkpointed segment (a
			// shutdown can flush-and-root more than once); the last one
			// scanned is authoritative.
			foundOffset = off
			copy(rootBuf, buf)
		}
	}

	if foundOffset == format.InvalidAddress {
		return nil, 0, ErrNoRoot
	}

	s.head = foundOffset + wg
	s.tail = latestMeta.TailOffset

	return rootBuf, foundOffset, nil
}

// SegMeta returns the most recently written or recovered segment metadata,
// letting the owning table cross-check its own configured geometry against
// what was actually checkpointed on a reopen.
func (s *Store) SegMeta() format.SegMeta { return s.segMeta }

func (s *Store) usedSpace() uint64 {
	if s.head >= s.tail {
		return s.head - s.tail
	}

	return (s.dev.TotalSize() - s.tail) + s.head
}

func (s *Store) distanceHeadToTail() uint64 {
	flashSize := s.dev.TotalSize()
	if s.head >= s.tail {
		return flashSize - (s.head - s.tail)
	}

	return s.tail - s.head
}

// Write appends data (exactly one write-granularity block) at the log
// head, rotating into the next segment (erasing it, writing its SEG_META,
// and — on the segments that require one — draining relocations, flushing
// every dirty page, and recursively appending the root as a checkpoint)
// whenever the current segment is full. Mirrors lss_write.
func (s *Store) Write(data []byte, cleanTail bool) (uint64, error) {
	invariant.Check(len(data) > 0, "lss: write of empty payload")

	segSize := s.dev.SegmentSize()
	threshold := 2 * segSize

	if s.usedSpace() > segSize {
		if cleanTail {
			tries := 0

			for {
				if err := s.cleanTailBlock(s.tail); err != nil {
					return 0, err
				}

				tries++

				if s.distanceHeadToTail() > threshold {
					break
				}

				if tries >= maxCleanTailTries {
					return 0, fmt.Errorf("lss: write: %w", ErrSpaceExhausted)
				}
			}
		} else if uint64(len(data))+segSize > s.distanceHeadToTail() {
			return 0, fmt.Errorf("lss: write: %w", ErrSpaceExhausted)
		}
	}

	if s.head/segSize != (s.head+uint64(len(data)))/segSize {
		if err := s.rotateSegment(); err != nil {
			return 0, err
		}
	}

	if newAddr, ok := s.reallocLookup(s.head); ok {
		_ = newAddr

		if err := s.ReallocEvict(); err != nil {
			return 0, err
		}
	}

	if err := s.dev.WriteAt(s.head, data); err != nil {
		return 0, fmt.Errorf("lss: write at %d: %w", s.head, err)
	}

	addr := s.head
	s.head += uint64(len(data))

	return addr, nil
}

// rotateSegment advances the head into the next segment, erasing it and
// writing its SEG_META, then — since every segment currently carries a
// checkpoint — drains relocations, flushes the writer cache bottom-up,
// and appends the root. The recursive Write call that appends the root is
// bounded: it always passes cleanTail=false, so it can itself only trigger
// another rotation if the root's own append happens to cross a segment
// boundary, which terminates because relocations were just drained and
// the cache just flushed (nothing left to make this recurse again).
func (s *Store) rotateSegment() error {
	flashSize := s.dev.TotalSize()
	segSize := s.dev.SegmentSize()

	nextSeg := (s.head/segSize + 1) % (flashSize / segSize)
	nextSegOffset := nextSeg * segSize

	s.head = nextSegOffset

	dead, err := s.isSegmentFullyDead(nextSegOffset)
	if err != nil {
		return err
	}

	invariant.Check(dead, "rotating into segment %d that is not fully dead", nextSeg)

	if err := s.dev.Erase(nextSegOffset); err != nil {
		return fmt.Errorf("lss: rotate: erase segment %d: %w", nextSeg, err)
	}

	requireCheckpoint := true

	s.segMeta.ContainsCheckpoint = requireCheckpoint
	s.segMeta.BlockSize = s.table.BlockSize()
	s.segMeta.NpageMappings = s.table.NPageMappings()
	s.segMeta.TailOffset = s.tail
	s.segMeta.SeqNum++

	if err := s.writeSegmentMetadata(nextSegOffset); err != nil {
		return fmt.Errorf("lss: rotate: %w", err)
	}

	if requireCheckpoint {
		if err := s.ReallocEvict(); err != nil {
			return err
		}

		if _, err := s.table.WriterCache().FlushAll(false); err != nil {
			return fmt.Errorf("lss: rotate: flush writer cache: %w", err)
		}

		if _, err := s.Write(s.table.Root(), false); err != nil {
			return fmt.Errorf("lss: rotate: write root: %w", err)
		}
	}

	return nil
}

// writeSegmentMetadata writes the current in-memory SegMeta at
// segmentOffset and advances head past it. Mirrors
// lss_write_segment_metadata.
func (s *Store) writeSegmentMetadata(segmentOffset uint64) error {
	wg := s.dev.WriteGranularity()

	invariant.Check(segmentOffset%wg == 0, "segment metadata offset %d not write-granularity aligned", segmentOffset)
	invariant.Check(segmentOffset < s.dev.TotalSize(), "segment metadata offset %d out of range", segmentOffset)

	buf := make([]byte, wg)

	if err := format.EncodeSegMeta(s.segMeta, buf); err != nil {
		return fmt.Errorf("lss: write segment metadata: %w", err)
	}

	if _, ok := s.reallocLookup(segmentOffset); ok {
		invariant.Raise("segment metadata offset %d has a pending relocation", segmentOffset)
	}

	if err := s.dev.WriteAt(segmentOffset, buf); err != nil {
		return fmt.Errorf("lss: write segment metadata at %d: %w", segmentOffset, err)
	}

	s.head = segmentOffset + wg

	return nil
}

// Read reads the write-granularity block logically at addr, transparently
// following a pending relocation if the block was moved by tail cleaning
// but its parent page hasn't been updated to point at the new location
// yet. Mirrors lss_read.
func (s *Store) Read(addr uint64, buf []byte) error {
	actual := addr

	if newAddr, ok := s.reallocLookup(addr); ok {
		actual = newAddr
	}

	if err := s.dev.ReadAt(actual, buf); err != nil {
		return fmt.Errorf("lss: read %d: %w", addr, err)
	}

	return nil
}
