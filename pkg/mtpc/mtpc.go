// Package mtpc implements the mapping-table page cache: a fixed-capacity,
// arena-backed cache of mapping-table pages keyed by their logical address
// range, with LRU eviction, pin-count discipline, and a parent/child
// handoff protocol that lets a writer cache and a reader cache share a
// single in-memory copy of a page. Grounded on
// _examples/original_source's page_cache.c.
package mtpc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hesham-youssef/flashmt/internal/format"
	"github.com/hesham-youssef/flashmt/internal/invariant"
)

// ErrCorruptPage indicates a page read back from storage doesn't look like
// the page that was requested (wrong header type, wrong logical address,
// or reads as erased).
var ErrCorruptPage = errors.New("mtpc: corrupt page")

// Store is the subset of the log-structured store the cache needs:
// writing a dirty page back out, and reading a page in from a known
// physical address.
type Store interface {
	Write(data []byte, cleanTail bool) (uint64, error)
	Read(offset uint64, buf []byte) error
}

// Entry is a cached mapping-table page. The zero value is never valid
// outside the cache's own arena; callers only ever see entries returned by
// Insert/Search/GetPageEntry/AcquireFromStorage.
type Entry struct {
	// StartRange and EndRange bound the logical address range this page
	// covers (EndRange exclusive).
	StartRange uint64
	EndRange   uint64

	// Level is this page's height in the mapping-table tree. Root is 0;
	// pages held by this cache are always level >= 1 (the root itself is
	// never cached, it's always resident on the owning table).
	Level uint8

	// Block is the page's raw on-disk bytes: an encoded format.Header
	// followed by format.MTEntry records. Length is always the cache's
	// block size. Mutating it directly and calling MarkDirty is how
	// callers update a page's mappings.
	Block []byte

	parent   *Entry
	pinCount uint16
	dirty    bool

	lruPrev, lruNext *Entry
	freeNext         *Entry
}

// Pinned reports whether the entry currently has outstanding pins and so
// cannot be evicted.
func (e *Entry) Pinned() bool { return e.pinCount > 0 }

// Dirty reports whether the entry has unflushed writes.
func (e *Entry) Dirty() bool { return e.dirty }

// Cache is a fixed-capacity mapping-table page cache. Entries and their
// backing page buffers are preallocated in one arena at construction; no
// operation on the cache allocates on the heap.
type Cache struct {
	capacity  uint32
	size      uint32
	blockSize uint32

	arenaEntries []Entry
	arenaBlocks  []byte

	sorted []*Entry // sorted[:size], ordered by (StartRange, span)

	lruHead, lruTail *Entry
	freeHead         *Entry

	fanout      uint32
	paddedRange uint64
	root        []byte // the owning table's root page, shared by reference

	store Store

	parentCache *Cache
	childCache  *Cache
}

// New creates a cache with room for capacity pages of blockSize bytes
// each. fanout and paddedRange describe the owning mapping table's tree
// shape; root is the table's always-resident root page buffer, shared by
// reference so writes this cache makes to a top-level entry's parent slot
// land directly in the root the table already holds.
//
// If parent is non-nil, the new cache is registered as parent's child —
// see AcquireFromStorage for how a parent/child pair share entries.
func New(capacity, blockSize, fanout uint32, paddedRange uint64, root []byte, store Store, parent *Cache) *Cache {
	c := &Cache{
		capacity:    capacity,
		blockSize:   blockSize,
		fanout:      fanout,
		paddedRange: paddedRange,
		root:        root,
		store:       store,
		parentCache: parent,
	}

	c.arenaEntries = make([]Entry, capacity)
	c.arenaBlocks = make([]byte, int(capacity)*int(blockSize))
	c.sorted = make([]*Entry, capacity)

	for i := range c.arenaEntries {
		e := &c.arenaEntries[i]
		e.Block = c.arenaBlocks[i*int(blockSize) : (i+1)*int(blockSize)]
		e.freeNext = c.freeHead
		c.freeHead = e
	}

	if parent != nil {
		parent.childCache = c
	}

	return c
}

// Capacity returns the cache's fixed entry capacity.
func (c *Cache) Capacity() uint32 { return c.capacity }

// Size returns the number of entries currently cached.
func (c *Cache) Size() uint32 { return c.size }

func entryLess(a, b *Entry) bool {
	if a.StartRange != b.StartRange {
		return a.StartRange < b.StartRange
	}

	return (a.EndRange - a.StartRange) < (b.EndRange - b.StartRange)
}

func (c *Cache) lruRemove(e *Entry) {
	if e.lruPrev != nil {
		e.lruPrev.lruNext = e.lruNext
	} else {
		c.lruHead = e.lruNext
	}

	if e.lruNext != nil {
		e.lruNext.lruPrev = e.lruPrev
	} else {
		c.lruTail = e.lruPrev
	}

	e.lruPrev = nil
	e.lruNext = nil
}

func (c *Cache) lruPushHead(e *Entry) {
	e.lruPrev = nil
	e.lruNext = c.lruHead

	if c.lruHead != nil {
		c.lruHead.lruPrev = e
	}

	c.lruHead = e

	if c.lruTail == nil {
		c.lruTail = e
	}
}

func (c *Cache) lruMoveToHead(e *Entry) {
	if c.lruHead == e {
		return
	}

	c.lruRemove(e)
	c.lruPushHead(e)
}

func (c *Cache) allocateEntry() *Entry {
	if c.freeHead == nil {
		return nil
	}

	e := c.freeHead
	c.freeHead = e.freeNext

	e.freeNext = nil
	e.lruPrev = nil
	e.lruNext = nil
	e.pinCount = 0
	e.dirty = false

	return e
}

func (c *Cache) freeEntry(e *Entry) {
	e.StartRange = 0
	e.EndRange = 0
	e.parent = nil
	e.pinCount = 0
	e.dirty = false

	e.freeNext = c.freeHead
	c.freeHead = e
}

func (c *Cache) removeFromSorted(e *Entry) {
	for i := uint32(0); i < c.size; i++ {
		if c.sorted[i] == e {
			copy(c.sorted[i:c.size-1], c.sorted[i+1:c.size])
			c.size--

			return
		}
	}

	invariant.Raise("entry [%d,%d) not found in sorted index", e.StartRange, e.EndRange)
}

func (c *Cache) insertSorted(e *Entry) {
	left, right := 0, int(c.size)

	for left < right {
		mid := left + (right-left)/2

		if entryLess(c.sorted[mid], e) {
			left = mid + 1
		} else {
			right = mid
		}
	}

	copy(c.sorted[left+1:c.size+1], c.sorted[left:c.size])
	c.sorted[left] = e
	c.size++
}

// GetPageEntry returns the smallest-span cached entry whose range fully
// contains [startRange, endRange), pinning it. It does not update LRU
// order — unlike Search, a hit here is a structural lookup during
// eviction/insert bookkeeping, not a read that should count as "recently
// used".
func (c *Cache) GetPageEntry(startRange, endRange uint64) *Entry {
	var best *Entry

	bestSpan := ^uint64(0)

	for i := uint32(0); i < c.size; i++ {
		e := c.sorted[i]
		if e.EndRange <= startRange {
			continue
		}

		if startRange >= e.StartRange && startRange < e.EndRange &&
			endRange > e.StartRange && endRange <= e.EndRange {
			span := e.EndRange - e.StartRange
			if span < bestSpan {
				best = e
				bestSpan = span
			}
		}
	}

	if best != nil {
		best.pinCount++
	}

	return best
}

// Search returns the smallest-span cached entry containing logicalAddress,
// pinning it and marking it most recently used.
func (c *Cache) Search(logicalAddress uint64) *Entry {
	var best *Entry

	bestSpan := ^uint64(0)

	for i := uint32(0); i < c.size; i++ {
		e := c.sorted[i]
		if e.EndRange <= logicalAddress {
			continue
		}

		if logicalAddress >= e.StartRange && logicalAddress < e.EndRange {
			span := e.EndRange - e.StartRange
			if span < bestSpan {
				best = e
				bestSpan = span
			}
		}
	}

	if best != nil {
		c.lruMoveToHead(best)
		best.pinCount++
	}

	return best
}

func (c *Cache) flushEntry(e *Entry, cleanTail bool) error {
	storageAddr, err := c.store.Write(e.Block, cleanTail)
	if err != nil {
		return fmt.Errorf("mtpc: flush entry [%d,%d): %w", e.StartRange, e.EndRange, err)
	}

	if !e.dirty {
		// A tail-cleaning pass triggered inside store.Write may have
		// already relocated and re-flushed this exact page (it was
		// found alive mid-scan); nothing left to do.
		return nil
	}

	e.dirty = false

	var (
		parentBlock []byte
		curRange    uint64
	)

	if e.parent != nil {
		parentBlock = e.parent.Block
		curRange = e.parent.EndRange - e.parent.StartRange
		e.parent.dirty = true
	} else {
		parentBlock = c.root
		curRange = c.paddedRange
	}

	subRange := curRange / uint64(c.fanout)
	targetIndex := (e.StartRange % curRange) / subRange

	off := format.HeaderSize + int(targetIndex)*format.MTEntrySize
	format.EncodeMTEntry(storageAddr, parentBlock[off:off+format.MTEntrySize])

	return nil
}

// Insert returns the cached entry for [startRange, endRange), creating and
// pinning a new one at the given level and parent if it isn't already
// cached. The returned entry's Block may hold stale data from a previous
// occupant — callers that are spawning a brand new page must overwrite or
// zero it before relying on its contents.
//
// The caller must Unpin the returned entry when done with it.
func (c *Cache) Insert(startRange, endRange uint64, level uint8, parent *Entry, cleanTail bool) (*Entry, error) {
	if existing := c.GetPageEntry(startRange, endRange); existing != nil {
		if existing.StartRange == startRange && existing.EndRange == endRange {
			c.lruMoveToHead(existing)

			return existing, nil
		}

		c.Unpin(existing)
	}

	entry := c.allocateEntry()
	if entry == nil {
		spawned, err := c.evictOne(startRange, endRange, cleanTail)
		if err != nil {
			return nil, err
		}

		if spawned != nil {
			// The eviction's own flush relocated and re-cached exactly
			// the page we were asked for; use it as-is, already pinned
			// and MRU.
			return spawned, nil
		}

		entry = c.allocateEntry()
		invariant.Check(entry != nil, "eviction freed no entry for [%d,%d)", startRange, endRange)
	}

	entry.StartRange = startRange
	entry.EndRange = endRange
	entry.Level = level
	entry.parent = parent
	entry.pinCount = 1
	entry.dirty = false

	if err := format.EncodeHeader(format.Header{Type: format.BlockMT, Level: level, LogicalAddress: startRange}, entry.Block); err != nil {
		return nil, err
	}

	if parent != nil {
		parent.pinCount++
	}

	c.insertSorted(entry)
	c.lruPushHead(entry)

	return entry, nil
}

// evictOne evicts the least-recently-used unpinned entry to make room for
// [startRange, endRange), flushing it first if dirty, and returns nil so
// the caller's own allocateEntry call picks up the freed slot. If the
// target range shows up in the cache as a side effect of the flush (a
// tail-cleaning pass can relocate and re-cache pages), it returns that
// entry directly instead, already pinned and moved to the front of the
// LRU list.
//
// The system is single-threaded (see pkg/mtable), so the least-recently-
// used unpinned candidate found by one backward scan of the LRU list is
// always still unpinned by the time it's evicted — no retry loop is
// needed the way a concurrent cache would need one.
func (c *Cache) evictOne(startRange, endRange uint64, cleanTail bool) (*Entry, error) {
	var cand *Entry

	for cand = c.lruTail; cand != nil && cand.pinCount != 0; cand = cand.lruPrev {
	}

	invariant.Check(cand != nil, "page cache exhausted: nothing evictable")

	c.lruRemove(cand)

	if cand.dirty {
		if err := c.flushEntry(cand, cleanTail); err != nil {
			return nil, err
		}
	}

	if spawned := c.GetPageEntry(startRange, endRange); spawned != nil {
		if spawned.StartRange == startRange && spawned.EndRange == endRange {
			c.lruPushHead(cand)
			c.lruMoveToHead(spawned)

			return spawned, nil
		}

		c.Unpin(spawned)
	}

	c.removeFromSorted(cand)

	if cand.parent != nil {
		invariant.Check(cand.parent.pinCount > 0, "parent pin count underflow evicting [%d,%d)", cand.StartRange, cand.EndRange)
		cand.parent.pinCount--
	}

	c.freeEntry(cand)

	return nil, nil
}

// AcquireFromStorage returns the cached entry for [startRange, endRange),
// reading it in from storageAddress if it isn't already cached — either
// in this cache, or (via the parent/child handoff below) in the paired
// cache.
//
// A writer cache (parentCache == nil) and its child reader cache share
// entries: when the writer asks for a page the reader already holds, the
// reader's entry is transferred into the writer; when the reader asks for
// a page the writer holds, the writer's entry is returned as is, without a
// transfer. Either way the device never ends up backing two independent
// in-memory versions of the same page.
func (c *Cache) AcquireFromStorage(startRange, endRange, storageAddress uint64, parent *Entry, cleanTail bool) (*Entry, error) {
	invariant.Check(storageAddress != format.InvalidAddress, "acquire from storage with invalid address")

	entry, err := c.Insert(startRange, endRange, 0, parent, cleanTail)
	if err != nil {
		return nil, err
	}

	// Insert was asked for level 0; if the returned entry's level isn't
	// 0, it was already cached under its real (non-zero) level and this
	// call just found an existing hit — nothing left to do.
	if entry.Level != 0 {
		return entry, nil
	}

	readFromFlash := true

	if c.parentCache == nil {
		if c.childCache != nil {
			childEntry := c.childCache.GetPageEntry(startRange, endRange)
			if childEntry != nil && childEntry.StartRange == startRange && childEntry.EndRange == endRange {
				c.takeEntryOwnership(entry, c.childCache, childEntry)
				childEntry.parent = parent
				readFromFlash = false
				entry = childEntry
			} else if childEntry != nil {
				c.childCache.Unpin(childEntry)
			}
		}
	} else {
		parentEntry := c.parentCache.GetPageEntry(startRange, endRange)
		if parentEntry != nil && parentEntry.StartRange == startRange && parentEntry.EndRange == endRange {
			readFromFlash = false
			entry = parentEntry
		} else if parentEntry != nil {
			c.parentCache.Unpin(parentEntry)
		}
	}

	if readFromFlash {
		if err := c.store.Read(storageAddress, entry.Block); err != nil {
			c.freeEntry(entry)

			return nil, fmt.Errorf("mtpc: read page [%d,%d) from storage: %w", startRange, endRange, err)
		}
	}

	if format.IsErased(entry.Block) {
		return nil, fmt.Errorf("mtpc: acquired page [%d,%d) reads as erased: %w", startRange, endRange, ErrCorruptPage)
	}

	hdr, err := format.DecodeHeader(entry.Block)
	if err != nil {
		return nil, err
	}

	if hdr.Type != format.BlockMT || hdr.LogicalAddress != startRange {
		return nil, fmt.Errorf("mtpc: acquired page [%d,%d) header mismatch (type=%d logical=%d): %w",
			startRange, endRange, hdr.Type, hdr.LogicalAddress, ErrCorruptPage)
	}

	entry.Level = hdr.Level

	invariant.Check(!entry.dirty, "freshly acquired page [%d,%d) is dirty", startRange, endRange)

	return entry, nil
}

// takeEntryOwnership moves entryB out of cacheB's live structures and into
// c's, and gives entryA (from c's arena) to cacheB's free list in
// exchange — transplanting ownership of a live page between the two
// caches of a parent/child pair without copying its bytes.
func (c *Cache) takeEntryOwnership(entryA *Entry, cacheB *Cache, entryB *Entry) {
	c.lruRemove(entryA)
	cacheB.lruRemove(entryB)

	c.removeFromSorted(entryA)
	cacheB.removeFromSorted(entryB)

	c.insertSorted(entryB)
	c.lruPushHead(entryB)

	cacheB.freeEntry(entryA)
}

// Unpin decrements the entry's pin count and returns the new value. A
// nil entry is a no-op, mirroring callers that probe for a page and get
// back nothing to unpin.
func (c *Cache) Unpin(e *Entry) uint16 {
	if e == nil {
		return 0
	}

	invariant.Check(e.pinCount > 0, "unpin of entry [%d,%d) with zero pin count", e.StartRange, e.EndRange)
	e.pinCount--

	return e.pinCount
}

// MarkDirty marks the entry as needing write-back before eviction. A nil
// entry is a no-op.
func (c *Cache) MarkDirty(e *Entry) {
	if e == nil {
		return
	}

	e.dirty = true
}

// FlushAll writes back every dirty entry, deepest level first so that a
// child's flush can update its still-resident parent before the parent
// itself is flushed. Returns the number of entries flushed.
func (c *Cache) FlushAll(cleanTail bool) (int, error) {
	var maxLevel uint8

	for i := uint32(0); i < c.size; i++ {
		if c.sorted[i].Level > maxLevel {
			maxLevel = c.sorted[i].Level
		}
	}

	total := 0

	for level := int(maxLevel); level >= 0; level-- {
		for i := uint32(0); i < c.size; i++ {
			e := c.sorted[i]
			if !e.dirty || int(e.Level) != level {
				continue
			}

			if err := c.flushEntry(e, cleanTail); err != nil {
				return total, fmt.Errorf("mtpc: flush all: %w", err)
			}

			e.dirty = false
			total++
		}
	}

	return total, nil
}

// DebugDump renders every resident entry, one line each, ordered the same
// way the sorted index is: range, level, pin count, dirty flag. Diagnostic
// only; not used by any correctness path.
func (c *Cache) DebugDump() string {
	var b strings.Builder

	fmt.Fprintf(&b, "mtpc: %d/%d entries\n", c.size, c.capacity)

	for i := uint32(0); i < c.size; i++ {
		e := c.sorted[i]

		dirty := ""
		if e.dirty {
			dirty = " dirty"
		}

		fmt.Fprintf(&b, "  [%d,%d) level=%d pins=%d%s\n", e.StartRange, e.EndRange, e.Level, e.pinCount, dirty)
	}

	return b.String()
}
