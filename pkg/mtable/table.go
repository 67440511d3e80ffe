// Package mtable implements the fixed-fanout hierarchical mapping table: a
// logical-to-physical page address translator persisted through a
// log-structured store, with a bounded in-memory page cache shared between
// the table's own writes and the store's background tail-cleaning descents.
// Grounded on _examples/original_source's mapping_table.c.
package mtable

import (
	"fmt"

	"github.com/hesham-youssef/flashmt/internal/format"
	"github.com/hesham-youssef/flashmt/internal/invariant"
	"github.com/hesham-youssef/flashmt/pkg/blockdev"
	"github.com/hesham-youssef/flashmt/pkg/lss"
	"github.com/hesham-youssef/flashmt/pkg/mtpc"
)

// Table is a logical-to-physical page address translator backed by a
// log-structured store. Not safe for concurrent use (see spec's
// single-writer Non-goal).
type Table struct {
	dev      blockdev.Device
	devOwned bool

	manifestPath string

	blockSize     uint32
	npageMappings uint32
	paddedRange   uint64
	fanout        uint32

	root       []byte
	rootOffset uint64

	writer *mtpc.Cache
	store  *lss.Store
}

var _ lss.Table = (*Table)(nil)

func (t *Table) Root() []byte             { return t.root }
func (t *Table) Fanout() uint32           { return t.fanout }
func (t *Table) PaddedRange() uint64      { return t.paddedRange }
func (t *Table) BlockSize() uint32        { return t.blockSize }
func (t *Table) NPageMappings() uint32    { return t.npageMappings }
func (t *Table) WriterCache() *mtpc.Cache { return t.writer }
func (t *Table) Store() *lss.Store        { return t.store }

// resolveDevice returns the device Open should use, and whether Table owns
// it (and must Close it in turn).
func resolveDevice(cfg Config) (blockdev.Device, bool, error) {
	if cfg.Device != nil {
		return cfg.Device, false, nil
	}

	if cfg.Path == "" {
		return nil, false, fmt.Errorf("config has neither Device nor Path set: %w", ErrInvalidConfig)
	}

	if cfg.SegmentSize == 0 || cfg.TotalSize == 0 {
		return nil, false, fmt.Errorf("path-based config needs segment_size and total_size: %w", ErrInvalidConfig)
	}

	dev, err := blockdev.NewFileDevice(cfg.Path, cfg.TotalSize, cfg.SegmentSize, uint64(cfg.BlockSize), cfg.Create)
	if err != nil {
		return nil, false, fmt.Errorf("open device %s: %w", cfg.Path, err)
	}

	return dev, true, nil
}

// Open formats a fresh table (Config.Create) or recovers an existing one
// from its most recent checkpoint, mirroring mapping_table_init.
func Open(cfg Config) (table *Table, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverInvariant(r)
		}
	}()

	fanout, paddedRange, lssCacheCapacity, writerCacheCapacity, err := cfg.geometry()
	if err != nil {
		return nil, err
	}

	dev, devOwned, err := resolveDevice(cfg)
	if err != nil {
		return nil, err
	}

	if dev.WriteGranularity() != uint64(cfg.BlockSize) {
		if devOwned {
			_ = dev.Close()
		}

		return nil, fmt.Errorf("device write granularity %d disagrees with block_size %d: %w",
			dev.WriteGranularity(), cfg.BlockSize, ErrInvalidConfig)
	}

	t := &Table{
		dev:           dev,
		devOwned:      devOwned,
		manifestPath:  manifestPath(cfg.Path),
		blockSize:     cfg.BlockSize,
		npageMappings: cfg.NPageMappings,
		paddedRange:   paddedRange,
		fanout:        fanout,
		root:          make([]byte, cfg.BlockSize),
	}

	store := lss.New(dev)
	t.store = store

	// The LSS's private reader cache is a child of the table's own writer
	// cache — mtpc_create(lss_cache_capacity, mtable, mtable->page_cache)
	// in mapping_table_init.
	t.writer = mtpc.New(writerCacheCapacity, cfg.BlockSize, fanout, paddedRange, t.root, store, nil)
	readerCache := mtpc.New(lssCacheCapacity, cfg.BlockSize, fanout, paddedRange, t.root, store, t.writer)

	store.Bind(t, readerCache)

	if cfg.Create {
		if err := format.EncodeHeader(format.Header{Type: format.BlockMT, Level: 0, LogicalAddress: 0}, t.root); err != nil {
			closeOwned(dev, devOwned)
			return nil, fmt.Errorf("encode root header: %w", err)
		}

		for i := format.HeaderSize; i+format.MTEntrySize <= len(t.root); i += format.MTEntrySize {
			format.EncodeMTEntry(format.InvalidAddress, t.root[i:i+format.MTEntrySize])
		}

		if err := store.Init(); err != nil {
			closeOwned(dev, devOwned)
			return nil, fmt.Errorf("init store: %w", err)
		}

		if err := writeManifest(t.manifestPath, manifest{
			NPageMappings: cfg.NPageMappings,
			BlockSize:     cfg.BlockSize,
			CacheCapacity: cfg.CacheCapacity,
		}); err != nil {
			closeOwned(dev, devOwned)
			return nil, err
		}

		return t, nil
	}

	if err := checkManifest(t.manifestPath, cfg); err != nil {
		closeOwned(dev, devOwned)
		return nil, err
	}

	root, rootOffset, err := store.LoadRootAndSegMeta()
	if err != nil {
		closeOwned(dev, devOwned)
		return nil, fmt.Errorf("recover root: %w", err)
	}

	recovered := store.SegMeta()
	if recovered.BlockSize != cfg.BlockSize || recovered.NpageMappings != cfg.NPageMappings {
		closeOwned(dev, devOwned)
		return nil, fmt.Errorf("recovered checkpoint records npage_mappings=%d block_size=%d, config asks for %d/%d: %w",
			recovered.NpageMappings, recovered.BlockSize, cfg.NPageMappings, cfg.BlockSize, ErrGeometryMismatch)
	}

	copy(t.root, root)
	t.rootOffset = rootOffset

	return t, nil
}

// recoverInvariant converts a recovered invariant.Violation into an error
// wrapping ErrInvariant, so callers can distinguish it from the package's
// other sentinel errors with errors.Is(err, mtable.ErrInvariant). Anything
// else recover() might have caught re-panics, per invariant.Recover.
func recoverInvariant(r any) error {
	err := invariant.Recover(r)
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrInvariant, err)
}

func closeOwned(dev blockdev.Device, owned bool) {
	if owned {
		_ = dev.Close()
	}
}

// Close drains pending relocations, flushes every dirty cached page
// (deepest level first), appends a final root checkpoint, and — if Open
// constructed the device itself — closes it. Mirrors mapping_table_destroy.
func (t *Table) Close() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverInvariant(r)
		}
	}()

	if err := t.store.ReallocEvict(); err != nil {
		return fmt.Errorf("mtable: close: drain relocations: %w", err)
	}

	if _, err := t.writer.FlushAll(false); err != nil {
		return fmt.Errorf("mtable: close: flush cache: %w", err)
	}

	if _, err := t.store.Write(t.root, false); err != nil {
		return fmt.Errorf("mtable: close: write root: %w", err)
	}

	if t.devOwned {
		if err := t.dev.Close(); err != nil {
			return fmt.Errorf("mtable: close: %w", err)
		}
	}

	return nil
}

// descentState tracks the page currently being examined during a tree
// descent: either the table's always-resident root (entry == nil, block ==
// t.root) or a cached interior/leaf page (entry != nil, block ==
// entry.Block). Mirrors curr_block/cache_entry in mapping_table.c, where
// the root is a bare pointer held outside the cache and every other page
// is a cache_entry.
type descentState struct {
	entry      *mtpc.Entry
	block      []byte
	level      uint8
	rangeStart uint64
	rangeSize  uint64
}

// startDescent runs the single whole-cache Search for logical that opens
// both mapping_table_update_physical_address and
// ..._get_physical_address, falling back to the root when nothing cached
// contains logical.
func (t *Table) startDescent(logical uint64) descentState {
	if e := t.writer.Search(logical); e != nil {
		return descentState{entry: e, block: e.Block, level: e.Level, rangeStart: e.StartRange, rangeSize: e.EndRange - e.StartRange}
	}

	return descentState{block: t.root, level: 0, rangeStart: 0, rangeSize: t.paddedRange}
}

// Update sets logical's physical address, creating any missing interior
// pages and the leaf page along the way. Cleans the log's tail
// opportunistically as part of any store write this triggers — the
// original's exposed clean_tail toggle is always on here (see DESIGN.md).
func (t *Table) Update(logical, physical uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverInvariant(r)
		}
	}()

	if logical >= uint64(t.npageMappings) {
		return fmt.Errorf("mtable: update: logical %d >= npage_mappings %d: %w", logical, t.npageMappings, ErrOutOfRange)
	}

	const cleanTail = true

	curr := t.startDescent(logical)

	for {
		subRange := curr.rangeSize / uint64(t.fanout)
		invariant.Check(subRange > 0, "mtable: sub_range underflow at logical %d", logical)

		targetIndex := (logical % curr.rangeSize) / subRange
		off := format.HeaderSize + int(targetIndex)*format.MTEntrySize

		if subRange == 1 {
			format.EncodeMTEntry(physical, curr.block[off:off+format.MTEntrySize])
			t.writer.MarkDirty(curr.entry)
			t.writer.Unpin(curr.entry)

			return nil
		}

		addr := format.DecodeMTEntry(curr.block[off : off+format.MTEntrySize])

		childStart := curr.rangeStart + targetIndex*subRange
		childEnd := childStart + subRange
		childLevel := curr.level + 1

		var (
			child *mtpc.Entry
			cerr  error
		)

		if addr == format.InvalidAddress {
			child, cerr = t.writer.Insert(childStart, childEnd, childLevel, curr.entry, cleanTail)
			if cerr != nil {
				t.writer.Unpin(curr.entry)
				return fmt.Errorf("mtable: update: allocate page [%d,%d): %w", childStart, childEnd, cerr)
			}

			for i := format.HeaderSize; i+format.MTEntrySize <= len(child.Block); i += format.MTEntrySize {
				format.EncodeMTEntry(format.InvalidAddress, child.Block[i:i+format.MTEntrySize])
			}
		} else {
			child, cerr = t.writer.AcquireFromStorage(childStart, childEnd, addr, curr.entry, cleanTail)
			if cerr != nil {
				t.writer.Unpin(curr.entry)
				return fmt.Errorf("mtable: update: load page [%d,%d) at %d: %w", childStart, childEnd, addr, cerr)
			}
		}

		t.writer.Unpin(curr.entry)

		curr = descentState{entry: child, block: child.Block, level: child.Level, rangeStart: childStart, rangeSize: subRange}
	}
}

// Lookup returns logical's physical address, or ok=false if no page along
// the path has ever been written (an absent mapping is not an error).
// Mirrors mapping_table_get_physical_address.
func (t *Table) Lookup(logical uint64) (physical uint64, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverInvariant(r)
		}
	}()

	if logical >= uint64(t.npageMappings) {
		return 0, false, fmt.Errorf("mtable: lookup: logical %d >= npage_mappings %d: %w", logical, t.npageMappings, ErrOutOfRange)
	}

	const cleanTail = true

	curr := t.startDescent(logical)

	for {
		subRange := curr.rangeSize / uint64(t.fanout)
		invariant.Check(subRange > 0, "mtable: sub_range underflow at logical %d", logical)

		targetIndex := (logical % curr.rangeSize) / subRange
		off := format.HeaderSize + int(targetIndex)*format.MTEntrySize
		addr := format.DecodeMTEntry(curr.block[off : off+format.MTEntrySize])

		if subRange == 1 {
			t.writer.Unpin(curr.entry)

			if addr == format.InvalidAddress {
				return 0, false, nil
			}

			return addr, true, nil
		}

		if addr == format.InvalidAddress {
			t.writer.Unpin(curr.entry)
			return 0, false, nil
		}

		childStart := curr.rangeStart + targetIndex*subRange
		childEnd := childStart + subRange

		child, cerr := t.writer.AcquireFromStorage(childStart, childEnd, addr, curr.entry, cleanTail)
		if cerr != nil {
			t.writer.Unpin(curr.entry)
			return 0, false, fmt.Errorf("mtable: lookup: load page [%d,%d) at %d: %w", childStart, childEnd, addr, cerr)
		}

		t.writer.Unpin(curr.entry)

		curr = descentState{entry: child, block: child.Block, level: child.Level, rangeStart: childStart, rangeSize: subRange}
	}
}
