package mtable

import (
	"fmt"

	"github.com/hesham-youssef/flashmt/internal/format"
	"github.com/hesham-youssef/flashmt/pkg/blockdev"
)

// Config configures Open. Either Device or Path must be set: Device lets a
// caller hand over an already-constructed blockdev.Device directly (an
// in-memory device for tests and cmd/mtcli's --mem mode, or a device shared
// across a close/reopen pair); Path has Open construct a blockdev.FileDevice
// itself, in which case SegmentSize and TotalSize are also required.
type Config struct {
	// Device, if non-nil, is used directly instead of opening Path. Its
	// lifetime is the caller's responsibility — Close will not close it.
	Device blockdev.Device

	// Path is the file device's backing path, used to construct a
	// blockdev.FileDevice when Device is nil, and as the base name for the
	// manifest sidecar whether or not Device is set.
	Path string

	// SegmentSize and TotalSize describe device geometry, required only
	// when Open must construct a FileDevice from Path.
	SegmentSize uint64
	TotalSize   uint64

	// NPageMappings is the logical address space size: valid logical
	// addresses are [0, NPageMappings).
	NPageMappings uint32

	// BlockSize is the page size in bytes — must equal the device's write
	// granularity.
	BlockSize uint32

	// CacheCapacity is the total number of mapping-table pages held across
	// both the table's own cache and the LSS's private aliveness-descent
	// cache. One entry is reserved for bookkeeping and the rest split
	// between the two per maxTreeHeight — see Open.
	CacheCapacity uint32

	// Create selects format-a-fresh-device (true) vs. recover-from-
	// existing-checkpoint (false).
	Create bool
}

// minFanout is the smallest fanout Open accepts: a block must hold the
// header plus at least two entries, or the tree degenerates into a linked
// list with no branching.
const minFanout = 2

func (cfg Config) geometry() (fanout uint32, paddedRange uint64, lssCacheCapacity, writerCacheCapacity uint32, err error) {
	if cfg.BlockSize == 0 {
		return 0, 0, 0, 0, fmt.Errorf("block_size must be > 0: %w", ErrInvalidConfig)
	}

	if cfg.NPageMappings == 0 {
		return 0, 0, 0, 0, fmt.Errorf("npage_mappings must be > 0: %w", ErrInvalidConfig)
	}

	fanout = format.MTEntriesPerPage(cfg.BlockSize)
	if fanout < minFanout {
		return 0, 0, 0, 0, fmt.Errorf("block_size %d yields fanout %d, need >= %d: %w", cfg.BlockSize, fanout, minFanout, ErrInvalidConfig)
	}

	paddedRange = uint64(1)
	for uint64(cfg.NPageMappings) > paddedRange {
		paddedRange *= uint64(fanout)
	}

	height := maxTreeHeight(paddedRange, fanout)
	if height < 0 || height > int(^uint32(0)) {
		return 0, 0, 0, 0, fmt.Errorf("computed tree height %d out of range: %w", height, ErrInvalidConfig)
	}

	lssCacheCapacity = uint32(height)

	// One slot reserved for bookkeeping (the root itself is always
	// resident outside the cache, but mapping_table_init reserves a slot
	// here too — kept for fidelity with the original's split).
	reserved := uint32(1) + lssCacheCapacity
	if cfg.CacheCapacity <= reserved {
		return 0, 0, 0, 0, fmt.Errorf("cache_capacity %d too small: needs > %d (1 + tree height %d) for fanout %d / npage_mappings %d: %w",
			cfg.CacheCapacity, reserved, lssCacheCapacity, fanout, cfg.NPageMappings, ErrInvalidConfig)
	}

	writerCacheCapacity = cfg.CacheCapacity - reserved

	return fanout, paddedRange, lssCacheCapacity, writerCacheCapacity, nil
}

// maxTreeHeight returns one more than the number of tree levels (root
// inclusive) needed to address totalEntries logical pages at the given
// fanout, and at least 2: 49 entries at fanout 7 give 3. Mirrors
// max_tree_height in mapping_table.c.
func maxTreeHeight(totalEntries uint64, fanout uint32) int {
	if totalEntries <= uint64(fanout) {
		return 2
	}

	capacity := uint64(1)
	height := 1

	for capacity < totalEntries {
		capacity *= uint64(fanout)
		height++
	}

	return height
}
