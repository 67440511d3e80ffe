// Package format encodes and decodes the fixed-layout structures written to
// the block device: the block header prefix every flash block starts with,
// the per-segment metadata block, and mapping-table entries. Relocation
// records are never written to the device and are not encoded here.
// Grounded on _examples/original_source's flash_block_t and
// lss_segment_metadata_t, adapted from C bitfields
// and raw memcpy to explicit offset tables the way pkg/slotcache/format.go
// lays out SLC1.
package format

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BlockType identifies what a flash block holds. Packed into the low 2 bits
// of the header prefix.
type BlockType uint8

const (
	// BlockMT marks a mapping-table page (root or interior/leaf node).
	BlockMT BlockType = 0

	// BlockData marks a leaf data page addressed by a logical address.
	BlockData BlockType = 1

	// BlockSegMeta marks the per-segment metadata block written at the
	// start of every segment.
	BlockSegMeta BlockType = 2
)

// HeaderSize is the size in bytes of the encoded block header prefix: an
// 8-byte packed (type, level, logical_address) word.
const HeaderSize = 8

const (
	typeBits    = 2
	levelBits   = 6
	logAddrBits = 56

	typeMask    = 1<<typeBits - 1
	levelMask   = 1<<levelBits - 1
	logAddrMask = 1<<logAddrBits - 1
)

// ErrCorrupt indicates a header or segment-metadata block whose bit layout
// is internally inconsistent (e.g. a BlockType outside the known range).
var ErrCorrupt = errors.New("format: corrupt block")

// Header is the decoded form of the 8-byte prefix every flash block starts
// with. For a BlockMT block, Level is the page's height in the tree (root
// is 0) and LogicalAddress is the start of its address range. For a
// BlockData block, Level is unused and LogicalAddress is the page's logical
// address. For a BlockSegMeta block neither field is meaningful.
type Header struct {
	Type           BlockType
	Level          uint8
	LogicalAddress uint64
}

// EncodeHeader packs h into the first HeaderSize bytes of buf. buf must be
// at least HeaderSize bytes long.
func EncodeHeader(h Header, buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("header buffer too small: %d < %d: %w", len(buf), HeaderSize, ErrCorrupt)
	}

	if h.Type > typeMask {
		return fmt.Errorf("block type %d exceeds %d bits: %w", h.Type, typeBits, ErrCorrupt)
	}

	if h.Level > levelMask {
		return fmt.Errorf("level %d exceeds %d bits: %w", h.Level, levelBits, ErrCorrupt)
	}

	if h.LogicalAddress > logAddrMask {
		return fmt.Errorf("logical address %d exceeds %d bits: %w", h.LogicalAddress, logAddrBits, ErrCorrupt)
	}

	word := uint64(h.Type) | uint64(h.Level)<<typeBits | h.LogicalAddress<<(typeBits+levelBits)

	binary.LittleEndian.PutUint64(buf[:HeaderSize], word)

	return nil
}

// DecodeHeader unpacks the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("header buffer too small: %d < %d: %w", len(buf), HeaderSize, ErrCorrupt)
	}

	word := binary.LittleEndian.Uint64(buf[:HeaderSize])

	return Header{
		Type:           BlockType(word & typeMask),
		Level:          uint8((word >> typeBits) & levelMask),
		LogicalAddress: (word >> (typeBits + levelBits)) & logAddrMask,
	}, nil
}

// IsErased reports whether buf looks like an erased (all-ones) block: the
// device-specific sentinel is checked by reading the first word as though
// it were a header and comparing against the all-ones pattern, mirroring
// the original's check of the first native word before trusting any other
// field. Device erase fill value is fixed at 0xFF bytes (see
// pkg/blockdev), so this is just a raw byte compare.
func IsErased(buf []byte) bool {
	if len(buf) < HeaderSize {
		return false
	}

	for _, b := range buf[:HeaderSize] {
		if b != 0xFF {
			return false
		}
	}

	return true
}
