package format

import "encoding/binary"

// InvalidAddress is the sentinel physical address meaning "unmapped" /
// "not yet written", mirroring the original's FLASH_INVALID_ADDRESS.
const InvalidAddress = ^uint64(0)

// MTEntrySize is the encoded size in bytes of one mapping-table entry: a
// single physical address. The logical address isn't stored per entry —
// it's derived from the page's start range plus the entry's index, per
// original_source's mapping_table_entry_t comment.
const MTEntrySize = 8

// EncodeMTEntry writes physicalAddress into buf[:MTEntrySize].
func EncodeMTEntry(physicalAddress uint64, buf []byte) {
	binary.LittleEndian.PutUint64(buf[:MTEntrySize], physicalAddress)
}

// DecodeMTEntry reads a physical address out of buf[:MTEntrySize].
func DecodeMTEntry(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[:MTEntrySize])
}

// MTEntriesPerPage returns how many mapping-table entries fit in the data
// area of a page of the given size (the page minus its header).
func MTEntriesPerPage(pageSize uint32) uint32 {
	if uint32(HeaderSize) >= pageSize {
		return 0
	}

	return (pageSize - HeaderSize) / MTEntrySize
}
