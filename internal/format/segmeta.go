package format

import "encoding/binary"

// SegMeta is the per-segment metadata block written at the start of every
// segment (offset 0 within the segment). Grounded on
// original_source's lss_segment_metadata_t.
type SegMeta struct {
	// ContainsCheckpoint is true when TailOffset/NpageMappings/BlockSize in
	// this record are a valid checkpoint of mapping-table state as of
	// SeqNum, rather than just a segment header.
	ContainsCheckpoint bool

	// BlockSize is the device write granularity in effect when this
	// segment was written.
	BlockSize uint32

	// NpageMappings is the mapping table's logical page count as of this
	// checkpoint.
	NpageMappings uint32

	// TailOffset is the log tail (the oldest position not yet reclaimed by
	// tail cleaning) as of this checkpoint.
	TailOffset uint64

	// SeqNum is a monotonically increasing counter, used during recovery
	// to find the most recent checkpointed segment.
	SeqNum uint64
}

// SegMetaSize is the encoded size in bytes of a SegMeta record, not
// counting the block header prefix it follows.
const SegMetaSize = 1 + 4 + 4 + 8 + 8

const (
	segMetaOffContainsCheckpoint = 0
	segMetaOffBlockSize          = 1
	segMetaOffNpageMappings      = 5
	segMetaOffTailOffset         = 9
	segMetaOffSeqNum             = 17
)

// EncodeSegMeta serializes m into buf[HeaderSize : HeaderSize+SegMetaSize],
// after writing a BlockSegMeta header into buf[:HeaderSize]. buf must be at
// least HeaderSize+SegMetaSize bytes long.
func EncodeSegMeta(m SegMeta, buf []byte) error {
	if err := EncodeHeader(Header{Type: BlockSegMeta}, buf); err != nil {
		return err
	}

	body := buf[HeaderSize : HeaderSize+SegMetaSize]

	if m.ContainsCheckpoint {
		body[segMetaOffContainsCheckpoint] = 1
	} else {
		body[segMetaOffContainsCheckpoint] = 0
	}

	binary.LittleEndian.PutUint32(body[segMetaOffBlockSize:], m.BlockSize)
	binary.LittleEndian.PutUint32(body[segMetaOffNpageMappings:], m.NpageMappings)
	binary.LittleEndian.PutUint64(body[segMetaOffTailOffset:], m.TailOffset)
	binary.LittleEndian.PutUint64(body[segMetaOffSeqNum:], m.SeqNum)

	return nil
}

// DecodeSegMeta parses a SegMeta record out of buf, expecting a BlockSegMeta
// header at buf[:HeaderSize]. Returns ErrCorrupt if the header's type is
// not BlockSegMeta.
func DecodeSegMeta(buf []byte) (SegMeta, error) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return SegMeta{}, err
	}

	if hdr.Type != BlockSegMeta {
		return SegMeta{}, ErrCorrupt
	}

	if len(buf) < HeaderSize+SegMetaSize {
		return SegMeta{}, ErrCorrupt
	}

	body := buf[HeaderSize : HeaderSize+SegMetaSize]

	return SegMeta{
		ContainsCheckpoint: body[segMetaOffContainsCheckpoint] != 0,
		BlockSize:          binary.LittleEndian.Uint32(body[segMetaOffBlockSize:]),
		NpageMappings:      binary.LittleEndian.Uint32(body[segMetaOffNpageMappings:]),
		TailOffset:         binary.LittleEndian.Uint64(body[segMetaOffTailOffset:]),
		SeqNum:             binary.LittleEndian.Uint64(body[segMetaOffSeqNum:]),
	}, nil
}
