package lss

import (
	"fmt"

	"github.com/hesham-youssef/flashmt/internal/format"
)

// Stats summarizes the log's current occupancy and liveness — a
// diagnostic snapshot, not used by any correctness path. Mirrors
// lss_debug_analyze's summary fields.
type Stats struct {
	FlashSize      uint64
	BlockSize      uint64
	TotalBlocks    uint64
	Head           uint64
	Tail           uint64
	UsedSpace      uint64
	AliveBlocks    uint64
	DeadBlocks     uint64
	InvalidBlocks  uint64
	LevelHistogram map[uint8]uint64
}

// DebugStats scans the entire device and reports alive/dead/invalid block
// counts and a per-level histogram, alongside the log's current head,
// tail, and occupancy. Supplements the original's FLASH_DEBUG-gated
// lss_debug_analyze, exposed unconditionally here since it costs nothing
// to compile and is useful to cmd/mtcli's stats command.
func (s *Store) DebugStats() (Stats, error) {
	blockSize := s.dev.WriteGranularity()
	flashSize := s.dev.TotalSize()
	nBlocks := flashSize / blockSize

	stats := Stats{
		FlashSize:      flashSize,
		BlockSize:      blockSize,
		TotalBlocks:    nBlocks,
		Head:           s.head,
		Tail:           s.tail,
		UsedSpace:      s.usedSpace(),
		LevelHistogram: make(map[uint8]uint64),
	}

	buf := make([]byte, blockSize)

	for i := uint64(0); i < nBlocks; i++ {
		off := i * blockSize

		if err := s.dev.ReadAt(off, buf); err != nil {
			stats.InvalidBlocks++

			continue
		}

		if format.IsErased(buf) {
			stats.InvalidBlocks++

			continue
		}

		hdr, err := format.DecodeHeader(buf)
		if err != nil || hdr.Level > 10 {
			stats.InvalidBlocks++

			continue
		}

		alive, _, err := s.isMTBlockAlive(off, buf)
		if err != nil {
			return stats, fmt.Errorf("lss: debug stats: %w", err)
		}

		if alive {
			stats.AliveBlocks++
		} else {
			stats.DeadBlocks++
		}

		if hdr.Level < 8 {
			stats.LevelHistogram[hdr.Level]++
		}
	}

	return stats, nil
}
