package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// scenarioOp is a single step in a scripted run: exactly one of its fields
// is meaningful, selected by Op. Mirrors the tiny operation vocabulary
// spec §8's S1-S6 scenarios are written in.
type scenarioOp struct {
	Op       string  `json:"op"`
	Logical  uint64  `json:"logical"`
	Physical uint64  `json:"physical"`
	Want     *uint64 `json:"want"`
	WantErr  string  `json:"want_err"`
}

// scenario describes a device geometry plus a literal list of operations
// to replay against it — the hujson-with-comments config cmd/mtcli's
// `scenario <file>` command consumes.
type scenario struct {
	NPageMappings uint32       `json:"npage_mappings"`
	BlockSize     uint32       `json:"block_size"`
	CacheCapacity uint32       `json:"cache_capacity"`
	SegmentSize   uint64       `json:"segment_size"`
	TotalSize     uint64       `json:"total_size"`
	Ops           []scenarioOp `json:"ops"`
}

// loadScenario reads and parses a JSON-with-comments scenario file.
func loadScenario(path string) (scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return scenario{}, fmt.Errorf("read scenario %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return scenario{}, fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}

	var s scenario

	if err := json.Unmarshal(standardized, &s); err != nil {
		return scenario{}, fmt.Errorf("invalid scenario JSON in %s: %w", path, err)
	}

	return s, nil
}
