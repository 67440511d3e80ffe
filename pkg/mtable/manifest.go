package mtable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// manifest is a small human-readable sidecar written once alongside a
// file-backed table at create time: a fast geometry pre-flight on reopen,
// checked before the slower LSS checkpoint scan even runs. It is purely
// advisory — the LSS's own recovered SEG_META is authoritative; a missing
// manifest (e.g. an in-memory device, or a file predating this field) is
// not an error.
type manifest struct {
	NPageMappings uint32 `json:"npage_mappings"`
	BlockSize     uint32 `json:"block_size"`
	CacheCapacity uint32 `json:"cache_capacity"`
}

func manifestPath(devicePath string) string {
	if devicePath == "" {
		return ""
	}

	return devicePath + ".manifest.json"
}

// writeManifest durably writes m's JSON encoding to path via a temp-file
// rename, matching pkg/fs.Real.WriteFile's use of natefinch/atomic for
// sidecar files. A no-op when path is empty (no
// backing file, e.g. an in-memory device).
func writeManifest(path string, m manifest) error {
	if path == "" {
		return nil
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("mtable: encode manifest: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("mtable: write manifest %s: %w", path, err)
	}

	return nil
}

// checkManifest reads the manifest at path, if any, and compares it against
// cfg. A missing manifest is not an error — it only ever provides an early,
// cheap mismatch signal ahead of the LSS's own checkpoint-derived check.
func checkManifest(path string, cfg Config) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("mtable: read manifest %s: %w", path, err)
	}

	var m manifest

	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("mtable: decode manifest %s: %w", path, err)
	}

	if m.NPageMappings != cfg.NPageMappings || m.BlockSize != cfg.BlockSize {
		return fmt.Errorf("mtable: manifest %s records npage_mappings=%d block_size=%d, config asks for %d/%d: %w",
			path, m.NPageMappings, m.BlockSize, cfg.NPageMappings, cfg.BlockSize, ErrGeometryMismatch)
	}

	return nil
}
