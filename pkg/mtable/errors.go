package mtable

import "errors"

// Sentinel errors. Callers should use errors.Is.
var (
	// ErrOutOfRange indicates a logical address outside [0, npage_mappings).
	ErrOutOfRange = errors.New("mtable: logical address out of range")

	// ErrInvalidConfig indicates an Open Config that doesn't describe a
	// usable geometry (block too small, cache too small for the tree's
	// own height, missing device/path, ...).
	ErrInvalidConfig = errors.New("mtable: invalid config")

	// ErrGeometryMismatch indicates a reopened device's recovered
	// checkpoint (or manifest sidecar) disagrees with the Config passed to
	// Open — block size or npage_mappings changed since the device was
	// formatted.
	ErrGeometryMismatch = errors.New("mtable: geometry mismatch")

	// ErrInvariant wraps an internal consistency violation recovered at
	// the public API boundary (Open/Close/Update/Lookup) rather than
	// surfacing as a raw panic.
	ErrInvariant = errors.New("mtable: invariant violated")
)
