// Package blockdev defines the block-device contract the log-structured
// store is built on: fixed write granularity, whole-segment erase, and a
// handful of geometry getters. See _examples/original_source's flash_s for
// the reference shape this generalizes.
package blockdev

import "errors"

// Sentinel errors. Callers should use errors.Is.
var (
	// ErrInvalidInput indicates a misaligned offset or length (not a
	// multiple of write granularity, or not segment-aligned for Erase), an
	// access beyond the device size, or an invalid device geometry.
	ErrInvalidInput = errors.New("blockdev: invalid input")

	// ErrIO wraps an underlying I/O failure from the backing store.
	ErrIO = errors.New("blockdev: io error")

	// ErrClosed indicates the device has already been closed.
	ErrClosed = errors.New("blockdev: closed")
)

// Device is the block-device contract consumed by pkg/lss.
//
// All I/O sizes must be multiples of WriteGranularity(); Erase offsets must
// be aligned to SegmentSize(). Write persists before returning — there is
// no separate flush step. An erased block reads back as all-ones bytes.
//
// Implementations need not be safe for concurrent use; the system above
// this interface is single-threaded (see spec §5).
type Device interface {
	// ReadAt reads len(buf) bytes starting at addr.
	ReadAt(addr uint64, buf []byte) error

	// WriteAt writes buf starting at addr. Persists before returning.
	WriteAt(addr uint64, buf []byte) error

	// Erase resets the whole segment starting at segmentOffset to all-ones.
	Erase(segmentOffset uint64) error

	// SegmentSize returns the erase-granularity in bytes.
	SegmentSize() uint64

	// WriteGranularity returns the smallest programmable unit in bytes.
	WriteGranularity() uint64

	// TotalSize returns the total addressable device size in bytes.
	TotalSize() uint64

	// Close releases any resources held by the device.
	Close() error
}

func checkAligned(addr, length, granularity uint64) error {
	if granularity == 0 {
		return ErrInvalidInput
	}

	if length%granularity != 0 {
		return ErrInvalidInput
	}

	if addr%granularity != 0 {
		return ErrInvalidInput
	}

	return nil
}
