package blockdev

import "fmt"

// MemDevice is an in-memory Device, used by every package's tests and by
// cmd/mtcli's --mem mode. Same contract as FileDevice, backed by a single
// byte slice instead of a file descriptor.
type MemDevice struct {
	data             []byte
	segmentSize      uint64
	writeGranularity uint64
	closed           bool
}

// NewMemDevice creates a fully-erased (all-ones) in-memory device.
func NewMemDevice(totalSize, segmentSize, writeGranularity uint64) (*MemDevice, error) {
	if segmentSize == 0 || writeGranularity == 0 || totalSize == 0 {
		return nil, ErrInvalidInput
	}

	if segmentSize%writeGranularity != 0 {
		return nil, fmt.Errorf("segment size %d not a multiple of write granularity %d: %w", segmentSize, writeGranularity, ErrInvalidInput)
	}

	if totalSize%segmentSize != 0 {
		return nil, fmt.Errorf("total size %d not a multiple of segment size %d: %w", totalSize, segmentSize, ErrInvalidInput)
	}

	data := make([]byte, totalSize)
	for i := range data {
		data[i] = 0xFF
	}

	return &MemDevice{
		data:             data,
		segmentSize:      segmentSize,
		writeGranularity: writeGranularity,
	}, nil
}

// ReadAt implements Device.
func (d *MemDevice) ReadAt(addr uint64, buf []byte) error {
	if d.closed {
		return ErrClosed
	}

	if err := checkAligned(addr, uint64(len(buf)), d.writeGranularity); err != nil {
		return err
	}

	if addr+uint64(len(buf)) > uint64(len(d.data)) {
		return fmt.Errorf("read [%d,%d) exceeds device size %d: %w", addr, addr+uint64(len(buf)), len(d.data), ErrInvalidInput)
	}

	copy(buf, d.data[addr:addr+uint64(len(buf))])

	return nil
}

// WriteAt implements Device.
func (d *MemDevice) WriteAt(addr uint64, buf []byte) error {
	if d.closed {
		return ErrClosed
	}

	if err := checkAligned(addr, uint64(len(buf)), d.writeGranularity); err != nil {
		return err
	}

	if addr+uint64(len(buf)) > uint64(len(d.data)) {
		return fmt.Errorf("write [%d,%d) exceeds device size %d: %w", addr, addr+uint64(len(buf)), len(d.data), ErrInvalidInput)
	}

	copy(d.data[addr:addr+uint64(len(buf))], buf)

	return nil
}

// Erase implements Device.
func (d *MemDevice) Erase(segmentOffset uint64) error {
	if d.closed {
		return ErrClosed
	}

	if segmentOffset%d.segmentSize != 0 {
		return fmt.Errorf("erase offset %d not segment-aligned (segment size %d): %w", segmentOffset, d.segmentSize, ErrInvalidInput)
	}

	if segmentOffset+d.segmentSize > uint64(len(d.data)) {
		return fmt.Errorf("erase [%d,%d) exceeds device size %d: %w", segmentOffset, segmentOffset+d.segmentSize, len(d.data), ErrInvalidInput)
	}

	segment := d.data[segmentOffset : segmentOffset+d.segmentSize]
	for i := range segment {
		segment[i] = 0xFF
	}

	return nil
}

// SegmentSize implements Device.
func (d *MemDevice) SegmentSize() uint64 { return d.segmentSize }

// WriteGranularity implements Device.
func (d *MemDevice) WriteGranularity() uint64 { return d.writeGranularity }

// TotalSize implements Device.
func (d *MemDevice) TotalSize() uint64 { return uint64(len(d.data)) }

// Close implements Device. A no-op beyond marking the device unusable.
func (d *MemDevice) Close() error {
	d.closed = true

	return nil
}

var _ Device = (*MemDevice)(nil)
