package blockdev

import (
	"bytes"
	"fmt"
	"os"
	"syscall"
)

// FileDevice is a file-backed Device, grounded on pkg/slotcache/open.go's
// choice to talk to the kernel through raw syscall.Pread/Pwrite rather than
// a wrapper library.
type FileDevice struct {
	fd               int
	totalSize        uint64
	segmentSize      uint64
	writeGranularity uint64
	closed           bool
}

// NewFileDevice opens or creates a file-backed device at path.
//
// If create is true, the file is truncated to totalSize and filled
// all-ones (the erased sentinel). If false, the existing file's size is
// validated against totalSize.
func NewFileDevice(path string, totalSize, segmentSize, writeGranularity uint64, create bool) (*FileDevice, error) {
	if segmentSize == 0 || writeGranularity == 0 || totalSize == 0 {
		return nil, ErrInvalidInput
	}

	if segmentSize%writeGranularity != 0 {
		return nil, fmt.Errorf("segment size %d not a multiple of write granularity %d: %w", segmentSize, writeGranularity, ErrInvalidInput)
	}

	if totalSize%segmentSize != 0 {
		return nil, fmt.Errorf("total size %d not a multiple of segment size %d: %w", totalSize, segmentSize, ErrInvalidInput)
	}

	flags := syscall.O_RDWR
	if create {
		flags |= syscall.O_CREAT | syscall.O_TRUNC
	}

	fd, err := syscall.Open(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, errJoin(err))
	}

	dev := &FileDevice{
		fd:               fd,
		totalSize:        totalSize,
		segmentSize:      segmentSize,
		writeGranularity: writeGranularity,
	}

	if create {
		if initErr := dev.fillAllOnes(0, totalSize); initErr != nil {
			_ = syscall.Close(fd)

			return nil, initErr
		}

		return dev, nil
	}

	var stat syscall.Stat_t

	if statErr := syscall.Fstat(fd, &stat); statErr != nil {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("stat %q: %w", path, errJoin(statErr))
	}

	if uint64(stat.Size) != totalSize {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("file size %d does not match expected total size %d: %w", stat.Size, totalSize, ErrInvalidInput)
	}

	return dev, nil
}

func errJoin(err error) error {
	return fmt.Errorf("%w: %w", ErrIO, err)
}

func (d *FileDevice) fillAllOnes(offset, length uint64) error {
	const chunkSize = 1 << 20

	chunk := bytes.Repeat([]byte{0xFF}, int(min(chunkSize, length)))

	remaining := length
	at := offset

	for remaining > 0 {
		n := uint64(len(chunk))
		if n > remaining {
			n = remaining
			chunk = chunk[:n]
		}

		if _, err := syscall.Pwrite(d.fd, chunk, int64(at)); err != nil {
			return fmt.Errorf("fill all-ones at %d: %w", at, errJoin(err))
		}

		at += n
		remaining -= n
	}

	return syscall.Fsync(d.fd)
}

// ReadAt implements Device.
func (d *FileDevice) ReadAt(addr uint64, buf []byte) error {
	if d.closed {
		return ErrClosed
	}

	if err := checkAligned(addr, uint64(len(buf)), d.writeGranularity); err != nil {
		return err
	}

	if addr+uint64(len(buf)) > d.totalSize {
		return fmt.Errorf("read [%d,%d) exceeds device size %d: %w", addr, addr+uint64(len(buf)), d.totalSize, ErrInvalidInput)
	}

	n, err := syscall.Pread(d.fd, buf, int64(addr))
	if err != nil {
		return fmt.Errorf("pread at %d: %w", addr, errJoin(err))
	}

	if n != len(buf) {
		return fmt.Errorf("short read at %d: got %d want %d: %w", addr, n, len(buf), ErrIO)
	}

	return nil
}

// WriteAt implements Device. Persists before returning.
func (d *FileDevice) WriteAt(addr uint64, buf []byte) error {
	if d.closed {
		return ErrClosed
	}

	if err := checkAligned(addr, uint64(len(buf)), d.writeGranularity); err != nil {
		return err
	}

	if addr+uint64(len(buf)) > d.totalSize {
		return fmt.Errorf("write [%d,%d) exceeds device size %d: %w", addr, addr+uint64(len(buf)), d.totalSize, ErrInvalidInput)
	}

	n, err := syscall.Pwrite(d.fd, buf, int64(addr))
	if err != nil {
		return fmt.Errorf("pwrite at %d: %w", addr, errJoin(err))
	}

	if n != len(buf) {
		return fmt.Errorf("short write at %d: got %d want %d: %w", addr, n, len(buf), ErrIO)
	}

	if err := syscall.Fsync(d.fd); err != nil {
		return fmt.Errorf("fsync after write at %d: %w", addr, errJoin(err))
	}

	return nil
}

// Erase implements Device: resets a whole segment to all-ones.
func (d *FileDevice) Erase(segmentOffset uint64) error {
	if d.closed {
		return ErrClosed
	}

	if segmentOffset%d.segmentSize != 0 {
		return fmt.Errorf("erase offset %d not segment-aligned (segment size %d): %w", segmentOffset, d.segmentSize, ErrInvalidInput)
	}

	if segmentOffset+d.segmentSize > d.totalSize {
		return fmt.Errorf("erase [%d,%d) exceeds device size %d: %w", segmentOffset, segmentOffset+d.segmentSize, d.totalSize, ErrInvalidInput)
	}

	return d.fillAllOnes(segmentOffset, d.segmentSize)
}

// SegmentSize implements Device.
func (d *FileDevice) SegmentSize() uint64 { return d.segmentSize }

// WriteGranularity implements Device.
func (d *FileDevice) WriteGranularity() uint64 { return d.writeGranularity }

// TotalSize implements Device.
func (d *FileDevice) TotalSize() uint64 { return d.totalSize }

// Close implements Device.
func (d *FileDevice) Close() error {
	if d.closed {
		return nil
	}

	d.closed = true

	if err := syscall.Close(d.fd); err != nil {
		return fmt.Errorf("close: %w", errJoin(err))
	}

	return nil
}

var _ Device = (*FileDevice)(nil)

// Exists reports whether path exists, used by callers deciding whether to
// pass create=true to NewFileDevice.
func Exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
