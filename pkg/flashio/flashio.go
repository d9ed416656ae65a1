// Package flashio provides the uniform random-access byte-device
// abstraction (C1) that the rest of esp32part is built on: a seekable
// image file and a live serial-attached device both satisfy the same
// FlashIO interface, a single capability interface rather than a class
// hierarchy.
package flashio

import "context"

// ProgressFunc is invoked periodically (at >=100ms granularity) during
// long-running operations. It must not block.
type ProgressFunc func(done, total uint64)

// FlashIO is the uniform device abstraction. Implementations: *File (an
// image file) and *Device (a live, serial-attached chip via a bootloader
// stub).
type FlashIO interface {
	// Size returns the device's reported flash size in bytes.
	Size() uint64

	// ReadAt reads len(p) bytes starting at off. Implements io.ReaderAt so
	// callers can feed a FlashIO directly to imagehdr/parttable helpers.
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt writes p at off. Implements io.WriterAt.
	WriteAt(p []byte, off int64) (int, error)

	// Erase fills [offset, offset+length) with the flash's erased value
	// (0xFF). On device backends offset and length must be block-aligned.
	Erase(ctx context.Context, offset, length uint64, progress ProgressFunc) error

	// Flush ensures all buffered writes have reached the backing store.
	Flush() error

	// Close flushes and releases the device. Unless suppressed, device
	// backends perform a final hard reset.
	Close() error
}

// ReadRange is a convenience wrapper returning a freshly allocated slice.
func ReadRange(f FlashIO, offset, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	return buf, nil
}
