// Package partio implements C5: a bounded, partition-scoped view onto a
// flashio.FlashIO. It is deliberately a "weak" borrowed window - a
// PartitionIO never outlives the Firmware that created it, and it holds
// no resources of its own beyond the byte range it is scoped to.
//
// Access is an explicit Open plus a With helper for the common
// "do something, then always flush, even on error" shape.
package partio

import (
	"context"
	"io"

	"github.com/xaionaro-go/bytesextra"

	"github.com/glenn20/esp32part/pkg/esperrors"
	"github.com/glenn20/esp32part/pkg/flashio"
	"github.com/glenn20/esp32part/pkg/imagehdr"
	"github.com/glenn20/esp32part/pkg/parttable"
)

// PartitionIO is a bounded [Offset, Offset+Size) view onto a FlashIO.
type PartitionIO struct {
	dev    flashio.FlashIO
	record parttable.Record
}

// Open returns a PartitionIO scoped to record's byte range on dev.
func Open(dev flashio.FlashIO, record parttable.Record) *PartitionIO {
	return &PartitionIO{dev: dev, record: record}
}

// Record returns the partition record this view is scoped to.
func (p *PartitionIO) Record() parttable.Record { return p.record }

func (p *PartitionIO) clamp(rel uint64, length uint64) (uint64, error) {
	if rel+length > uint64(p.record.Size) {
		return 0, &esperrors.RangeError{Reason: "access beyond partition bounds"}
	}
	return uint64(p.record.Offset) + rel, nil
}

// ReadAt reads len(buf) bytes at the partition-relative offset rel.
func (p *PartitionIO) ReadAt(buf []byte, rel int64) (int, error) {
	abs, err := p.clamp(uint64(rel), uint64(len(buf)))
	if err != nil {
		return 0, err
	}
	return p.dev.ReadAt(buf, int64(abs))
}

// WriteAt writes data at the partition-relative offset rel.
func (p *PartitionIO) WriteAt(data []byte, rel int64) (int, error) {
	abs, err := p.clamp(uint64(rel), uint64(len(data)))
	if err != nil {
		return 0, err
	}
	n, err := p.dev.WriteAt(data, int64(abs))
	if err != nil {
		return n, err
	}
	if p.record.Type == parttable.TypeApp {
		if rerr := p.rehashIfNeeded(); rerr != nil {
			return n, rerr
		}
	}
	return n, nil
}

// rehashIfNeeded re-validates the app header and, if hash_appended is set,
// recomputes and appends the SHA-256 after the last written byte.
func (p *PartitionIO) rehashIfNeeded() error {
	hdrBuf := make([]byte, imagehdr.HeaderSize)
	if _, err := p.ReadAt(hdrBuf, 0); err != nil {
		return nil // not (yet) a valid image; nothing to rehash.
	}
	h, err := imagehdr.Parse(hdrBuf)
	if err != nil || !h.HasHash() {
		return nil
	}
	size, err := imagehdr.SizeOfImage(partitionReaderAt{p}, 0)
	if err != nil {
		return nil
	}
	return imagehdr.Rehash(partitionReaderAt{p}, partitionWriterAt{p}, 0, int64(size))
}

type partitionReaderAt struct{ p *PartitionIO }

func (r partitionReaderAt) ReadAt(b []byte, off int64) (int, error) { return r.p.ReadAt(b, off) }

type partitionWriterAt struct{ p *PartitionIO }

// WriteAt writes straight to the device, bypassing PartitionIO.WriteAt so
// that writing the recomputed hash does not trigger another rehash.
func (w partitionWriterAt) WriteAt(b []byte, off int64) (int, error) {
	abs, err := w.p.clamp(uint64(off), uint64(len(b)))
	if err != nil {
		return 0, err
	}
	return w.p.dev.WriteAt(b, int64(abs))
}

// Erase fills [rel, rel+length) with 0xFF.
func (p *PartitionIO) Erase(ctx context.Context, rel, length uint64, progress flashio.ProgressFunc) error {
	abs, err := p.clamp(rel, length)
	if err != nil {
		return err
	}
	return p.dev.Erase(ctx, abs, length, progress)
}

// Truncate resizes the backing file to at. File-backed only.
func (p *PartitionIO) Truncate(at int64) error {
	type truncator interface{ Truncate(int64) error }
	if t, ok := p.dev.(truncator); ok {
		return t.Truncate(int64(p.record.Offset) + at)
	}
	return &esperrors.RangeError{Reason: "truncate is only supported on file backends"}
}

// Blocks returns the number of BlockSize-aligned 4KiB blocks in the
// partition, for iteration (e.g. the littlefs adapter, or a sector-by-
// sector erase).
func (p *PartitionIO) Blocks() uint32 {
	return p.record.Size / parttable.BlockSize
}

// ReadBlock reads the i'th 4KiB block.
func (p *PartitionIO) ReadBlock(i uint32) ([]byte, error) {
	buf := make([]byte, parttable.BlockSize)
	_, err := p.ReadAt(buf, int64(i)*parttable.BlockSize)
	return buf, err
}

// WriteBlock writes the i'th 4KiB block.
func (p *PartitionIO) WriteBlock(i uint32, data []byte) error {
	_, err := p.WriteAt(data, int64(i)*parttable.BlockSize)
	return err
}

// Reader snapshots the partition's current contents into memory and hands
// back a seekable view over it, via bytesextra.NewReadWriteSeeker wrapping
// the snapshot buffer. --read copies out of this with io.Copy and
// --extract-app reads it whole with io.ReadAll, rather than juggling ReadAt
// offsets themselves.
func (p *PartitionIO) Reader() (io.ReadSeeker, error) {
	buf := make([]byte, p.record.Size)
	if _, err := p.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return bytesextra.NewReadWriteSeeker(buf), nil
}

// Writer stages writes to an in-memory copy of the partition, pre-loaded
// with its current contents, which is only flushed back with Commit. This
// is what --write builds up the new partition contents in before
// committing, so a short or failed host read never partially overwrites
// the partition.
type Writer struct {
	p   *PartitionIO
	buf []byte
	rws io.ReadWriteSeeker
}

// Writer returns a Writer staged from p's current contents.
func (p *PartitionIO) Writer() (*Writer, error) {
	buf := make([]byte, p.record.Size)
	if _, err := p.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return &Writer{p: p, buf: buf, rws: bytesextra.NewReadWriteSeeker(buf)}, nil
}

func (w *Writer) Read(b []byte) (int, error)  { return w.rws.Read(b) }
func (w *Writer) Write(b []byte) (int, error) { return w.rws.Write(b) }
func (w *Writer) Seek(offset int64, whence int) (int64, error) {
	return w.rws.Seek(offset, whence)
}

// Commit flushes the staged buffer back to the partition in a single
// WriteAt.
func (w *Writer) Commit() error {
	_, err := w.p.WriteAt(w.buf, 0)
	return err
}

// Trim returns b truncated to a 16-byte boundary past the last non-0xFF
// byte (the --trim CLI operation).
func Trim(b []byte) []byte {
	return trimTo(b, 16)
}

// TrimBlocks is Trim but rounds to a 4KiB boundary (--trimblocks).
func TrimBlocks(b []byte) []byte {
	return trimTo(b, parttable.BlockSize)
}

func trimTo(b []byte, boundary int) []byte {
	last := -1
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xFF {
			last = i
			break
		}
	}
	if last == -1 {
		return nil
	}
	length := last + 1
	if rem := length % boundary; rem != 0 {
		length += boundary - rem
	}
	if length > len(b) {
		length = len(b)
	}
	return b[:length]
}
