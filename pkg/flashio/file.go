package flashio

import (
	"context"
	"io"
	"os"

	"github.com/xaionaro-go/bytesextra"

	"github.com/glenn20/esp32part/pkg/esperrors"
)

// File is the file-backed FlashIO implementation: random access over a
// local image file. Erase writes 0xFF, the erased value of NOR flash.
type File struct {
	f *os.File
	// reportedSize overrides the file's byte length when the caller knows
	// the true flash size (e.g. from the image header) and the file is
	// smaller (a truncated/sparse image) or the caller wants to grow it.
	reportedSize uint64
}

// OpenFile opens path for read+write: the file is exclusively held for
// the lifetime of this FlashIO, with no concurrent sharing.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, &esperrors.DeviceError{Cause: err}
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, &esperrors.DeviceError{Cause: err}
	}
	return &File{f: f, reportedSize: uint64(fi.Size())}, nil
}

// CreateFile creates a new image file of the given size, filled with 0xFF.
func CreateFile(path string, size uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &esperrors.DeviceError{Cause: err}
	}
	ff := &File{f: f, reportedSize: size}
	if err := ff.Erase(context.Background(), 0, size, nil); err != nil {
		_ = f.Close()
		return nil, err
	}
	return ff, nil
}

// SetReportedSize overrides Size(), e.g. after reading a --flash-size
// directive or the image header's declared flash size.
func (ff *File) SetReportedSize(size uint64) { ff.reportedSize = size }

func (ff *File) Size() uint64 { return ff.reportedSize }

func (ff *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := ff.f.ReadAt(p, off)
	if err != nil {
		return n, &esperrors.RangeError{Reason: err.Error()}
	}
	return n, nil
}

func (ff *File) WriteAt(p []byte, off int64) (int, error) {
	n, err := ff.f.WriteAt(p, off)
	if err != nil {
		return n, &esperrors.RangeError{Reason: err.Error()}
	}
	if end := uint64(off) + uint64(n); end > ff.reportedSize {
		ff.reportedSize = end
	}
	return n, nil
}

func (ff *File) Erase(ctx context.Context, offset, length uint64, progress ProgressFunc) error {
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	for i := range buf {
		buf[i] = 0xFF
	}
	var done uint64
	for done < length {
		if err := ctx.Err(); err != nil {
			return &esperrors.Cancelled{}
		}
		n := length - done
		if n > chunk {
			n = chunk
		}
		if _, err := ff.WriteAt(buf[:n], int64(offset+done)); err != nil {
			return err
		}
		done += n
		if progress != nil {
			progress(done, length)
		}
	}
	return nil
}

// WriteFrom stages r's full contents into an in-memory buffer, wrapped
// via bytesextra.NewReadWriteSeeker, before issuing a single WriteAt at
// offset. A read error on r (e.g. a truncated host file for --write) is
// caught before anything reaches disk, rather than leaving a partial
// write behind.
func (ff *File) WriteFrom(r io.Reader, offset int64) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, &esperrors.DeviceError{Cause: err}
	}
	staged := bytesextra.NewReadWriteSeeker(data)
	return io.Copy(&offsetWriter{ff: ff, offset: offset}, staged)
}

// offsetWriter adapts File.WriteAt to io.Writer, advancing offset after
// each write, so io.Copy can drain a staged buffer straight to disk.
type offsetWriter struct {
	ff     *File
	offset int64
}

func (w *offsetWriter) Write(p []byte) (int, error) {
	n, err := w.ff.WriteAt(p, w.offset)
	w.offset += int64(n)
	return n, err
}

func (ff *File) Flush() error {
	if err := ff.f.Sync(); err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	return nil
}

// Truncate resizes the backing file directly. File-backed only; a
// capability the device backend does not have.
func (ff *File) Truncate(size int64) error {
	if err := ff.f.Truncate(size); err != nil {
		return &esperrors.RangeError{Reason: err.Error()}
	}
	return nil
}

func (ff *File) Close() error {
	if err := ff.Flush(); err != nil {
		return err
	}
	if err := ff.f.Close(); err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	return nil
}
