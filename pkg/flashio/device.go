package flashio

import (
	"context"

	"github.com/glenn20/esp32part/pkg/esperrors"
	"github.com/glenn20/esp32part/pkg/logx"
)

// BlockSize is the flash erase granularity; Device write/erase offsets and
// lengths must be multiples of this.
const BlockSize = 0x1000

// Stub is the serial-bootloader protocol library this package is built
// against: an external collaborator assumed to be provided. esp32part
// depends only on this interface, never on a concrete transport, so any
// implementation (real serial port, a test fake, a mock over a pipe) can
// back a Device.
type Stub interface {
	Connect(ctx context.Context) error
	RunStub(ctx context.Context) error
	FlashSize(ctx context.Context) (uint64, error)
	ReadFlash(ctx context.Context, offset, size uint64, progress func(done, total uint64)) ([]byte, error)
	WriteFlash(ctx context.Context, offset uint64, data []byte, progress func(done, total uint64)) error
	EraseRegion(ctx context.Context, offset, size uint64) error
	HardReset(ctx context.Context) error
}

// Device is the serial-device-backed FlashIO implementation. Erase offsets
// and lengths must be block-aligned; a write whose offset or length is not
// block-aligned is emulated with read-modify-erase-write of the blocks it
// spans.
type Device struct {
	stub       Stub
	size       uint64
	noReset    bool
	log        logx.Logger
	ctx        context.Context
	reportSize uint64 // may differ from the device-reported size; see Open
}

// OpenDeviceOptions configures Open.
type OpenDeviceOptions struct {
	NoReset bool // suppress the final hard_reset on Close
	Logger  logx.Logger
}

// Open connects to the device, runs the flasher stub, and queries the
// flash size.
func Open(ctx context.Context, stub Stub, opts OpenDeviceOptions) (*Device, error) {
	if err := stub.Connect(ctx); err != nil {
		return nil, &esperrors.DeviceError{Cause: err}
	}
	if err := stub.RunStub(ctx); err != nil {
		return nil, &esperrors.DeviceError{Cause: err}
	}
	size, err := stub.FlashSize(ctx)
	if err != nil {
		return nil, &esperrors.DeviceError{Cause: err}
	}
	return &Device{
		stub:       stub,
		size:       size,
		reportSize: size,
		noReset:    opts.NoReset,
		log:        logx.OrDiscard(opts.Logger),
		ctx:        ctx,
	}, nil
}

// SetReportedSize allows a --flash-size directive to override the
// device-reported size, with a warning.
func (d *Device) SetReportedSize(size uint64) {
	if size != d.size {
		d.log.Warnf("flash size %#x overrides device-reported size %#x", size, d.size)
	}
	d.reportSize = size
}

func (d *Device) Size() uint64 { return d.reportSize }

// ReadAt may cross block boundaries freely.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	data, err := d.stub.ReadFlash(d.ctx, uint64(off), uint64(len(p)), nil)
	if err != nil {
		return 0, &esperrors.DeviceError{Cause: err}
	}
	n := copy(p, data)
	return n, nil
}

// WriteAt writes a block-aligned offset and length directly; any other
// write is emulated via read-modify-erase-write of every block it touches
// (write-through semantics: a subsequent ReadAt must observe these bytes).
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if uint64(off)%BlockSize == 0 && uint64(len(p))%BlockSize == 0 {
		if err := d.stub.WriteFlash(d.ctx, uint64(off), p, nil); err != nil {
			return 0, &esperrors.DeviceError{Cause: err}
		}
		return len(p), nil
	}
	return d.writeUnaligned(p, uint64(off))
}

func (d *Device) writeUnaligned(p []byte, off uint64) (int, error) {
	blockStart := off - off%BlockSize
	blockEnd := blockStart + BlockSize
	for off+uint64(len(p)) > blockEnd {
		blockEnd += BlockSize
	}
	blockLen := blockEnd - blockStart

	existing, err := d.stub.ReadFlash(d.ctx, blockStart, blockLen, nil)
	if err != nil {
		return 0, &esperrors.DeviceError{Cause: err}
	}
	copy(existing[off-blockStart:], p)

	if err := d.stub.EraseRegion(d.ctx, blockStart, blockLen); err != nil {
		return 0, &esperrors.DeviceError{Cause: err}
	}
	if err := d.stub.WriteFlash(d.ctx, blockStart, existing, nil); err != nil {
		return 0, &esperrors.DeviceError{Cause: err}
	}
	return len(p), nil
}

func (d *Device) Erase(ctx context.Context, offset, length uint64, progress ProgressFunc) error {
	if offset%BlockSize != 0 || length%BlockSize != 0 {
		return &esperrors.RangeError{Reason: "device erase must be block-aligned"}
	}
	if err := d.stub.EraseRegion(ctx, offset, length); err != nil {
		if ctx.Err() != nil {
			return &esperrors.Cancelled{}
		}
		return &esperrors.DeviceError{Cause: err}
	}
	if progress != nil {
		progress(length, length)
	}
	return nil
}

// Flush is a no-op: the stub's flash writes are synchronous.
func (d *Device) Flush() error { return nil }

func (d *Device) Close() error {
	if d.noReset {
		return nil
	}
	if err := d.stub.HardReset(d.ctx); err != nil {
		return &esperrors.DeviceError{Cause: err}
	}
	return nil
}
