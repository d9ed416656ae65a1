// Package firmware implements C6: the facade orchestrating C1-C5 across
// both a file-backed image and a live serial-attached device. It opens a
// target, decodes its header and partition table, exposes every C9
// directive as a method, and carries out the write-back/auto-erase
// sequence a new table requires.
//
// Firmware bundles a decoded structure with the Open/Save lifecycle
// top-level operations drive: {FlashIO, ImageHeader, PartitionTable}.
package firmware

import (
	"context"

	"github.com/glenn20/esp32part/pkg/esperrors"
	"github.com/glenn20/esp32part/pkg/flashio"
	"github.com/glenn20/esp32part/pkg/imagehdr"
	"github.com/glenn20/esp32part/pkg/logx"
	"github.com/glenn20/esp32part/pkg/partio"
	"github.com/glenn20/esp32part/pkg/planner"
	"github.com/glenn20/esp32part/pkg/parttable"
)

// bootloaderDeviceOffset is where the second-stage bootloader lives on a
// live device. File-backed images instead start at the bootloader (offset
// 0).
const bootloaderDeviceOffset = 0x1000

const mib = 1024 * 1024

// reportedSizeSetter is implemented by flashio.File; Open only uses it for
// file backends, so a device keeps its device-reported size.
// A duck-typed capability check, like partio.Truncate's truncator.
type reportedSizeSetter interface {
	SetReportedSize(uint64)
}

// Firmware is the opened aggregate: a backing FlashIO plus its decoded
// ImageHeader and PartitionTable. It is mutated only by planner-approved
// new tables (Apply), and is destroyed by Close.
type Firmware struct {
	dev              flashio.FlashIO
	header           *imagehdr.Header
	table            *parttable.Table
	bootloaderOffset uint64
	tableOffset      uint64
	isDevice         bool
	log              logx.Logger
}

// OpenFile opens path as a file-backed Firmware.
func OpenFile(path string, log logx.Logger) (*Firmware, error) {
	f, err := flashio.OpenFile(path)
	if err != nil {
		return nil, err
	}
	fw, err := open(f, false, log)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return fw, nil
}

// CreateFile creates a new blank (all-0xFF) image file of size bytes, then
// opens it. Callers typically follow with SetTableTemplate to populate it.
func CreateFile(path string, size uint64) (*flashio.File, error) {
	return flashio.CreateFile(path, size)
}

// OpenDevice connects to a live device and opens it as a device-backed
// Firmware.
func OpenDevice(ctx context.Context, stub flashio.Stub, opts flashio.OpenDeviceOptions) (*Firmware, error) {
	d, err := flashio.Open(ctx, stub, opts)
	if err != nil {
		return nil, err
	}
	fw, err := open(d, true, opts.Logger)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return fw, nil
}

func open(dev flashio.FlashIO, isDevice bool, log logx.Logger) (*Firmware, error) {
	log = logx.OrDiscard(log)

	bootOffset := uint64(0)
	if isDevice {
		bootOffset = bootloaderDeviceOffset
	}

	hdrBuf := make([]byte, imagehdr.HeaderSize)
	if _, err := dev.ReadAt(hdrBuf, int64(bootOffset)); err != nil {
		return nil, &esperrors.InvalidImage{Reason: "failed to read bootloader header: " + err.Error()}
	}
	hdr, err := imagehdr.Parse(hdrBuf)
	if err != nil {
		return nil, err
	}

	headerSize := hdr.FlashSizeMiBValue() * mib
	flashSize := headerSize
	if isDevice {
		if dev.Size() != headerSize {
			log.Warnf("bootloader header declares flash size %#x but device reports %#x; using device size", headerSize, dev.Size())
		}
		flashSize = dev.Size()
	} else {
		if dev.Size() != headerSize {
			log.Warnf("bootloader header declares flash size %#x but image file is %#x; using header size", headerSize, dev.Size())
		}
		if setter, ok := dev.(reportedSizeSetter); ok {
			setter.SetReportedSize(headerSize)
		}
	}

	tableBuf := make([]byte, parttable.TableSize)
	if _, err := dev.ReadAt(tableBuf, int64(parttable.TableOffset)); err != nil {
		return nil, &esperrors.BadTable{Reason: "failed to read partition table region: " + err.Error()}
	}
	table, err := parttable.Parse(tableBuf, flashSize, parttable.TableOffset)
	if err != nil {
		return nil, err
	}

	return &Firmware{
		dev:              dev,
		header:           hdr,
		table:            table,
		bootloaderOffset: bootOffset,
		tableOffset:      parttable.TableOffset,
		isDevice:         isDevice,
		log:              log,
	}, nil
}

// Header returns the decoded bootloader image header.
func (f *Firmware) Header() *imagehdr.Header { return f.header }

// Table returns the current decoded partition table.
func (f *Firmware) Table() *parttable.Table { return f.table }

// FlashSize returns the flash size currently in effect.
func (f *Firmware) FlashSize() uint64 { return f.table.FlashSize }

// FindByName resolves a partition name to its record, including the
// synthetic "bootloader" and "partition_table" regions.
func (f *Firmware) FindByName(name string) (*parttable.Record, error) {
	switch name {
	case "bootloader":
		return &parttable.Record{
			Name: "bootloader", Type: parttable.TypeApp,
			Offset: uint32(f.bootloaderOffset), Size: uint32(f.tableOffset - f.bootloaderOffset),
		}, nil
	case "partition_table":
		return &parttable.Record{
			Name: "partition_table", Type: parttable.TypeData,
			Offset: uint32(f.tableOffset), Size: parttable.TableSize,
		}, nil
	}
	if r := f.table.FindByName(name); r != nil {
		return r, nil
	}
	return nil, &esperrors.NotFound{Name: name}
}

// OpenPartition opens a bounded PartitionIO view onto the named partition
// (a real table entry, or a synthetic bootloader/partition_table region).
func (f *Firmware) OpenPartition(name string) (*partio.PartitionIO, error) {
	r, err := f.FindByName(name)
	if err != nil {
		return nil, err
	}
	return partio.Open(f.dev, *r), nil
}

// Diff reports the data partitions that differ between two tables and why,
// separately from the write path, so a CLI can explain an erase after the
// fact.
func (f *Firmware) Diff(old, new *parttable.Table) []planner.TouchedPartition {
	touched, _ := planner.SideEffects(old, new)
	return touched
}

// WriteAt writes raw bytes directly to the backing device at an absolute
// offset, bypassing partition-table bounds - used by the CLI's --flash
// operation to program a whole image onto a device target the way
// esptool's write_flash does.
func (f *Firmware) WriteAt(p []byte, off int64) (int, error) { return f.dev.WriteAt(p, off) }

// ReadAt is the read-side counterpart of WriteAt.
func (f *Firmware) ReadAt(p []byte, off int64) (int, error) { return f.dev.ReadAt(p, off) }

// Close flushes and releases the underlying device.
func (f *Firmware) Close() error { return f.dev.Close() }
