// Package littlefs implements C8: binding a partition to a LittleFS block
// device and driving the partition-qualified filesystem operations on top
// of it. The LittleFS filesystem implementation itself - the on-disk
// format, wear-levelling, directory B-tree - is an external collaborator;
// this package only adapts partio.PartitionIO into the block-device shape
// such a library expects and orchestrates the POSIX-flavoured
// ls/cat/get/put surface on top of whatever mounted Filesystem a caller
// supplies.
package littlefs

import (
	"context"

	"github.com/glenn20/esp32part/pkg/esperrors"
	"github.com/glenn20/esp32part/pkg/parttable"
	"github.com/glenn20/esp32part/pkg/partio"
)

// BlockSize is the fixed block size LittleFS mounts are bound with: one
// flash sector, matching read/prog/erase granularity.
const BlockSize = parttable.BlockSize

// BlockDevice is the block-device surface a LittleFS binding mounts onto.
// It mirrors the read/prog/erase/sync shape of the reference lfs_config,
// translated into idiomatic Go.
type BlockDevice interface {
	ReadBlock(block, off uint32, buf []byte) error
	ProgBlock(block, off uint32, data []byte) error
	EraseBlock(block uint32) error
	Sync() error
	BlockSize() uint32
	BlockCount() uint32
}

// Device adapts a partio.PartitionIO into a BlockDevice.
type Device struct {
	pio    *partio.PartitionIO
	blocks uint32
}

// NewDevice binds pio as a block device. The partition is not required to
// already be a valid LittleFS image; Format (via a Filesystem) writes one.
func NewDevice(pio *partio.PartitionIO) *Device {
	return &Device{pio: pio, blocks: pio.Blocks()}
}

func (d *Device) BlockSize() uint32  { return BlockSize }
func (d *Device) BlockCount() uint32 { return d.blocks }

func (d *Device) checkBlock(block uint32) error {
	if block >= d.blocks {
		return &esperrors.RangeError{Reason: "littlefs block out of range"}
	}
	return nil
}

func (d *Device) ReadBlock(block, off uint32, buf []byte) error {
	if err := d.checkBlock(block); err != nil {
		return err
	}
	_, err := d.pio.ReadAt(buf, int64(block)*int64(BlockSize)+int64(off))
	return err
}

func (d *Device) ProgBlock(block, off uint32, data []byte) error {
	if err := d.checkBlock(block); err != nil {
		return err
	}
	_, err := d.pio.WriteAt(data, int64(block)*int64(BlockSize)+int64(off))
	return err
}

func (d *Device) EraseBlock(block uint32) error {
	if err := d.checkBlock(block); err != nil {
		return err
	}
	return d.pio.Erase(context.Background(), uint64(block)*uint64(BlockSize), uint64(BlockSize), nil)
}

func (d *Device) Sync() error { return nil }

// Grow increases the reported block count without erasing contents.
// blocks == 0 grows to the partition's full current capacity. Grow never
// shrinks the count and never exceeds the partition's actual size -
// growing the partition itself is a table operation (ResizePartition on
// pkg/firmware), not something this adapter can do on its own.
func (d *Device) Grow(blocks uint32) error {
	max := d.pio.Blocks()
	if blocks == 0 {
		blocks = max
	}
	if blocks > max {
		return &esperrors.RangeError{Reason: "grow exceeds the partition's current capacity"}
	}
	if blocks < d.blocks {
		return &esperrors.UserError{What: "grow cannot shrink the reported block count"}
	}
	d.blocks = blocks
	return nil
}
