package firmware

import (
	"context"

	"github.com/glenn20/esp32part/pkg/imagehdr"
	"github.com/glenn20/esp32part/pkg/planner"
	"github.com/glenn20/esp32part/pkg/parttable"
)

// Apply runs directives against the current table, writes the resulting
// table back (with auto-erase or carry-over per backend), and adopts it as
// current. This is the single choke point every per-directive convenience
// method below funnels through.
func (f *Firmware) Apply(directives []planner.Directive) error {
	newTable, err := planner.Apply(f.table, directives)
	if err != nil {
		return err
	}
	if err := f.writeTable(f.table, newTable); err != nil {
		return err
	}
	for _, d := range directives {
		if rf, ok := d.(planner.ResizeFlash); ok {
			if err := f.applyFlashSize(rf.Size); err != nil {
				return err
			}
		}
	}
	f.table = newTable
	return nil
}

// ResizeFlash changes the flash size; the last partition grows or shrinks
// to fill the new space.
func (f *Firmware) ResizeFlash(size uint64) error {
	return f.Apply([]planner.Directive{planner.ResizeFlash{Size: size}})
}

// SetTableTemplate replaces the table with a named canonical layout.
func (f *Firmware) SetTableTemplate(name string) error {
	return f.Apply([]planner.Directive{planner.TableTemplate{Name: name}})
}

// SetTableLayout replaces the table with an explicit list of entries.
func (f *Firmware) SetTableLayout(entries []planner.LayoutEntry) error {
	return f.Apply([]planner.Directive{planner.TableLayout{Entries: entries}})
}

// AddPartition inserts a new partition.
func (f *Firmware) AddPartition(add planner.AddPart) error {
	return f.Apply([]planner.Directive{add})
}

// DeletePartitions removes partitions by name.
func (f *Firmware) DeletePartitions(names []string) error {
	return f.Apply([]planner.Directive{planner.DeletePart{Names: names}})
}

// ResizePartition grows or shrinks a single partition; size == 0 grows it
// to fill the gap up to the next partition (or the end of flash).
func (f *Firmware) ResizePartition(name string, size uint64) error {
	return f.Apply([]planner.Directive{planner.ResizePart{Name: name, Size: size}})
}

// RenamePartition renames a partition in place.
func (f *Firmware) RenamePartition(oldName, newName string) error {
	return f.Apply([]planner.Directive{planner.RenamePart{Old: oldName, New: newName}})
}

// ResizeApps resizes every app-type partition to size.
func (f *Firmware) ResizeApps(size uint64) error {
	return f.Apply([]planner.Directive{planner.AppSize{Size: size}})
}

// applyFlashSize rewrites the bootloader header's flash-size nibble and
// re-hashes the bootloader image.
func (f *Firmware) applyFlashSize(size uint64) error {
	if err := f.header.SetFlashSizeMiB(size / mib); err != nil {
		return err
	}
	if _, err := f.dev.WriteAt(imagehdr.Emit(f.header), int64(f.bootloaderOffset)); err != nil {
		return err
	}
	return f.rehashBootloader()
}

func (f *Firmware) rehashBootloader() error {
	if !f.header.HasHash() {
		return nil
	}
	size, err := imagehdr.SizeOfImage(f.dev, int64(f.bootloaderOffset))
	if err != nil {
		return err
	}
	return imagehdr.Rehash(f.dev, f.dev, int64(f.bootloaderOffset), int64(f.bootloaderOffset)+int64(size))
}

// writeTable persists new, diverging by backend: a device writes the raw
// table then erases the first block of every auto-invalidated data
// partition; a file instead carries partition contents over to their new
// byte ranges first, so resized partitions keep their data where ranges
// overlap (see carryOverFile).
func (f *Firmware) writeTable(old, new *parttable.Table) error {
	tableBytes, err := parttable.Emit(new)
	if err != nil {
		return err
	}

	if f.isDevice {
		touched, warnings := planner.SideEffects(old, new)
		for _, w := range warnings {
			f.log.Warnf("partition %q: %s", w.Name, w.Reason)
		}
		if _, err := f.dev.WriteAt(tableBytes, int64(f.tableOffset)); err != nil {
			return err
		}
		for _, t := range touched {
			r := new.FindByName(t.Name)
			if r == nil {
				continue
			}
			if err := f.dev.Erase(context.Background(), uint64(r.Offset), parttable.BlockSize, nil); err != nil {
				return err
			}
		}
		return f.dev.Flush()
	}

	if err := f.carryOverFile(old, new); err != nil {
		return err
	}
	if _, err := f.dev.WriteAt(tableBytes, int64(f.tableOffset)); err != nil {
		return err
	}
	return f.dev.Flush()
}

// carryOverFile copies, for every partition present in both old and new
// tables whose byte range changed, [0, min(oldSize,newSize)) from the old
// range to the new range, and zero-fills any new bytes beyond that.
// Partitions with no old counterpart are zero-filled in full.
//
// All old-range reads happen before any write is issued. Partitions can
// move in ways that overlap each other's old ranges (a grown app partition
// pushing a following data partition's old range partly underneath its own
// new range); writing one partition's carried-over data or zero-fill tail
// before another partition has read its own old range would silently
// corrupt that other partition's data. Snapshotting every read up front
// makes the result independent of processing order.
func (f *Firmware) carryOverFile(old, new *parttable.Table) error {
	oldByName := map[string]parttable.Record{}
	for _, r := range old.Records {
		oldByName[r.Name] = r
	}

	type copyOp struct {
		nr      parttable.Record
		data    []byte
		zeroOff uint64
		zeroLen uint64
	}
	var ops []copyOp

	for _, nr := range new.Records {
		or, existed := oldByName[nr.Name]
		if !existed {
			ops = append(ops, copyOp{nr: nr, zeroOff: uint64(nr.Offset), zeroLen: uint64(nr.Size)})
			continue
		}
		if or.Offset == nr.Offset && or.Size == nr.Size {
			continue
		}
		copyLen := or.Size
		if nr.Size < copyLen {
			copyLen = nr.Size
		}
		op := copyOp{nr: nr}
		if copyLen > 0 {
			buf := make([]byte, copyLen)
			if _, err := f.dev.ReadAt(buf, int64(or.Offset)); err != nil {
				return err
			}
			op.data = buf
		}
		if nr.Size > copyLen {
			op.zeroOff = uint64(nr.Offset) + uint64(copyLen)
			op.zeroLen = uint64(nr.Size - copyLen)
		}
		ops = append(ops, op)
	}

	for _, op := range ops {
		if op.data != nil {
			if _, err := f.dev.WriteAt(op.data, int64(op.nr.Offset)); err != nil {
				return err
			}
		}
		if op.zeroLen > 0 {
			if err := f.zeroFill(op.zeroOff, op.zeroLen); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Firmware) zeroFill(offset, length uint64) error {
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	var done uint64
	for done < length {
		n := length - done
		if n > chunk {
			n = chunk
		}
		if _, err := f.dev.WriteAt(buf[:n], int64(offset+done)); err != nil {
			return err
		}
		done += n
	}
	return nil
}
