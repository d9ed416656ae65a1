package planner

import (
	"fmt"
	"sort"

	"github.com/glenn20/esp32part/pkg/esperrors"
	"github.com/glenn20/esp32part/pkg/parttable"
)

const layoutStart uint32 = 0x9000

func roundUp32(x, align uint32) uint32 {
	if align == 0 || x%align == 0 {
		return x
	}
	return x + (align - x%align)
}

func roundUp64(x, align uint64) uint64 {
	if align == 0 || x%align == 0 {
		return x
	}
	return x + (align - x%align)
}

// state is the mutable working set threaded through directive handlers.
type state struct {
	records      []parttable.Record
	flashSize    uint64
	tableOffset  uint64
	usedZeroGrow bool
}

func sortByOffset(r []parttable.Record) {
	sort.SliceStable(r, func(i, j int) bool { return r[i].Offset < r[j].Offset })
}

// Apply runs directives against old in sequence and returns the resulting
// valid table. It never mutates old.
func Apply(old *parttable.Table, directives []Directive) (*parttable.Table, error) {
	st := &state{
		records:     append([]parttable.Record(nil), old.Records...),
		flashSize:   old.FlashSize,
		tableOffset: old.TableOffset,
	}

	for _, d := range directives {
		if err := st.apply(d); err != nil {
			return nil, err
		}
		st.normalize()
	}

	if err := st.validate(); err != nil {
		return nil, err
	}

	return &parttable.Table{
		FlashSize:   st.flashSize,
		TableOffset: st.tableOffset,
		Records:     st.records,
	}, nil
}

func (st *state) apply(d Directive) error {
	switch v := d.(type) {
	case ResizeFlash:
		return st.resizeFlash(v)
	case TableTemplate:
		return st.tableTemplate(v)
	case TableLayout:
		return st.tableLayout(v)
	case AddPart:
		return st.addPart(v)
	case DeletePart:
		return st.deletePart(v)
	case ResizePart:
		return st.resizePart(v)
	case RenamePart:
		return st.renamePart(v)
	case AppSize:
		return st.appSize(v)
	default:
		return &esperrors.UserError{What: fmt.Sprintf("unknown directive %T", d)}
	}
}

func (st *state) resizeFlash(d ResizeFlash) error {
	st.flashSize = d.Size
	if len(st.records) == 0 {
		return nil
	}
	sortByOffset(st.records)
	last := &st.records[len(st.records)-1]
	for i := 0; i < len(st.records)-1; i++ {
		if uint64(st.records[i].End()) > d.Size {
			return &esperrors.LayoutError{Code: esperrors.Overflow, Reason: fmt.Sprintf(
				"partition %q would exceed new flash size %#x", st.records[i].Name, d.Size)}
		}
	}
	if uint64(last.Offset) >= d.Size {
		return &esperrors.LayoutError{Code: esperrors.Overflow, Reason: fmt.Sprintf(
			"partition %q starts at %#x, at or beyond new flash size %#x", last.Name, last.Offset, d.Size)}
	}
	last.Size = uint32(d.Size - uint64(last.Offset))
	return nil
}

func (st *state) tableTemplate(d TableTemplate) error {
	records, err := buildTemplate(d.Name, st.flashSize)
	if err != nil {
		return err
	}
	st.records = records
	return nil
}

func (st *state) tableLayout(d TableLayout) error {
	var records []parttable.Record
	offset := layoutStart
	for i, e := range d.Entries {
		if e.Type == parttable.TypeApp {
			offset = roundUp32(offset, parttable.AppAlign)
		} else {
			offset = roundUp32(offset, parttable.BlockSize)
		}
		var size uint32
		if e.Size == 0 && i == len(d.Entries)-1 {
			if uint64(offset) > st.flashSize {
				return &esperrors.LayoutError{Code: esperrors.Overflow, Reason: fmt.Sprintf(
					"partition %q starts beyond flash size", e.Name)}
			}
			size = uint32(st.flashSize) - offset
		} else {
			size = roundUp32(uint32(e.Size), parttable.BlockSize)
		}
		records = append(records, parttable.Record{
			Type: e.Type, Subtype: e.Subtype, Offset: offset, Size: size, Name: e.Name,
		})
		offset += size
	}
	st.records = records
	return nil
}

func (st *state) addPart(d AddPart) error {
	for _, r := range st.records {
		if r.Name == d.Name {
			return &esperrors.LayoutError{Code: esperrors.DuplicateName, Reason: fmt.Sprintf(
				"partition %q already exists", d.Name)}
		}
	}

	offset := d.Offset
	if !d.HasOffset {
		var maxEnd uint32
		for _, r := range st.records {
			if r.End() > maxEnd {
				maxEnd = r.End()
			}
		}
		if maxEnd == 0 {
			maxEnd = layoutStart
		}
		if d.Type == parttable.TypeApp {
			offset = uint64(roundUp32(maxEnd, parttable.AppAlign))
		} else {
			offset = uint64(roundUp32(maxEnd, parttable.BlockSize))
		}
	}

	size := roundUp32(uint32(d.Size), parttable.BlockSize)
	rec := parttable.Record{Type: d.Type, Subtype: d.Subtype, Offset: uint32(offset), Size: size, Name: d.Name}

	for _, r := range st.records {
		if overlaps(rec, r) {
			return &esperrors.LayoutError{Code: esperrors.Overlap, Reason: fmt.Sprintf(
				"new partition %q at [%#x,%#x) overlaps %q at [%#x,%#x)",
				rec.Name, rec.Offset, rec.End(), r.Name, r.Offset, r.End())}
		}
	}

	st.records = append(st.records, rec)
	return nil
}

func overlaps(a, b parttable.Record) bool {
	return uint64(a.Offset) < uint64(b.End()) && uint64(b.Offset) < uint64(a.End())
}

func (st *state) deletePart(d DeletePart) error {
	want := map[string]bool{}
	for _, n := range d.Names {
		want[n] = true
	}
	out := st.records[:0:0]
	for _, r := range st.records {
		if !want[r.Name] {
			out = append(out, r)
		}
	}
	st.records = out
	return nil
}

// resizeAt sets records[idx]'s size and slides only the contiguous run of
// subsequent partitions that immediately abutted it before the resize - a
// partition separated by a pre-existing gap (e.g. one left behind by a
// DeletePart) is never moved, so growing into a gap doesn't also push
// unrelated partitions further down the flash.
func (st *state) resizeAt(idx int, newSize uint32) {
	old := st.records[idx]
	delta := int64(newSize) - int64(old.Size)
	st.records[idx].Size = newSize

	prevOldEnd := old.End()
	for i := idx + 1; i < len(st.records); i++ {
		if st.records[i].Offset != prevOldEnd {
			break
		}
		prevOldEnd = st.records[i].End()
		st.records[i].Offset = uint32(int64(st.records[i].Offset) + delta)
	}
}

func (st *state) resizePart(d ResizePart) error {
	sortByOffset(st.records)
	idx := -1
	for i, r := range st.records {
		if r.Name == d.Name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &esperrors.NotFound{Name: d.Name}
	}

	var newSize uint32
	if d.Size == 0 {
		if st.usedZeroGrow {
			return &esperrors.LayoutError{Code: esperrors.ZeroGrowAmbiguous, Reason: "only one zero-sized resize directive may apply per planning pass"}
		}
		st.usedZeroGrow = true
		if idx+1 < len(st.records) {
			newSize = st.records[idx+1].Offset - st.records[idx].Offset
		} else {
			if uint64(st.records[idx].Offset) >= st.flashSize {
				return &esperrors.LayoutError{Code: esperrors.Overflow, Reason: fmt.Sprintf("partition %q starts beyond flash size", d.Name)}
			}
			newSize = uint32(st.flashSize) - st.records[idx].Offset
		}
	} else {
		newSize = roundUp32(uint32(d.Size), parttable.BlockSize)
	}

	st.resizeAt(idx, newSize)
	return nil
}

func (st *state) renamePart(d RenamePart) error {
	for _, r := range st.records {
		if r.Name == d.New {
			return &esperrors.LayoutError{Code: esperrors.DuplicateName, Reason: fmt.Sprintf("partition %q already exists", d.New)}
		}
	}
	for i := range st.records {
		if st.records[i].Name == d.Old {
			st.records[i].Name = d.New
			return nil
		}
	}
	return &esperrors.NotFound{Name: d.Old}
}

func (st *state) appSize(d AppSize) error {
	sortByOffset(st.records)
	newSize := roundUp32(uint32(d.Size), parttable.BlockSize)
	for i := range st.records {
		if st.records[i].Type != parttable.TypeApp {
			continue
		}
		st.resizeAt(i, newSize)
	}
	return nil
}

// normalize applies the rounding and ordering rules after every directive:
// round sizes up to a block, round app offsets up to AppAlign (inserting
// a gap rather than overlapping a neighbor), and re-sort by offset.
func (st *state) normalize() {
	for i := range st.records {
		st.records[i].Size = roundUp32(st.records[i].Size, parttable.BlockSize)
	}
	sortByOffset(st.records)

	var prevEnd uint32 = uint32(st.tableOffset) + parttable.TableSize
	for i := range st.records {
		r := &st.records[i]
		min := prevEnd
		if r.Type == parttable.TypeApp {
			min = roundUp32(prevEnd, parttable.AppAlign)
		}
		if r.Offset < min {
			r.Offset = min
		}
		prevEnd = r.End()
	}
	sortByOffset(st.records)
}
