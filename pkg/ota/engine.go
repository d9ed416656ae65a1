package ota

import (
	"context"
	"io"
	"sort"

	"github.com/glenn20/esp32part/pkg/esperrors"
	"github.com/glenn20/esp32part/pkg/firmware"
	"github.com/glenn20/esp32part/pkg/flashio"
	"github.com/glenn20/esp32part/pkg/imagehdr"
	"github.com/glenn20/esp32part/pkg/logx"
	"github.com/glenn20/esp32part/pkg/parttable"
)

// otadataName is the conventional partition name carrying the two-slot
// select structure.
const otadataName = "otadata"

// Engine drives the OTA update state machine against an already opened
// firmware.Firmware.
type Engine struct {
	fw  *firmware.Firmware
	log logx.Logger
}

// New returns an Engine operating on fw.
func New(fw *firmware.Firmware, log logx.Logger) *Engine {
	return &Engine{fw: fw, log: logx.OrDiscard(log)}
}

// otaSlots returns the table's ota_N app partitions, ordered by slot index.
func (e *Engine) otaSlots() ([]parttable.Record, error) {
	var slots []parttable.Record
	for _, r := range e.fw.Table().Records {
		if r.Type == parttable.TypeApp && r.Subtype >= parttable.SubtypeOta0 && r.Subtype <= 0x1F {
			slots = append(slots, r)
		}
	}
	if len(slots) == 0 {
		return nil, &esperrors.LayoutError{Code: esperrors.MissingApp, Reason: "no ota_N app partitions in the table"}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Subtype < slots[j].Subtype })
	return slots, nil
}

// readSelectRecords reads the two physical otadata slots.
func (e *Engine) readSelectRecords() (a, b Record, err error) {
	pio, err := e.fw.OpenPartition(otadataName)
	if err != nil {
		return Record{}, Record{}, err
	}
	buf0 := make([]byte, RecordSize)
	if _, err := pio.ReadAt(buf0, 0); err != nil {
		return Record{}, Record{}, err
	}
	buf1 := make([]byte, RecordSize)
	if _, err := pio.ReadAt(buf1, int64(parttable.BlockSize)); err != nil {
		return Record{}, Record{}, err
	}
	a, err = decodeRecord(buf0)
	if err != nil {
		return Record{}, Record{}, err
	}
	b, err = decodeRecord(buf1)
	if err != nil {
		return Record{}, Record{}, err
	}
	return a, b, nil
}

// activeSelection returns the currently active seq and which of the two
// physical slots (0 or 1) holds it. A record that is not Valid (erased, or
// torn so its CRC doesn't match its Seq) is treated as never-committed and
// ignored, matching the read side of the same atomicity contract Update
// relies on.
func activeSelection(a, b Record) (seq uint32, physical int) {
	av, bv := a.Valid(), b.Valid()
	switch {
	case av && bv:
		if a.Seq >= b.Seq {
			return a.Seq, 0
		}
		return b.Seq, 1
	case av:
		return a.Seq, 0
	case bv:
		return b.Seq, 1
	default:
		// Nothing committed yet: a factory-fresh device boots app ota
		// slot 0 without ever having written otadata, equivalent to a
		// virtual seq of 1 (activeSlotIndex(1, n) == 0). Treat physical
		// otadata slot 1 as holding that virtual record, so the first
		// Update (which always targets the *other* app slot) writes its
		// new select record to physical otadata slot 0.
		return 1, 1
	}
}

// ActiveSlot returns the currently selected ota app partition.
func (e *Engine) ActiveSlot() (parttable.Record, error) {
	slots, err := e.otaSlots()
	if err != nil {
		return parttable.Record{}, err
	}
	a, b, err := e.readSelectRecords()
	if err != nil {
		return parttable.Record{}, err
	}
	seq, _ := activeSelection(a, b)
	idx := activeSlotIndex(seq, len(slots))
	return slots[idx], nil
}

func activeSlotIndex(seq uint32, numSlots int) int {
	if seq == 0 {
		return 0
	}
	return int((seq - 1) % uint32(numSlots))
}

// Update performs the full OTA state machine: validates the image,
// chooses the inactive slot, streams the image into it with progress,
// then commits the new active selection. image is read fully once; size
// must be the exact on-flash length of the already-built image (including
// any trailing hash placeholder). Unless noRollback, the new slot's state
// is set to StatePendingVerify so the bootloader applies rollback-on-
// failure semantics; otherwise StateValid.
//
// Failure during the image stream (step 3) leaves otadata completely
// untouched, since it lives in a separate partition. Failure
// writing the new select record (step 4) leaves the freshly written image
// staged but inactive: the record write is a single WriteAt producing
// either a fully valid (Crc matches Seq) record or none at all, so a
// failed write can never leave a record that activeSelection would trust.
func (e *Engine) Update(ctx context.Context, image io.Reader, size uint64, noRollback bool, progress flashio.ProgressFunc) error {
	slots, err := e.otaSlots()
	if err != nil {
		return err
	}
	a, b, err := e.readSelectRecords()
	if err != nil {
		return err
	}
	activeSeq, activePhysical := activeSelection(a, b)
	activeIdx := activeSlotIndex(activeSeq, len(slots))
	targetIdx := (activeIdx + 1) % len(slots)
	targetPhysical := 1 - activePhysical

	slot := slots[targetIdx]
	if size > uint64(slot.Size) {
		return &esperrors.InvalidImage{Reason: "image does not fit in the target ota slot"}
	}

	pio, err := e.fw.OpenPartition(slot.Name)
	if err != nil {
		return err
	}
	if err := pio.Erase(ctx, 0, uint64(parttable.BlockSize), nil); err != nil {
		return err
	}
	if err := streamWrite(pio, image, size, progress); err != nil {
		return err
	}

	if err := validateWrittenImage(pio); err != nil {
		return err
	}

	otadataPio, err := e.fw.OpenPartition(otadataName)
	if err != nil {
		return err
	}
	newSeq := activeSeq + 1
	state := StateValid
	if !noRollback {
		state = StatePendingVerify
	}
	recordOffset := int64(targetPhysical) * int64(parttable.BlockSize)
	if _, err := otadataPio.WriteAt(encodeRecord(Record{Seq: newSeq, State: state}), recordOffset); err != nil {
		return err
	}
	return nil
}

// streamWrite copies exactly size bytes from image into pio in 64KiB
// chunks, invoking progress after each chunk.
func streamWrite(pio interface {
	WriteAt([]byte, int64) (int, error)
}, image io.Reader, size uint64, progress flashio.ProgressFunc) error {
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	var done uint64
	for done < size {
		want := size - done
		if want > chunk {
			want = chunk
		}
		n, err := io.ReadFull(image, buf[:want])
		if n > 0 {
			if _, werr := pio.WriteAt(buf[:n], int64(done)); werr != nil {
				return werr
			}
			done += uint64(n)
			if progress != nil {
				progress(done, size)
			}
		}
		if err != nil {
			return &esperrors.InvalidImage{Reason: "image shorter than declared size: " + err.Error()}
		}
	}
	return nil
}

func validateWrittenImage(pio interface {
	ReadAt([]byte, int64) (int, error)
}) error {
	hdrBuf := make([]byte, imagehdr.HeaderSize)
	if _, err := pio.ReadAt(hdrBuf, 0); err != nil {
		return err
	}
	_, err := imagehdr.Parse(hdrBuf)
	return err
}
