// Package ota implements C7: the Over-The-Air update state machine driven
// by the two-slot otadata structure and the bootloader's rollback flag.
//
// otadata is, structurally, the same kind of small fixed-size binary
// record parttable.Record already models, so the decode/encode shape
// mirrors pkg/parttable/record.go's wireRecord/Record split.
package ota

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/glenn20/esp32part/pkg/esperrors"
)

// RecordSize is the fixed wire size of one otadata select-record.
const RecordSize = 32

// LabelSize is the size of the record's (unused by this engine) label field.
const LabelSize = 20

// Image-state values written to a record's State field, matching the
// ESP-IDF esp_ota_img_states_t encoding.
const (
	StateNew           uint32 = 0xFFFFFFFF // freshly flashed, not yet booted
	StatePendingVerify uint32 = 0x1        // rollback-enabled: must self-validate on boot
	StateValid         uint32 = 0x2
	StateInvalid       uint32 = 0x3
	StateAborted       uint32 = 0x4
)

// wireRecord is the exact 32-byte on-disk layout, little-endian.
type wireRecord struct {
	Seq   uint32
	Label [LabelSize]byte
	State uint32
	Crc   uint32
}

// Record is a decoded otadata select-record.
type Record struct {
	Seq   uint32
	State uint32
	Crc   uint32
}

// crc32Of computes the commit CRC the way the bootloader does: CRC-32
// (IEEE) of the little-endian encoded seq alone.
func crc32Of(seq uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], seq)
	return crc32.ChecksumIEEE(b[:])
}

// Valid reports whether the record is fully committed: its stored Crc
// matches its Seq and Seq is not the erased value 0xFFFFFFFF. The Seq check
// is what rejects a never-written (erased, 0xFF-filled) record, because the
// CRC-32 of four 0xFF bytes is itself 0xFFFFFFFF; the Crc check rejects a
// torn one.
func (r Record) Valid() bool { return r.Seq != 0xFFFFFFFF && r.Crc == crc32Of(r.Seq) }

// decodeRecord parses a RecordSize-byte slice into a Record.
func decodeRecord(b []byte) (Record, error) {
	if len(b) < RecordSize {
		return Record{}, &esperrors.BadTable{Reason: "otadata record shorter than 32 bytes"}
	}
	var w wireRecord
	if err := binary.Read(bytes.NewReader(b[:RecordSize]), binary.LittleEndian, &w); err != nil {
		return Record{}, &esperrors.BadTable{Reason: "malformed otadata record: " + err.Error()}
	}
	return Record{Seq: w.Seq, State: w.State, Crc: w.Crc}, nil
}

// encodeRecord serializes r to its 32-byte wire form. Crc is always
// recomputed from Seq rather than trusted from the caller, since Valid
// checks Crc against Seq.
func encodeRecord(r Record) []byte {
	w := wireRecord{Seq: r.Seq, State: r.State, Crc: crc32Of(r.Seq)}
	buf := &bytes.Buffer{}
	buf.Grow(RecordSize)
	_ = binary.Write(buf, binary.LittleEndian, w)
	return buf.Bytes()
}
