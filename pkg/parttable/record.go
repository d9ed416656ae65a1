// Copyright 2017-2018 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package parttable parses and emits the ESP32 binary partition table: a
// sequence of 32-byte records at flash offset 0x8000, terminated by a
// non-matching-magic record, followed by an MD5 digest record and 0xFF
// padding to 0xC00 bytes.
package parttable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/glenn20/esp32part/pkg/esperrors"
)

// RecordMagic is the required first 2 bytes of every partition record.
const RecordMagic = 0x50AA

// Md5Magic is the first 2 bytes of the MD5 trailer record.
const Md5Magic = 0xEBEB

// RecordSize is the fixed wire size of a PartitionRecord.
const RecordSize = 32

// TableOffset is the default flash offset of the partition table.
const TableOffset = 0x8000

// TableSize is the fixed byte length reserved for the table region.
const TableSize = 0xC00

// BlockSize is the flash erase/alignment granularity (one sector).
const BlockSize = 0x1000

// AppAlign is the alignment required of app-type partition offsets.
const AppAlign = 0x10000

// Type enumerates a partition's type byte.
type Type uint8

const (
	TypeApp  Type = 0
	TypeData Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeApp:
		return "app"
	case TypeData:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// App subtypes.
const (
	SubtypeFactory uint8 = 0x00
	SubtypeOta0    uint8 = 0x10 // ota_0 .. ota_15 are 0x10..0x1F
	SubtypeTest    uint8 = 0x20
)

// Data subtypes.
const (
	SubtypeOtaData   uint8 = 0x00
	SubtypeNvs       uint8 = 0x01
	SubtypePhy       uint8 = 0x02
	SubtypeNvsKeys   uint8 = 0x04
	SubtypeFat       uint8 = 0x81
	SubtypeLittleFS  uint8 = 0x82
	SubtypeCoredump  uint8 = 0x03
)

// subtypeNames maps (type, subtype) to the human name used in CSV/table
// rendering. Unknown combinations are preserved as their numeric value by
// the caller (SubtypeName below), not by this lookup.
var subtypeNames = map[[2]uint8]string{
	{uint8(TypeApp), SubtypeFactory}: "factory",
	{uint8(TypeApp), SubtypeTest}:    "test",
	{uint8(TypeData), SubtypeOtaData}: "ota",
	{uint8(TypeData), SubtypeNvs}:     "nvs",
	{uint8(TypeData), SubtypePhy}:     "phy",
	{uint8(TypeData), SubtypeNvsKeys}: "nvs_keys",
	{uint8(TypeData), SubtypeFat}:     "fat",
	{uint8(TypeData), SubtypeLittleFS}: "littlefs",
	{uint8(TypeData), SubtypeCoredump}: "coredump",
}

// SubtypeName returns the human name for (typ, subtype), or "ota_N" for app
// OTA slots, or the bare numeric value (e.g. "0x50") for anything unknown -
// unknown subtypes must round-trip byte-for-byte, never be rejected.
func SubtypeName(typ Type, subtype uint8) string {
	if typ == TypeApp && subtype >= SubtypeOta0 && subtype <= 0x1F {
		return fmt.Sprintf("ota_%d", subtype-SubtypeOta0)
	}
	if name, ok := subtypeNames[[2]uint8{uint8(typ), subtype}]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", subtype)
}

// rawName is the 16-byte NUL-padded ASCII name field.
type rawName [16]byte

func (n rawName) String() string {
	return strings.TrimRight(string(n[:]), "\x00")
}

func newRawName(s string) (rawName, error) {
	var n rawName
	if s == "" {
		return n, &esperrors.LayoutError{Code: esperrors.InvalidName, Reason: "partition name must not be empty"}
	}
	if len(s) > 15 {
		return n, &esperrors.LayoutError{Code: esperrors.InvalidName, Reason: fmt.Sprintf("partition name %q longer than 15 bytes", s)}
	}
	copy(n[:], s)
	return n, nil
}

// wireRecord is the exact 32-byte on-disk layout, little-endian.
type wireRecord struct {
	Magic   uint16
	Type    uint8
	Subtype uint8
	Offset  uint32
	Size    uint32
	Name    rawName
	Flags   uint32
}

// Record is a decoded PartitionRecord.
type Record struct {
	Type    Type
	Subtype uint8
	Offset  uint32
	Size    uint32
	Name    string
	Flags   uint32
}

func (r Record) End() uint32 { return r.Offset + r.Size }

func (r Record) toWire() (wireRecord, error) {
	name, err := newRawName(r.Name)
	if err != nil {
		return wireRecord{}, err
	}
	return wireRecord{
		Magic:   RecordMagic,
		Type:    uint8(r.Type),
		Subtype: r.Subtype,
		Offset:  r.Offset,
		Size:    r.Size,
		Name:    name,
		Flags:   r.Flags,
	}, nil
}

func fromWire(w wireRecord) Record {
	return Record{
		Type:    Type(w.Type),
		Subtype: w.Subtype,
		Offset:  w.Offset,
		Size:    w.Size,
		Name:    w.Name.String(),
		Flags:   w.Flags,
	}
}

// emitRecord serializes r to its 32-byte wire form.
func emitRecord(r Record) ([]byte, error) {
	w, err := r.toWire()
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	buf.Grow(RecordSize)
	if err := binary.Write(buf, binary.LittleEndian, w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
