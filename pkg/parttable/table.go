// Copyright 2017-2018 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package parttable

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/glenn20/esp32part/pkg/esperrors"
)

// Table is the in-memory decoded partition table, plus the flash metadata
// needed to validate and re-emit it.
type Table struct {
	FlashSize   uint64 // bytes
	TableOffset uint64 // default TableOffset
	Records     []Record
}

// md5Padding is the 14 zero bytes following the MD5 record's 0xEBEB magic,
// before the 16-byte digest itself.
var md5Padding = make([]byte, 14)

// Parse decodes a TableSize-byte region into a Table. flashSize and
// tableOffset come from the caller (the image header / firmware facade),
// since the table bytes alone don't carry them.
func Parse(b []byte, flashSize, tableOffset uint64) (*Table, error) {
	if len(b) < TableSize {
		return nil, &esperrors.BadTable{Reason: fmt.Sprintf("table region shorter than %#x bytes", TableSize)}
	}
	t := &Table{FlashSize: flashSize, TableOffset: tableOffset}

	pos := 0
	var recordBytes []byte
	for pos+RecordSize <= len(b) {
		chunk := b[pos : pos+RecordSize]
		magic := uint16(chunk[0]) | uint16(chunk[1])<<8
		if magic != RecordMagic {
			if magic == Md5Magic {
				if err := verifyMd5Record(chunk, recordBytes); err != nil {
					return nil, err
				}
			}
			break
		}
		var w wireRecord
		if err := binary.Read(bytes.NewReader(chunk), binary.LittleEndian, &w); err != nil {
			return nil, &esperrors.BadTable{Reason: "malformed partition record: " + err.Error()}
		}
		t.Records = append(t.Records, fromWire(w))
		recordBytes = append(recordBytes, chunk...)
		pos += RecordSize
	}
	return t, nil
}

func verifyMd5Record(chunk, recordBytes []byte) error {
	digest := chunk[16:32]
	want := md5.Sum(recordBytes)
	if !bytes.Equal(digest, want[:]) {
		return &esperrors.BadTable{Reason: "MD5 record does not match preceding partition records"}
	}
	return nil
}

// Emit serializes t back to a TableSize-byte region: records in offset
// order, then the MD5 record, then 0xFF padding.
func Emit(t *Table) ([]byte, error) {
	sorted := append([]Record(nil), t.Records...)
	sortRecords(sorted)

	buf := &bytes.Buffer{}
	var recordBytes []byte
	for _, r := range sorted {
		rb, err := emitRecord(r)
		if err != nil {
			return nil, err
		}
		recordBytes = append(recordBytes, rb...)
		buf.Write(rb)
	}
	digest := md5.Sum(recordBytes)
	buf.Write([]byte{0xEB, 0xEB})
	buf.Write(md5Padding)
	buf.Write(digest[:])

	out := buf.Bytes()
	if len(out) > TableSize {
		return nil, &esperrors.BadTable{Reason: "partition table exceeds 0xC00 bytes"}
	}
	pad := make([]byte, TableSize-len(out))
	for i := range pad {
		pad[i] = 0xFF
	}
	return append(out, pad...), nil
}

func sortRecords(r []Record) {
	// Simple insertion sort: partition tables are tiny (a handful of
	// entries), so O(n^2) is irrelevant and the stable, dependency-free
	// behavior is easy to reason about.
	for i := 1; i < len(r); i++ {
		for j := i; j > 0 && r[j].Offset < r[j-1].Offset; j-- {
			r[j], r[j-1] = r[j-1], r[j]
		}
	}
}

// FindByName returns the record named name, or nil.
func (t *Table) FindByName(name string) *Record {
	for i := range t.Records {
		if t.Records[i].Name == name {
			return &t.Records[i]
		}
	}
	return nil
}

// Validate checks every table invariant (ordering, no overlaps, flash
// bounds, alignment) and returns an aggregated *multierror.Error (via
// hashicorp/go-multierror) if any fail, so that a single pass reports
// every violation rather than just the first.
func (t *Table) Validate() error {
	var result *multierror.Error

	sorted := append([]Record(nil), t.Records...)
	sortRecords(sorted)

	seenNames := map[string]bool{}
	hasApp := false
	otaCount, otadataCount := 0, 0

	var prevEnd uint64 = t.TableOffset + TableSize
	for i, r := range sorted {
		if r.Name == "" || len(r.Name) > 15 {
			result = multierror.Append(result, &esperrors.LayoutError{
				Code: esperrors.InvalidName, Reason: fmt.Sprintf("record %d: invalid name %q", i, r.Name),
			})
		}
		if seenNames[r.Name] {
			result = multierror.Append(result, &esperrors.LayoutError{
				Code: esperrors.DuplicateName, Reason: fmt.Sprintf("duplicate partition name %q", r.Name),
			})
		}
		seenNames[r.Name] = true

		if uint64(r.Offset)%BlockSize != 0 || uint64(r.Size)%BlockSize != 0 {
			result = multierror.Append(result, &esperrors.LayoutError{
				Code: esperrors.BadAlignment,
				Reason: fmt.Sprintf("partition %q: offset/size must be a multiple of %#x", r.Name, BlockSize),
			})
		}
		if r.Type == TypeApp {
			hasApp = true
			if uint64(r.Offset)%AppAlign != 0 {
				result = multierror.Append(result, &esperrors.LayoutError{
					Code: esperrors.BadAlignment,
					Reason: fmt.Sprintf("app partition %q: offset must be a multiple of %#x", r.Name, AppAlign),
				})
			}
			if r.Subtype >= SubtypeOta0 && r.Subtype <= 0x1F {
				otaCount++
			}
		} else if r.Type == TypeData && r.Subtype == SubtypeOtaData {
			otadataCount++
		}

		if uint64(r.Offset) < prevEnd {
			result = multierror.Append(result, &esperrors.LayoutError{
				Code: esperrors.Overlap, Reason: fmt.Sprintf("partition %q overlaps the preceding entry", r.Name),
			})
		}
		end := uint64(r.Offset) + uint64(r.Size)
		if end > t.FlashSize {
			result = multierror.Append(result, &esperrors.LayoutError{
				Code: esperrors.Overflow, Reason: fmt.Sprintf("partition %q ends at %#x, beyond flash size %#x", r.Name, end, t.FlashSize),
			})
		}
		prevEnd = end
	}

	if !hasApp {
		result = multierror.Append(result, &esperrors.LayoutError{Code: esperrors.MissingApp, Reason: "table has no app partition"})
	}
	if otaCount > 0 && otadataCount != 1 {
		result = multierror.Append(result, &esperrors.LayoutError{Code: esperrors.MissingOtadata, Reason: "table has ota_N app partitions but not exactly one otadata partition"})
	}

	return result.ErrorOrNil()
}
