// Copyright 2018 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package imagehdr parses and emits the 24-byte ESP32 app/bootloader image
// header, and computes and verifies the trailing SHA-256 digest appended
// when the header's hash_appended flag is set.
package imagehdr

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/glenn20/esp32part/pkg/esperrors"
)

// Magic is the required first byte of every app/bootloader image.
const Magic = 0xE9

// HeaderSize is the fixed size of the leading image header record.
const HeaderSize = 24

// SegmentHeaderSize is the size of each segment's (addr, length) prefix.
const SegmentHeaderSize = 8

// HashSize is the size of the trailing SHA-256 digest when HashAppended is set.
const HashSize = sha256.Size

// boundary is the alignment the segment chain and checksum byte pad to.
const boundary = 16

// Header is the 24-byte leading record of an app or bootloader image.
type Header struct {
	Magic        uint8
	NumSegments  uint8
	SpiMode      uint8
	SpiSpeedSize uint8 // low nibble: speed; high nibble: flash-size enum
	EntryAddr    uint32
	WpPin        uint8
	SpiPinDrv    [3]uint8
	ChipID       uint16
	MinChipRev   uint8
	Reserved     [8]uint8
	HashAppended uint8
}

// FlashSizeMiB maps the header's flash-size enum (high nibble of
// SpiSpeedSize) to a size in MiB. Index is the enum value 0..7.
var FlashSizeMiB = [8]uint64{1, 2, 4, 8, 16, 32, 64, 128}

// FlashSizeEnum returns the enum value for a given number of MiB, or -1 if
// the size is not one of the encodable values.
func FlashSizeEnum(mib uint64) int {
	for i, v := range FlashSizeMiB {
		if v == mib {
			return i
		}
	}
	return -1
}

// FlashSizeMiBValue returns the decoded flash size, in MiB, from the header.
func (h *Header) FlashSizeMiBValue() uint64 {
	return FlashSizeMiB[(h.SpiSpeedSize>>4)&0xF]
}

// SetFlashSizeMiB rewrites the high nibble of SpiSpeedSize to encode size.
// Returns a LayoutError-free esperrors.UserError if size cannot be encoded.
func (h *Header) SetFlashSizeMiB(mib uint64) error {
	enum := FlashSizeEnum(mib)
	if enum < 0 {
		return &esperrors.UserError{What: "flash size is not one of 1/2/4/8/16/32/64/128 MiB"}
	}
	h.SpiSpeedSize = (h.SpiSpeedSize & 0x0F) | uint8(enum<<4)
	return nil
}

// HasHash reports whether the image carries a trailing SHA-256 digest.
func (h *Header) HasHash() bool { return h.HashAppended != 0 }

// Parse reads a 24-byte image header from b. Returns *esperrors.InvalidImage
// if b is too short or the magic byte is wrong.
func Parse(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, &esperrors.InvalidImage{Reason: "image shorter than 24-byte header"}
	}
	var h Header
	if err := binary.Read(bytes.NewReader(b[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return nil, &esperrors.InvalidImage{Reason: "malformed header: " + err.Error()}
	}
	if h.Magic != Magic {
		return nil, &esperrors.InvalidImage{Reason: "bad magic byte"}
	}
	return &h, nil
}

// Emit serializes h back to its 24-byte wire form.
func Emit(h *Header) []byte {
	buf := &bytes.Buffer{}
	buf.Grow(HeaderSize)
	// binary.Write against a bytes.Buffer never fails for a fixed-size
	// struct of this shape.
	_ = binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// segment is the 8-byte (addr, length) prefix preceding each segment body.
type segment struct {
	Addr   uint32
	Length uint32
}

// SizeOfImage walks the segment chain of the image starting at startOffset
// in r (header, then num_segments segments, then a 1-byte checksum padded
// to a 16-byte boundary, then - if hash_appended - a 32-byte SHA-256) and
// returns the total byte length of the image.
func SizeOfImage(r io.ReaderAt, startOffset int64) (uint64, error) {
	hdrBuf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(hdrBuf, startOffset); err != nil {
		return 0, &esperrors.InvalidImage{Reason: "failed to read header: " + err.Error()}
	}
	h, err := Parse(hdrBuf)
	if err != nil {
		return 0, err
	}

	offset := startOffset + HeaderSize
	for i := 0; i < int(h.NumSegments); i++ {
		var segHdr [SegmentHeaderSize]byte
		if _, err := r.ReadAt(segHdr[:], offset); err != nil {
			return 0, &esperrors.InvalidImage{Reason: "truncated segment chain"}
		}
		var seg segment
		_ = binary.Read(bytes.NewReader(segHdr[:]), binary.LittleEndian, &seg)
		offset += SegmentHeaderSize + int64(seg.Length)
	}
	// 1-byte checksum, then pad to a 16-byte boundary measured from start.
	offset++
	if rem := (offset - startOffset) % boundary; rem != 0 {
		offset += boundary - rem
	}
	if h.HasHash() {
		offset += HashSize
	}
	return uint64(offset - startOffset), nil
}

// ValidateHash recomputes SHA-256 over r[start:end-32) and compares it to
// the 32 bytes at r[end-32:end). Returns *esperrors.InvalidImage on
// mismatch; callers decide whether that is fatal (only with --check-app)
// or merely logged as a warning.
func ValidateHash(r io.ReaderAt, start, end int64) error {
	if end-start < HashSize {
		return &esperrors.InvalidImage{Reason: "image too short to carry a hash"}
	}
	want := make([]byte, HashSize)
	if _, err := r.ReadAt(want, end-HashSize); err != nil {
		return &esperrors.InvalidImage{Reason: "failed to read trailing hash"}
	}
	got, err := digest(r, start, end-HashSize)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return &esperrors.InvalidImage{Reason: "image SHA-256 does not match trailing digest"}
	}
	return nil
}

// Rehash recomputes SHA-256 over r[start:end-32) and writes the digest into
// w at [end-32, end).
func Rehash(r io.ReaderAt, w io.WriterAt, start, end int64) error {
	if end-start < HashSize {
		return &esperrors.InvalidImage{Reason: "image too short to carry a hash"}
	}
	got, err := digest(r, start, end-HashSize)
	if err != nil {
		return err
	}
	_, err = w.WriteAt(got, end-HashSize)
	return err
}

func digest(r io.ReaderAt, start, end int64) ([]byte, error) {
	h := sha256.New()
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	for off := start; off < end; {
		n := end - off
		if n > chunk {
			n = chunk
		}
		if _, err := r.ReadAt(buf[:n], off); err != nil {
			return nil, &esperrors.InvalidImage{Reason: "failed reading image for hashing: " + err.Error()}
		}
		h.Write(buf[:n])
		off += n
	}
	return h.Sum(nil), nil
}
