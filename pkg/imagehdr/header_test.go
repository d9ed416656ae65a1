package imagehdr

import (
	"bytes"
	"testing"

	"github.com/glenn20/esp32part/pkg/esperrors"
	"github.com/stretchr/testify/require"
)

func sampleHeader() *Header {
	return &Header{
		Magic:        Magic,
		NumSegments:  0,
		SpiMode:      0,
		SpiSpeedSize: 0x10, // 2 MiB enum, speed 0
		EntryAddr:    0x40080034,
		ChipID:       0,
		HashAppended: 1,
	}
}

func TestParseEmitRoundTrip(t *testing.T) {
	h := sampleHeader()
	b := Emit(h)
	require.Len(t, b, HeaderSize)

	got, err := Parse(b)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestParseBadMagic(t *testing.T) {
	h := sampleHeader()
	b := Emit(h)
	b[0] = 0x00
	_, err := Parse(b)
	require.Error(t, err)
	require.IsType(t, &esperrors.InvalidImage{}, err)
}

func TestParseTruncated(t *testing.T) {
	_, err := Parse([]byte{0xE9, 0x01})
	require.Error(t, err)
}

func TestFlashSizeRoundTrip(t *testing.T) {
	h := sampleHeader()
	require.NoError(t, h.SetFlashSizeMiB(8))
	require.Equal(t, uint64(8), h.FlashSizeMiBValue())

	err := h.SetFlashSizeMiB(3)
	require.Error(t, err)
}

func TestSizeOfImageNoSegments(t *testing.T) {
	h := sampleHeader()
	h.NumSegments = 0
	h.HashAppended = 0
	hdr := Emit(h)
	// one checksum byte, padded to 16-byte boundary from start (24+1=25 -> 32)
	img := append(hdr, make([]byte, 32-len(hdr))...)
	size, err := SizeOfImage(bytes.NewReader(img), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(32), size)
}

func TestValidateAndRehash(t *testing.T) {
	h := sampleHeader()
	h.NumSegments = 0
	h.HashAppended = 1
	hdr := Emit(h)
	body := append(hdr, make([]byte, 32-len(hdr))...) // pad to boundary
	body = append(body, make([]byte, HashSize)...)     // placeholder hash

	buf := &fakeDevice{data: append([]byte(nil), body...)}
	require.NoError(t, Rehash(buf, buf, 0, int64(len(body))))
	require.NoError(t, ValidateHash(buf, 0, int64(len(body))))

	// Corrupt a byte in the body and confirm validation now fails.
	buf.data[5] ^= 0xFF
	require.Error(t, ValidateHash(buf, 0, int64(len(body))))
}

// fakeDevice is a minimal in-memory ReaderAt+WriterAt for tests.
type fakeDevice struct{ data []byte }

func (f *fakeDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, f.data[off:])
	return n, nil
}

func (f *fakeDevice) WriteAt(p []byte, off int64) (int, error) {
	n := copy(f.data[off:], p)
	return n, nil
}
