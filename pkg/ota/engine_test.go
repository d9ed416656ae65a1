package ota

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/glenn20/esp32part/pkg/firmware"
	"github.com/glenn20/esp32part/pkg/imagehdr"
	"github.com/glenn20/esp32part/pkg/parttable"
)

func otaFixtureRecords() []parttable.Record {
	return []parttable.Record{
		{Type: parttable.TypeData, Subtype: parttable.SubtypeNvs, Offset: 0x9000, Size: 0x5000, Name: "nvs"},
		{Type: parttable.TypeData, Subtype: parttable.SubtypeOtaData, Offset: 0xe000, Size: 0x2000, Name: "otadata"},
		{Type: parttable.TypeApp, Subtype: parttable.SubtypeOta0 + 0, Offset: 0x10000, Size: 0x100000, Name: "ota_0"},
		{Type: parttable.TypeApp, Subtype: parttable.SubtypeOta0 + 1, Offset: 0x110000, Size: 0x100000, Name: "ota_1"},
	}
}

func buildOtaImage(t *testing.T) string {
	t.Helper()
	const flashSizeMiB = 4
	size := uint64(flashSizeMiB) * 1024 * 1024

	hdr := &imagehdr.Header{Magic: imagehdr.Magic}
	require.NoError(t, hdr.SetFlashSizeMiB(flashSizeMiB))
	hdrBytes := imagehdr.Emit(hdr)

	tbl := &parttable.Table{FlashSize: size, TableOffset: parttable.TableOffset, Records: otaFixtureRecords()}
	tableBytes, err := parttable.Emit(tbl)
	require.NoError(t, err)

	buf := bytes.Repeat([]byte{0xFF}, int(size))
	copy(buf, hdrBytes)
	copy(buf[parttable.TableOffset:], tableBytes)

	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

// fakeAppImage builds a minimal valid app image: header (no segments, no
// hash) padded to a 16-byte boundary.
func fakeAppImage(t *testing.T) []byte {
	t.Helper()
	h := &imagehdr.Header{Magic: imagehdr.Magic, NumSegments: 0}
	b := imagehdr.Emit(h)
	b = append(b, 0x00) // checksum byte
	for len(b)%16 != 0 {
		b = append(b, 0xFF)
	}
	return b
}

func TestFirstUpdateTargetsSlotOne(t *testing.T) {
	// A factory-fresh device (blank otadata) boots app slot ota_0 without
	// ever having written a select record, so the first Update targets
	// the other slot, ota_1.
	path := buildOtaImage(t)
	fw, err := firmware.OpenFile(path, nil)
	require.NoError(t, err)
	defer fw.Close()

	e := New(fw, nil)
	image := fakeAppImage(t)
	require.NoError(t, e.Update(context.Background(), bytes.NewReader(image), uint64(len(image)), false, nil))

	active, err := e.ActiveSlot()
	require.NoError(t, err)
	require.Equal(t, "ota_1", active.Name)

	pio, err := fw.OpenPartition("ota_1")
	require.NoError(t, err)
	got := make([]byte, len(image))
	_, err = pio.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, image, got)
}

func TestSecondUpdateFlipsBackToSlotZero(t *testing.T) {
	path := buildOtaImage(t)
	fw, err := firmware.OpenFile(path, nil)
	require.NoError(t, err)
	defer fw.Close()

	e := New(fw, nil)
	image := fakeAppImage(t)
	require.NoError(t, e.Update(context.Background(), bytes.NewReader(image), uint64(len(image)), false, nil))
	require.NoError(t, e.Update(context.Background(), bytes.NewReader(image), uint64(len(image)), true, nil))

	active, err := e.ActiveSlot()
	require.NoError(t, err)
	require.Equal(t, "ota_0", active.Name)
}

func TestUpdateRejectsOversizedImage(t *testing.T) {
	path := buildOtaImage(t)
	fw, err := firmware.OpenFile(path, nil)
	require.NoError(t, err)
	defer fw.Close()

	e := New(fw, nil)
	oversized := make([]byte, 0x200000)
	err = e.Update(context.Background(), bytes.NewReader(oversized), uint64(len(oversized)), false, nil)
	require.Error(t, err)
}

func TestActiveSelectionIgnoresTornRecord(t *testing.T) {
	good := Record{Seq: 5}
	good.Crc = crc32Of(good.Seq)
	torn := Record{Seq: 9} // Crc left zero: never committed

	seq, physical := activeSelection(good, torn)
	require.Equal(t, uint32(5), seq)
	require.Equal(t, 0, physical)
}
