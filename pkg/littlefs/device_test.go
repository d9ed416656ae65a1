package littlefs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/glenn20/esp32part/pkg/firmware"
	"github.com/glenn20/esp32part/pkg/imagehdr"
	"github.com/glenn20/esp32part/pkg/parttable"
)

func buildLfsImage(t *testing.T) string {
	t.Helper()
	const size = 2 * 1024 * 1024

	hdr := &imagehdr.Header{Magic: imagehdr.Magic}
	require.NoError(t, hdr.SetFlashSizeMiB(2))
	hdrBytes := imagehdr.Emit(hdr)

	records := []parttable.Record{
		{Type: parttable.TypeData, Subtype: parttable.SubtypeLittleFS, Offset: 0x10000, Size: 0x100000, Name: "vfs"},
	}
	tbl := &parttable.Table{FlashSize: size, TableOffset: parttable.TableOffset, Records: records}
	tableBytes, err := parttable.Emit(tbl)
	require.NoError(t, err)

	buf := bytes.Repeat([]byte{0xFF}, size)
	copy(buf, hdrBytes)
	copy(buf[parttable.TableOffset:], tableBytes)

	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func openLfsPartition(t *testing.T) *Device {
	t.Helper()
	fw, err := firmware.OpenFile(buildLfsImage(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { fw.Close() })
	pio, err := fw.OpenPartition("vfs")
	require.NoError(t, err)
	return NewDevice(pio)
}

func TestDeviceReportsBlockGeometry(t *testing.T) {
	d := openLfsPartition(t)
	require.Equal(t, uint32(BlockSize), d.BlockSize())
	require.Equal(t, uint32(0x100000/BlockSize), d.BlockCount())
}

func TestDeviceReadWriteRoundTrip(t *testing.T) {
	d := openLfsPartition(t)
	data := bytes.Repeat([]byte{0x5A}, int(BlockSize))
	require.NoError(t, d.ProgBlock(3, 0, data))

	got := make([]byte, BlockSize)
	require.NoError(t, d.ReadBlock(3, 0, got))
	require.Equal(t, data, got)
}

func TestDeviceEraseRestoresErasedValue(t *testing.T) {
	d := openLfsPartition(t)
	require.NoError(t, d.ProgBlock(1, 0, bytes.Repeat([]byte{0x11}, int(BlockSize))))
	require.NoError(t, d.EraseBlock(1))

	got := make([]byte, BlockSize)
	require.NoError(t, d.ReadBlock(1, 0, got))
	require.Equal(t, bytes.Repeat([]byte{0xFF}, int(BlockSize)), got)
}

func TestDeviceRejectsOutOfRangeBlock(t *testing.T) {
	d := openLfsPartition(t)
	err := d.ReadBlock(d.BlockCount(), 0, make([]byte, BlockSize))
	require.Error(t, err)
}

func TestDeviceGrow(t *testing.T) {
	d := openLfsPartition(t)
	full := uint32(0x100000 / BlockSize)
	half := full / 2
	d.blocks = half

	require.Error(t, d.Grow(half-1)) // cannot shrink
	require.NoError(t, d.Grow(half+10))
	require.Equal(t, half+10, d.BlockCount())

	require.Error(t, d.Grow(full+1)) // cannot exceed partition capacity
	require.NoError(t, d.Grow(0))    // 0 means "grow to full capacity"
	require.Equal(t, full, d.BlockCount())
}
