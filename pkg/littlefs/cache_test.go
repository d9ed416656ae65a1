package littlefs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// countingDevice wraps a Device and counts ProgBlock/ReadBlock calls that
// reach the underlying backend, to verify the cache actually coalesces.
type countingDevice struct {
	*Device
	progs, reads int
}

func (c *countingDevice) ProgBlock(block, off uint32, data []byte) error {
	c.progs++
	return c.Device.ProgBlock(block, off, data)
}

func (c *countingDevice) ReadBlock(block, off uint32, buf []byte) error {
	c.reads++
	return c.Device.ReadBlock(block, off, buf)
}

func TestCachedDeviceCoalescesWrites(t *testing.T) {
	d := openLfsPartition(t)
	cd := &countingDevice{Device: d}
	cache := NewCachedDevice(cd)

	data := bytes.Repeat([]byte{0x7}, int(BlockSize))
	require.NoError(t, cache.ProgBlock(2, 0, data))
	require.NoError(t, cache.ProgBlock(2, 4, []byte{0xAA, 0xBB}))
	require.Equal(t, 1, cd.reads) // one fill-read on first touch
	require.Equal(t, 0, cd.progs) // nothing flushed yet

	require.NoError(t, cache.Sync())
	require.Equal(t, 1, cd.progs)

	got := make([]byte, BlockSize)
	require.NoError(t, d.ReadBlock(2, 0, got))
	require.Equal(t, byte(0xAA), got[4])
	require.Equal(t, byte(0xBB), got[5])
}

func TestCachedDeviceInvalidate(t *testing.T) {
	d := openLfsPartition(t)
	cache := NewCachedDevice(d)

	require.NoError(t, cache.ProgBlock(0, 0, bytes.Repeat([]byte{0x1}, int(BlockSize))))
	// Bypass the cache and write directly to the device.
	require.NoError(t, d.ProgBlock(0, 0, bytes.Repeat([]byte{0x2}, int(BlockSize))))
	cache.Invalidate()

	got := make([]byte, BlockSize)
	require.NoError(t, cache.ReadBlock(0, 0, got))
	require.Equal(t, bytes.Repeat([]byte{0x2}, int(BlockSize)), got)
}
