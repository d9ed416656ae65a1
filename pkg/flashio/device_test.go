package flashio

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeStub is an in-memory Stub, standing in for the real bootloader
// transport, which is assumed to be provided externally.
type fakeStub struct {
	flash  []byte
	resets int
}

func newFakeStub(size int) *fakeStub {
	b := make([]byte, size)
	for i := range b {
		b[i] = 0xFF
	}
	return &fakeStub{flash: b}
}

func (s *fakeStub) Connect(context.Context) error { return nil }
func (s *fakeStub) RunStub(context.Context) error { return nil }
func (s *fakeStub) FlashSize(context.Context) (uint64, error) {
	return uint64(len(s.flash)), nil
}
func (s *fakeStub) ReadFlash(_ context.Context, offset, size uint64, _ func(uint64, uint64)) ([]byte, error) {
	out := make([]byte, size)
	copy(out, s.flash[offset:offset+size])
	return out, nil
}
func (s *fakeStub) WriteFlash(_ context.Context, offset uint64, data []byte, _ func(uint64, uint64)) error {
	copy(s.flash[offset:], data)
	return nil
}
func (s *fakeStub) EraseRegion(_ context.Context, offset, size uint64) error {
	for i := uint64(0); i < size; i++ {
		s.flash[offset+i] = 0xFF
	}
	return nil
}
func (s *fakeStub) HardReset(context.Context) error {
	s.resets++
	return nil
}

func TestDeviceWriteThenRead(t *testing.T) {
	stub := newFakeStub(2 * BlockSize)
	dev, err := Open(context.Background(), stub, OpenDeviceOptions{})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xAB}, BlockSize)
	n, err := dev.WriteAt(payload, 0)
	require.NoError(t, err)
	require.Equal(t, BlockSize, n)

	got := make([]byte, BlockSize)
	_, err = dev.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDeviceUnalignedWriteEmulated(t *testing.T) {
	stub := newFakeStub(2 * BlockSize)
	dev, err := Open(context.Background(), stub, OpenDeviceOptions{})
	require.NoError(t, err)

	payload := []byte{1, 2, 3, 4}
	_, err = dev.WriteAt(payload, 10)
	require.NoError(t, err)

	got := make([]byte, 4)
	_, err = dev.ReadAt(got, 10)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// The rest of the containing block should remain erased (0xFF).
	rest := make([]byte, 4)
	_, err = dev.ReadAt(rest, 20)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, rest)
}

func TestDeviceEraseRequiresAlignment(t *testing.T) {
	stub := newFakeStub(2 * BlockSize)
	dev, err := Open(context.Background(), stub, OpenDeviceOptions{})
	require.NoError(t, err)

	err = dev.Erase(context.Background(), 1, BlockSize, nil)
	require.Error(t, err)
}

func TestDeviceCloseHardResetsUnlessSuppressed(t *testing.T) {
	stub := newFakeStub(BlockSize)
	dev, err := Open(context.Background(), stub, OpenDeviceOptions{NoReset: true})
	require.NoError(t, err)
	require.NoError(t, dev.Close())
	require.Equal(t, 0, stub.resets)

	dev, err = Open(context.Background(), stub, OpenDeviceOptions{})
	require.NoError(t, err)
	require.NoError(t, dev.Close())
	require.Equal(t, 1, stub.resets)
}
