package flashio

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileCreateEraseAndReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	f, err := CreateFile(path, 4096)
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, uint64(4096), f.Size())

	buf := make([]byte, 16)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	for _, b := range buf {
		require.Equal(t, byte(0xFF), b)
	}

	payload := []byte("hello-esp32-flash")
	_, err = f.WriteAt(payload, 10)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = f.ReadAt(got, 10)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFileEraseRestoresErasedValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	f, err := CreateFile(path, 4096)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte{0, 0, 0, 0}, 0)
	require.NoError(t, err)

	require.NoError(t, f.Erase(context.Background(), 0, 4, nil))

	got := make([]byte, 4)
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, got)
}

func TestWriteFromStagesBeforeCommitting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	f, err := CreateFile(path, 4096)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.WriteFrom(bytes.NewReader([]byte("staged-payload")), 16)
	require.NoError(t, err)
	require.Equal(t, int64(len("staged-payload")), n)

	got := make([]byte, len("staged-payload"))
	_, err = f.ReadAt(got, 16)
	require.NoError(t, err)
	require.Equal(t, "staged-payload", string(got))
}

func TestOpenFileReportsLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	f, err := CreateFile(path, 8192)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := OpenFile(path)
	require.NoError(t, err)
	defer f2.Close()
	require.Equal(t, uint64(8192), f2.Size())
}
