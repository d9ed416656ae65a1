package partio

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glenn20/esp32part/pkg/flashio"
	"github.com/glenn20/esp32part/pkg/parttable"
	"github.com/stretchr/testify/require"
)

func newFile(t *testing.T, size uint64) *flashio.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.bin")
	f, err := flashio.CreateFile(path, size)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestPartitionIOClamping(t *testing.T) {
	f := newFile(t, 64*1024)
	rec := parttable.Record{Type: parttable.TypeData, Offset: 0x9000, Size: 0x1000, Name: "nvs"}
	p := Open(f, rec)

	buf := make([]byte, 16)
	_, err := p.ReadAt(buf, 0)
	require.NoError(t, err)

	_, err = p.ReadAt(buf, 0x1000) // out of range
	require.Error(t, err)
}

func TestPartitionIOWriteReadThrough(t *testing.T) {
	f := newFile(t, 64*1024)
	rec := parttable.Record{Type: parttable.TypeData, Offset: 0, Size: 0x2000, Name: "vfs"}
	p := Open(f, rec)

	payload := []byte("partition-data")
	_, err := p.WriteAt(payload, 100)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = p.ReadAt(got, 100)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPartitionIOErase(t *testing.T) {
	f := newFile(t, 64*1024)
	rec := parttable.Record{Type: parttable.TypeData, Offset: 0, Size: 0x2000, Name: "vfs"}
	p := Open(f, rec)

	_, err := p.WriteAt([]byte{1, 2, 3}, 10)
	require.NoError(t, err)
	require.NoError(t, p.Erase(context.Background(), 0, 16, nil))

	got := make([]byte, 16)
	_, err = p.ReadAt(got, 0)
	require.NoError(t, err)
	for _, b := range got {
		require.Equal(t, byte(0xFF), b)
	}
}

func TestTrimAndTrimBlocks(t *testing.T) {
	b := make([]byte, 64)
	for i := range b {
		b[i] = 0xFF
	}
	b[20] = 0x01

	trimmed := Trim(b)
	require.Equal(t, 32, len(trimmed)) // 21 rounded up to next 16-byte boundary

	trimmedBlocks := TrimBlocks(b)
	require.Equal(t, 64, len(trimmedBlocks)) // rounds up to 4KiB but clamped to len(b)
}

func TestReaderSnapshotsCurrentContents(t *testing.T) {
	f := newFile(t, 64*1024)
	rec := parttable.Record{Type: parttable.TypeData, Offset: 0, Size: 0x1000, Name: "nvs"}
	p := Open(f, rec)

	_, err := p.WriteAt([]byte("hello"), 10)
	require.NoError(t, err)

	r, err := p.Reader()
	require.NoError(t, err)

	_, err = r.Seek(10, 0)
	require.NoError(t, err)
	got := make([]byte, 5)
	_, err = r.Read(got)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestWriterStagesThenCommits(t *testing.T) {
	f := newFile(t, 64*1024)
	rec := parttable.Record{Type: parttable.TypeData, Offset: 0, Size: 0x1000, Name: "nvs"}
	p := Open(f, rec)

	w, err := p.Writer()
	require.NoError(t, err)
	_, err = w.Seek(5, 0)
	require.NoError(t, err)
	_, err = w.Write([]byte("staged"))
	require.NoError(t, err)

	// Nothing committed to the partition yet - still reads back as erased.
	erased := make([]byte, 11)
	for i := range erased {
		erased[i] = 0xFF
	}
	got := make([]byte, 11)
	_, err = p.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, erased, got)

	require.NoError(t, w.Commit())

	got = make([]byte, 11)
	_, err = p.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "staged", string(got[5:]))
}

func TestWithFlushesOnError(t *testing.T) {
	f := newFile(t, 4096)
	rec := parttable.Record{Type: parttable.TypeData, Offset: 0, Size: 4096, Name: "nvs"}

	sentinel := errors.New("boom")
	err := With(f, rec, func(p *PartitionIO) error {
		_, werr := p.WriteAt([]byte{1, 2, 3}, 0)
		require.NoError(t, werr)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	got := make([]byte, 3)
	_, rerr := f.ReadAt(got, 0)
	require.NoError(t, rerr)
	require.Equal(t, []byte{1, 2, 3}, got)
}
