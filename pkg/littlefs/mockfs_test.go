package littlefs

import (
	"bytes"
	"path"
	"sort"
	"strings"

	"github.com/glenn20/esp32part/pkg/esperrors"
)

// fakeFS is a minimal in-memory Filesystem used to exercise VFS without a
// real LittleFS binding, which is treated as an external collaborator.
type fakeFS struct {
	mounted bool
	dev     BlockDevice
	dirs    map[string]bool
	files   map[string][]byte
}

func newFakeFS() Filesystem {
	return &fakeFS{dirs: map[string]bool{"/": true}, files: map[string][]byte{}}
}

func clean(p string) string {
	p = path.Clean("/" + p)
	return p
}

func (f *fakeFS) Format(dev BlockDevice) error {
	f.dirs = map[string]bool{"/": true}
	f.files = map[string][]byte{}
	return nil
}

func (f *fakeFS) Mount(dev BlockDevice) error {
	f.dev = dev
	f.mounted = true
	return nil
}

func (f *fakeFS) Unmount() error {
	f.mounted = false
	return nil
}

type fakeFile struct {
	fs   *fakeFS
	path string
	buf  *bytes.Buffer
}

func (ff *fakeFile) Read(p []byte) (int, error)  { return ff.buf.Read(p) }
func (ff *fakeFile) Write(p []byte) (int, error) { return ff.buf.Write(p) }
func (ff *fakeFile) Truncate(size int64) error {
	b := ff.buf.Bytes()
	if int64(len(b)) > size {
		b = b[:size]
	}
	ff.buf = bytes.NewBuffer(b)
	return nil
}
func (ff *fakeFile) Close() error {
	ff.fs.files[ff.path] = append([]byte(nil), ff.buf.Bytes()...)
	return nil
}

func (f *fakeFS) Open(p string) (File, error) {
	p = clean(p)
	data, ok := f.files[p]
	if !ok {
		return nil, &esperrors.NotFound{Name: p}
	}
	return &fakeFile{fs: f, path: p, buf: bytes.NewBuffer(append([]byte(nil), data...))}, nil
}

func (f *fakeFS) Create(p string) (File, error) {
	p = clean(p)
	f.files[p] = nil
	return &fakeFile{fs: f, path: p, buf: &bytes.Buffer{}}, nil
}

func (f *fakeFS) Mkdir(p string) error {
	p = clean(p)
	parent := path.Dir(p)
	if !f.dirs[parent] {
		return &esperrors.NotFound{Name: parent}
	}
	if f.dirs[p] {
		return &esperrors.UserError{What: "already exists: " + p}
	}
	f.dirs[p] = true
	return nil
}

func (f *fakeFS) Remove(p string) error {
	p = clean(p)
	if f.dirs[p] {
		if f.hasChildren(p) {
			return &esperrors.UserError{What: "directory not empty: " + p}
		}
		delete(f.dirs, p)
		return nil
	}
	if _, ok := f.files[p]; ok {
		delete(f.files, p)
		return nil
	}
	return &esperrors.NotFound{Name: p}
}

func (f *fakeFS) hasChildren(p string) bool {
	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	for d := range f.dirs {
		if d != p && strings.HasPrefix(d, prefix) {
			return true
		}
	}
	for fp := range f.files {
		if strings.HasPrefix(fp, prefix) {
			return true
		}
	}
	return false
}

func (f *fakeFS) Rename(oldpath, newpath string) error {
	oldpath, newpath = clean(oldpath), clean(newpath)
	if data, ok := f.files[oldpath]; ok {
		f.files[newpath] = data
		delete(f.files, oldpath)
		return nil
	}
	if f.dirs[oldpath] {
		f.dirs[newpath] = true
		delete(f.dirs, oldpath)
		return nil
	}
	return &esperrors.NotFound{Name: oldpath}
}

func (f *fakeFS) Stat(p string) (Info, error) {
	p = clean(p)
	if f.dirs[p] {
		return Info{Name: path.Base(p), IsDir: true}, nil
	}
	if data, ok := f.files[p]; ok {
		return Info{Name: path.Base(p), Size: int64(len(data))}, nil
	}
	return Info{}, &esperrors.NotFound{Name: p}
}

func (f *fakeFS) ReadDir(p string) ([]Info, error) {
	p = clean(p)
	if !f.dirs[p] {
		return nil, &esperrors.NotFound{Name: p}
	}
	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	var out []Info
	seen := map[string]bool{}
	for d := range f.dirs {
		if d == p || !strings.HasPrefix(d, prefix) {
			continue
		}
		rest := strings.TrimPrefix(d, prefix)
		if strings.Contains(rest, "/") || rest == "" {
			continue
		}
		if !seen[rest] {
			seen[rest] = true
			out = append(out, Info{Name: rest, IsDir: true})
		}
	}
	for fp, data := range f.files {
		if !strings.HasPrefix(fp, prefix) {
			continue
		}
		rest := strings.TrimPrefix(fp, prefix)
		if strings.Contains(rest, "/") || rest == "" {
			continue
		}
		if !seen[rest] {
			seen[rest] = true
			out = append(out, Info{Name: rest, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeFS) Usage() (used, total uint32, err error) {
	var bytesUsed int64
	for _, data := range f.files {
		bytesUsed += int64(len(data))
	}
	used = uint32(bytesUsed)/f.dev.BlockSize() + 1
	total = f.dev.BlockCount()
	return used, total, nil
}
